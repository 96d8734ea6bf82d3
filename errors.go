package capsolver

import "fmt"

// ConfigError is returned when the supplied configuration is incomplete
// or still holds a placeholder value.
type ConfigError struct {
	Field   string
	Message string
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// APIError is returned when the CapSolver API reports a non-zero errorId.
type APIError struct {
	Code        string
	Description string
}

func NewAPIError(code, description string) *APIError {
	return &APIError{
		Code:        code,
		Description: description,
	}
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("API error: %s", e.Description)
}

// TaskError is returned when a solving task terminates with status "failed".
type TaskError struct {
	TaskID      string
	Description string
}

func NewTaskError(taskID, description string) *TaskError {
	return &TaskError{
		TaskID:      taskID,
		Description: description,
	}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Description)
}

// TimeoutError is returned when a task does not reach a terminal state
// within the configured attempt budget.
type TimeoutError struct {
	Message string
}

func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{
		Message: message,
	}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Message)
}

// ConnectionError is returned when a request to the CapSolver API cannot
// be completed.
type ConnectionError struct {
	Message string
	Cause   error
}

func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
