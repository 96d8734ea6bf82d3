package capsolver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAPIBase is the production CapSolver API endpoint.
const DefaultAPIBase = "https://api.capsolver.com"

// Client talks to the CapSolver API: it submits solving tasks and polls
// for their results. A Client is safe for use by multiple goroutines.
type Client struct {
	apiKey       string
	apiBase      string
	pollInterval time.Duration
	maxAttempts  int
	httpClient   *http.Client
	logger       zerolog.Logger

	// sleep suspends between polls; replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Solution is the payload returned for a completed task. Token is set for
// both task kinds; Cookies (including cf_clearance) only for challenge
// tasks.
type Solution struct {
	Token     string            `json:"token"`
	UserAgent string            `json:"userAgent"`
	Cookies   map[string]string `json:"cookies"`
}

// CFClearance returns the cf_clearance cookie value, or "" if absent.
func (s *Solution) CFClearance() string {
	if s == nil {
		return ""
	}
	return s.Cookies["cf_clearance"]
}

// createTaskRequest is the request body for /createTask.
type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      any    `json:"task"`
}

// turnstileTask is the wire form of a Turnstile task. Metadata is elided
// entirely when no optional attribute is set.
type turnstileTask struct {
	Type       string             `json:"type"`
	WebsiteURL string             `json:"websiteURL"`
	WebsiteKey string             `json:"websiteKey"`
	Metadata   *turnstileMetadata `json:"metadata,omitempty"`
}

type turnstileMetadata struct {
	Action string `json:"action,omitempty"`
	CData  string `json:"cdata,omitempty"`
}

// challengeTask is the wire form of an interstitial challenge task.
type challengeTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	Proxy      string `json:"proxy"`
	UserAgent  string `json:"userAgent,omitempty"`
	HTML       string `json:"html,omitempty"`
}

// createTaskResponse is the response from /createTask.
type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
}

// taskResultResponse is the response from /getTaskResult.
type taskResultResponse struct {
	ErrorID          int       `json:"errorId"`
	ErrorCode        string    `json:"errorCode"`
	ErrorDescription string    `json:"errorDescription"`
	Status           string    `json:"status"`
	Solution         *Solution `json:"solution"`
}

// New creates a new Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		apiBase:      DefaultAPIBase,
		pollInterval: 2 * time.Second,
		maxAttempts:  60,
		logger:       zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
		sleep:        sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	// Trim trailing slash from API base
	c.apiBase = strings.TrimSuffix(c.apiBase, "/")

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return c
}

// sleepContext suspends for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// post sends a JSON POST to the given API path and decodes the response
// into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return NewConnectionError("failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(jsonBody))
	if err != nil {
		return NewConnectionError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewConnectionError("failed to send request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewConnectionError("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return NewConnectionError("unexpected HTTP status "+resp.Status, nil)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return NewConnectionError("failed to parse response", err)
	}

	return nil
}

// createTask submits a task to the API and returns its identifier.
func (c *Client) createTask(ctx context.Context, task any) (string, error) {
	reqBody := createTaskRequest{
		ClientKey: c.apiKey,
		Task:      task,
	}

	var createResp createTaskResponse
	if err := c.post(ctx, "/createTask", reqBody, &createResp); err != nil {
		return "", err
	}

	if createResp.ErrorID != 0 {
		return "", NewAPIError(createResp.ErrorCode, errorDescriptionOr(createResp.ErrorDescription))
	}

	if createResp.TaskID == "" {
		return "", NewAPIError("", "no taskId returned")
	}

	c.logger.Info().Str("taskId", createResp.TaskID).Msg("Task created")
	return createResp.TaskID, nil
}

// getTaskResult queries the result of a previously created task.
func (c *Client) getTaskResult(ctx context.Context, taskID string) (*taskResultResponse, error) {
	reqBody := struct {
		ClientKey string `json:"clientKey"`
		TaskID    string `json:"taskId"`
	}{
		ClientKey: c.apiKey,
		TaskID:    taskID,
	}

	var result taskResultResponse
	if err := c.post(ctx, "/getTaskResult", reqBody, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func errorDescriptionOr(description string) string {
	if description == "" {
		return "unknown error"
	}
	return description
}

// SolveTurnstile solves a Turnstile widget and returns the solution token.
func (c *Client) SolveTurnstile(cfg TurnstileConfig) (*Solution, error) {
	return c.SolveTurnstileContext(context.Background(), cfg)
}

// SolveTurnstileContext solves a Turnstile widget with context support.
func (c *Client) SolveTurnstileContext(ctx context.Context, cfg TurnstileConfig) (*Solution, error) {
	if err := validateAPIKey(c.apiKey); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	task := turnstileTask{
		Type:       "AntiTurnstileTaskProxyLess",
		WebsiteURL: cfg.WebsiteURL,
		WebsiteKey: cfg.WebsiteKey,
	}
	if cfg.Action != "" || cfg.CData != "" {
		task.Metadata = &turnstileMetadata{
			Action: cfg.Action,
			CData:  cfg.CData,
		}
	}

	c.logger.Info().Str("url", cfg.WebsiteURL).Str("sitekey", cfg.WebsiteKey).Msg("Starting Turnstile solve")

	taskID, err := c.createTask(ctx, task)
	if err != nil {
		return nil, err
	}

	sol, err := c.waitForSolution(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if sol.Token == "" {
		return nil, NewAPIError("", "no token in solution")
	}

	c.logger.Info().Msg("Turnstile solved")
	return sol, nil
}

// SolveChallenge solves a Cloudflare interstitial challenge and returns
// the solution, including the cf_clearance cookie.
func (c *Client) SolveChallenge(cfg ChallengeConfig) (*Solution, error) {
	return c.SolveChallengeContext(context.Background(), cfg)
}

// SolveChallengeContext solves a Cloudflare interstitial challenge with
// context support.
func (c *Client) SolveChallengeContext(ctx context.Context, cfg ChallengeConfig) (*Solution, error) {
	if err := validateAPIKey(c.apiKey); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	task := challengeTask{
		Type:       "AntiCloudflareTask",
		WebsiteURL: cfg.WebsiteURL,
		Proxy:      normalizeProxyString(cfg.Proxy),
		UserAgent:  cfg.UserAgent,
		HTML:       cfg.HTML,
	}

	c.logger.Info().Str("url", cfg.WebsiteURL).Msg("Starting challenge solve")

	taskID, err := c.createTask(ctx, task)
	if err != nil {
		return nil, err
	}

	sol, err := c.waitForSolution(ctx, taskID)
	if err != nil {
		return nil, err
	}

	c.logger.Info().Msg("Challenge solved")
	return sol, nil
}

// waitForSolution drives the poll loop for a created task.
func (c *Client) waitForSolution(ctx context.Context, taskID string) (*Solution, error) {
	p := &poller{
		taskID:      taskID,
		interval:    c.pollInterval,
		maxAttempts: c.maxAttempts,
		fetch:       c.getTaskResult,
		sleep:       c.sleep,
		logger:      c.logger,
	}
	return p.run(ctx)
}

// Balance returns the remaining account balance in USD.
func (c *Client) Balance() (float64, error) {
	return c.BalanceContext(context.Background())
}

// BalanceContext returns the remaining account balance with context support.
func (c *Client) BalanceContext(ctx context.Context) (float64, error) {
	if err := validateAPIKey(c.apiKey); err != nil {
		return 0, err
	}

	reqBody := struct {
		ClientKey string `json:"clientKey"`
	}{ClientKey: c.apiKey}

	var balanceResp struct {
		ErrorID          int     `json:"errorId"`
		ErrorCode        string  `json:"errorCode"`
		ErrorDescription string  `json:"errorDescription"`
		Balance          float64 `json:"balance"`
	}

	if err := c.post(ctx, "/getBalance", reqBody, &balanceResp); err != nil {
		return 0, err
	}

	if balanceResp.ErrorID != 0 {
		return 0, NewAPIError(balanceResp.ErrorCode, errorDescriptionOr(balanceResp.ErrorDescription))
	}

	return balanceResp.Balance, nil
}
