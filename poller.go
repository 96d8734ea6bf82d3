package capsolver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// pollState tracks where a task sits in its lifecycle as seen from the
// polling side.
type pollState int

const (
	stateWaiting pollState = iota
	stateReady
	stateFailed
	stateTimedOut
)

func (s pollState) String() string {
	switch s {
	case stateWaiting:
		return "waiting"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// poller queries a task's result on a fixed interval until it reaches a
// terminal state or the attempt budget runs out. There is no backoff and
// no jitter; cancellation is through the context.
type poller struct {
	taskID      string
	interval    time.Duration
	maxAttempts int
	fetch       func(ctx context.Context, taskID string) (*taskResultResponse, error)
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger

	state pollState
}

// run drives the poll loop. It suspends for the interval before each
// query, matching the service's guidance to let the task start first.
// A failed round-trip consumes an attempt; only terminal responses and
// context cancellation end the loop early. Cancellation surfaces as the
// context's own error so callers can match it with errors.Is.
func (p *poller) run(ctx context.Context) (*Solution, error) {
	p.state = stateWaiting

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.sleep(ctx, p.interval); err != nil {
			return nil, err
		}

		result, err := p.fetch(ctx, p.taskID)
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Poll request failed")
			continue
		}

		sol, err := p.transition(result)
		switch p.state {
		case stateReady:
			p.logger.Info().Int("attempt", attempt).Msg("Solution received")
			return sol, nil
		case stateFailed:
			return nil, err
		case stateWaiting:
			if attempt%5 == 0 {
				p.logger.Info().Int("attempt", attempt).Int("maxAttempts", p.maxAttempts).Msg("Still processing")
			}
		}
	}

	p.state = stateTimedOut
	return nil, NewTimeoutError("failed to get solution within maximum attempts")
}

// transition applies one result response to the state machine. It returns
// the solution when the new state is ready, or the terminal error when it
// is failed.
func (p *poller) transition(result *taskResultResponse) (*Solution, error) {
	if result.ErrorID != 0 {
		p.state = stateFailed
		return nil, NewAPIError(result.ErrorCode, errorDescriptionOr(result.ErrorDescription))
	}

	switch result.Status {
	case "ready":
		p.state = stateReady
		sol := result.Solution
		if sol == nil {
			sol = &Solution{}
		}
		return sol, nil
	case "failed":
		p.state = stateFailed
		return nil, NewTaskError(p.taskID, errorDescriptionOr(result.ErrorDescription))
	default:
		// "processing" and "idle" both mean the task is still running.
		p.state = stateWaiting
		return nil, nil
	}
}
