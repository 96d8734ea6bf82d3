package capsolver

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option is a function that configures a Client.
type Option func(*Client)

// WithAPIBase sets the CapSolver API base URL.
func WithAPIBase(apiBase string) Option {
	return func(c *Client) {
		c.apiBase = apiBase
	}
}

// WithPollInterval sets the fixed delay between result polls.
// The default is 2 seconds.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
	}
}

// WithMaxAttempts sets the maximum number of result polls before the
// solve is abandoned with a timeout error. The default is 60.
func WithMaxAttempts(maxAttempts int) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
	}
}

// WithHTTPClient sets the HTTP client used for API requests. Use this to
// route API calls through a proxy or adjust the request timeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger. The default writes console output to stderr.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
