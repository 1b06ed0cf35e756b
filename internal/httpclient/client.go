// Package httpclient builds the outbound HTTP clients used by tools that
// reach the network, with request logging, body size limits, and a circuit
// breaker per backend.
package httpclient

import (
	"net/http"
	"time"

	"tether/internal/shared/logging"
)

// DefaultTimeout bounds a request when the caller does not override it.
const DefaultTimeout = 30 * time.Second

// New builds an HTTP client that logs each request at debug level.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingRoundTripper{
			base:   http.DefaultTransport,
			logger: logging.OrNop(logger),
		},
	}
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)
	if err != nil {
		t.logger.Debug("HTTP %s %s failed after %v: %v", req.Method, req.URL, elapsed, err)
		return nil, err
	}
	t.logger.Debug("HTTP %s %s -> %d (%v)", req.Method, req.URL, resp.StatusCode, elapsed)
	return resp, nil
}
