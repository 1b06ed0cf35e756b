package httpclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"tether/internal/errors"
	"tether/internal/shared/logging"
)

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *errors.CircuitBreaker
}

// NewWithBreaker builds an HTTP client guarded by a circuit breaker.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithBreakerConfig(timeout, logger, name, errors.DefaultCircuitBreakerConfig())
}

// NewWithBreakerConfig builds a guarded HTTP client with a custom breaker
// configuration.
func NewWithBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config errors.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithBreaker(client.Transport, name, config)
	return client
}

// WrapTransportWithBreaker wraps a transport with circuit breaker protection.
func WrapTransportWithBreaker(base http.RoundTripper, name string, config errors.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &breakerRoundTripper{
		base:    base,
		breaker: errors.NewCircuitBreaker(name, config),
	}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// The caller hanging up is not a backend failure.
		if stderrors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
