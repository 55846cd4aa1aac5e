package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"proxybind/internal/proxy"
)

// ProxyChecker probes one proxy.
type ProxyChecker interface {
	Check(ctx context.Context, p proxy.Resource) (proxy.Outcome, error)
}

// HTTPChecker validates a proxy by fetching a known target through it.
type HTTPChecker struct {
	target  string
	timeout time.Duration
}

// NewHTTPChecker creates a checker that sends HEAD requests to target.
func NewHTTPChecker(target string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{target: target, timeout: timeout}
}

// Check performs one liveness probe.
func (c *HTTPChecker) Check(ctx context.Context, p proxy.Resource) (proxy.Outcome, error) {
	transport, err := newTransport(&p, c.timeout)
	if err != nil {
		return proxy.OutcomeFailure, err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.target, nil)
	if err != nil {
		return proxy.OutcomeFailure, err
	}

	client := &http.Client{Transport: transport, Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return classify(ctx, err), err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return proxy.OutcomeFailure, fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return proxy.OutcomeSuccess, nil
}
