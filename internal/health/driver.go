package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"proxybind/internal/account"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
)

// ErrAuthRejected means the platform refused the session's credentials.
var ErrAuthRejected = errors.New("session rejected by platform")

const (
	maxProbeBody = 1 << 20
	probeUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Probe is everything a driver needs to act as one account.
type Probe struct {
	Session  account.Session
	Artifact []byte
	// Proxy is the account's bound proxy, nil when unbound.
	Proxy *proxy.Resource
}

// SessionDriver talks to a platform on behalf of an account session.
// Verify returns ErrAuthRejected for dead credentials, and
// resource.ErrCaptchaRequired or resource.ErrAccountBlocked for outcomes
// that need an operator. Anything else is transient.
type SessionDriver interface {
	Verify(ctx context.Context, p Probe) error
	KeepAlive(ctx context.Context, p Probe, dwell time.Duration) error
	Explore(ctx context.Context, p Probe) ([]string, error)
}

// GuardDismisser is implemented by drivers that can clear login guards and
// pop-ups before a probe.
type GuardDismisser interface {
	DismissGuards(ctx context.Context, p Probe) error
}

// Endpoint is where a platform's sessions are probed.
type Endpoint struct {
	VerifyURL    string
	ExploreURL   string
	LoginMarkers []string
}

// HTTPDriver probes platform endpoints with the artifact's cookies.
type HTTPDriver struct {
	endpoints map[account.Platform]Endpoint
	timeout   time.Duration
}

// NewHTTPDriver creates a driver for the given platform endpoints.
func NewHTTPDriver(endpoints map[account.Platform]Endpoint, timeout time.Duration) *HTTPDriver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPDriver{endpoints: endpoints, timeout: timeout}
}

// Verify fetches the platform's account endpoint once.
func (d *HTTPDriver) Verify(ctx context.Context, p Probe) error {
	ep, err := d.endpoint(p.Session.Platform)
	if err != nil {
		return err
	}
	_, err = d.fetch(ctx, p, ep, ep.VerifyURL)
	return err
}

// KeepAlive verifies the session, stays idle for dwell, then touches the
// endpoint again so the platform sees an active session.
func (d *HTTPDriver) KeepAlive(ctx context.Context, p Probe, dwell time.Duration) error {
	if err := d.Verify(ctx, p); err != nil {
		return err
	}

	timer := time.NewTimer(dwell)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return d.Verify(ctx, p)
}

// Explore returns the sorted top-level keys of the platform's account
// document.
func (d *HTTPDriver) Explore(ctx context.Context, p Probe) ([]string, error) {
	ep, err := d.endpoint(p.Session.Platform)
	if err != nil {
		return nil, err
	}
	target := ep.ExploreURL
	if target == "" {
		target = ep.VerifyURL
	}

	body, err := d.fetch(ctx, p, ep, target)
	if err != nil {
		return nil, err
	}
	return topLevelKeys(body)
}

func (d *HTTPDriver) endpoint(platform account.Platform) (Endpoint, error) {
	ep, ok := d.endpoints[platform]
	if !ok || ep.VerifyURL == "" {
		return Endpoint{}, fmt.Errorf("no probe endpoint configured for platform %s", platform)
	}
	return ep, nil
}

func (d *HTTPDriver) fetch(ctx context.Context, p Probe, ep Endpoint, target string) ([]byte, error) {
	cookies, err := account.Cookies(p.Artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", account.ErrArtifactMissing, err)
	}

	transport, err := newTransport(p.Proxy, d.timeout)
	if err != nil {
		return nil, err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", probeUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	client := &http.Client{Transport: transport, Timeout: d.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", resource.ErrNetwork, err)
	}

	finalURL := strings.ToLower(resp.Request.URL.String())
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return nil, fmt.Errorf("%w: status %d", resource.ErrAccountBlocked, resp.StatusCode)
	case strings.Contains(finalURL, "captcha"):
		return nil, fmt.Errorf("%w: redirected to %s", resource.ErrCaptchaRequired, resp.Request.URL)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", resource.ErrNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}
	for _, marker := range ep.LoginMarkers {
		if marker != "" && strings.Contains(finalURL, strings.ToLower(marker)) {
			return nil, fmt.Errorf("%w: redirected to login %s", ErrAuthRejected, resp.Request.URL)
		}
	}
	return body, nil
}

func topLevelKeys(body []byte) ([]string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("account document is not a JSON object: %w", err)
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
