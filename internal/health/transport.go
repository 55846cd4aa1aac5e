package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	xproxy "golang.org/x/net/proxy"

	"proxybind/internal/proxy"
)

// newTransport builds a one-shot transport that egresses through p. A nil
// p dials directly.
func newTransport(p *proxy.Resource, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   timeout / 2,
		IdleConnTimeout:       timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	if p == nil {
		return t, nil
	}

	switch p.Address.Protocol {
	case proxy.ProtocolSOCKS5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		addr := net.JoinHostPort(p.Address.Host, strconv.Itoa(p.Address.Port))
		d, err := xproxy.SOCKS5("tcp", addr, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support contexts")
		}
		t.DialContext = cd.DialContext
	default:
		t.Proxy = http.ProxyURL(p.URL())
	}
	return t, nil
}

// classify maps a probe error to an outcome. Refused connections and broken
// handshakes mean the endpoint itself is gone; everything else is transient.
func classify(ctx context.Context, err error) proxy.Outcome {
	if err == nil {
		return proxy.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return proxy.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxy.OutcomeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return proxy.OutcomeRefused
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return proxy.OutcomeHandshake
	}
	return proxy.OutcomeFailure
}
