package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"proxybind/internal/account"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
)

func proxyFor(t *testing.T, rawURL string) proxy.Resource {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return proxy.Resource{ID: "p", Address: proxy.Address{Host: u.Hostname(), Port: port, Protocol: proxy.ProtocolHTTP}}
}

func TestHTTPCheckerThroughForwardProxy(t *testing.T) {
	seen := make(chan string, 1)
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a forward proxy receives the absolute target URL
		seen <- r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer fwd.Close()

	c := NewHTTPChecker("http://probe.example/", 2*time.Second)
	outcome, err := c.Check(context.Background(), proxyFor(t, fwd.URL))
	if err != nil || outcome != proxy.OutcomeSuccess {
		t.Fatalf("Check = %s, %v", outcome, err)
	}
	if got := <-seen; got != "http://probe.example/" {
		t.Fatalf("proxy saw %q", got)
	}
}

func TestHTTPCheckerBadStatus(t *testing.T) {
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer fwd.Close()

	outcome, err := NewHTTPChecker("http://probe.example/", 2*time.Second).Check(context.Background(), proxyFor(t, fwd.URL))
	if err == nil || outcome != proxy.OutcomeFailure {
		t.Fatalf("Check = %s, %v", outcome, err)
	}
}

func TestHTTPCheckerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	outcome, err := NewHTTPChecker("http://probe.example/", 2*time.Second).Check(context.Background(), proxyFor(t, "http://"+addr))
	if err == nil || outcome != proxy.OutcomeRefused {
		t.Fatalf("Check = %s, %v; want refused", outcome, err)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want proxy.Outcome
	}{
		{"nil", ctx, nil, proxy.OutcomeSuccess},
		{"deadline", ctx, context.DeadlineExceeded, proxy.OutcomeTimeout},
		{"ctx done", canceled, errors.New("boom"), proxy.OutcomeTimeout},
		{"other", ctx, errors.New("boom"), proxy.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.ctx, tt.err); got != tt.want {
				t.Fatalf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIPAPILocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/1.2.3.4" {
			w.Write([]byte(`{"status":"fail","message":"invalid query"}`))
			return
		}
		w.Write([]byte(`{"status":"success","country":"China","regionName":"Zhejiang Sheng","city":"Hangzhou Shi","isp":"Chinanet"}`))
	}))
	defer srv.Close()

	l := NewIPAPILocator(srv.URL + "/json")
	geo, err := l.Locate(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if geo.Country != "China" || geo.Region != "Zhejiang" || geo.City != "Hangzhou" || geo.ISP != "Chinanet" {
		t.Fatalf("geo = %+v", geo)
	}
	if _, err := l.Locate(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for failed lookup")
	}
}

func TestHTTPDriver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("DedeUserID"); err != nil || c.Value != "42" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"code":0,"data":{},"message":"0"}`))
	})
	mux.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/bounce", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/passport/login", http.StatusFound)
	})
	mux.HandleFunc("/passport/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>login</html>`))
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>slide</html>`))
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/captcha", http.StatusFound)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	artifact := []byte(`{"cookies":[{"name":"DedeUserID","value":"42"}]}`)
	probe := Probe{Session: account.Session{ID: "a", Platform: account.PlatformBilibili}, Artifact: artifact}

	tests := []struct {
		path    string
		wantErr error
	}{
		{"/ok", nil},
		{"/denied", ErrAuthRejected},
		{"/bounce", ErrAuthRejected},
		{"/challenge", resource.ErrCaptchaRequired},
		{"/down", resource.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d := NewHTTPDriver(map[account.Platform]Endpoint{
				account.PlatformBilibili: {VerifyURL: srv.URL + tt.path, LoginMarkers: []string{"passport"}},
			}, 2*time.Second)
			err := d.Verify(context.Background(), probe)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	d := NewHTTPDriver(map[account.Platform]Endpoint{
		account.PlatformBilibili: {VerifyURL: srv.URL + "/ok"},
	}, 2*time.Second)
	keys, err := d.Explore(context.Background(), probe)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 || keys[0] != "code" || keys[1] != "data" || keys[2] != "message" {
		t.Fatalf("keys = %v", keys)
	}

	if err := d.Verify(context.Background(), Probe{Session: account.Session{Platform: account.PlatformWeibo}, Artifact: artifact}); err == nil {
		t.Fatal("expected error for platform without endpoint")
	}
}
