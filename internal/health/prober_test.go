package health_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"proxybind/internal/account"
	"proxybind/internal/health"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
	"proxybind/internal/testutil"
)

type fakeChecker struct {
	mu       sync.Mutex
	outcomes map[string]proxy.Outcome
	calls    int
}

func (f *fakeChecker) Check(ctx context.Context, p proxy.Resource) (proxy.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	o, ok := f.outcomes[p.ID]
	if !ok || o == proxy.OutcomeSuccess {
		return proxy.OutcomeSuccess, nil
	}
	return o, errors.New(string(o))
}

type fakeDriver struct {
	mu     sync.Mutex
	err    error
	probes []health.Probe
}

func (f *fakeDriver) Verify(ctx context.Context, p health.Probe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, p)
	return f.err
}

func (f *fakeDriver) KeepAlive(ctx context.Context, p health.Probe, dwell time.Duration) error {
	return f.Verify(ctx, p)
}

func (f *fakeDriver) Explore(ctx context.Context, p health.Probe) ([]string, error) {
	return nil, f.err
}

type fakeGeo struct{ geo proxy.Geo }

func (f fakeGeo) Locate(ctx context.Context, host string) (proxy.Geo, error) { return f.geo, nil }

func newProber(env *testutil.Env, checker health.ProxyChecker, driver health.SessionDriver) *health.Prober {
	return health.NewProber(health.Deps{
		Proxies:   env.Proxies,
		Accounts:  env.Accounts,
		Allocator: env.Allocator,
		Checker:   checker,
		Driver:    driver,
		Tasks:     env.Store,
		Outcomes:  env.Store,
	}, health.Options{ProbeTimeout: time.Second, VerifyTimeout: time.Second, Concurrency: 2})
}

func TestConsecutiveFailuresRetireAndEvict(t *testing.T) {
	env := testutil.NewEnvWith(t, testutil.Options{
		Policy:          proxy.RetirePolicy{MaxConsecutiveFails: 3, RetireOnTerminal: true},
		DefaultCapacity: 2,
	})
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})
	a1 := env.AddValidAccount(t, account.PlatformDouyin, "a1")
	a2 := env.AddValidAccount(t, account.PlatformDouyin, "a2")
	for _, a := range []account.Session{a1, a2} {
		if _, err := env.Allocator.Bind(a.ID); err != nil {
			t.Fatal(err)
		}
	}

	checker := &fakeChecker{outcomes: map[string]proxy.Outcome{p.ID: proxy.OutcomeFailure}}
	prober := newProber(env, checker, &fakeDriver{})

	for i := 1; i <= 3; i++ {
		check, err := prober.CheckProxy(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("CheckProxy #%d: %v", i, err)
		}
		if want := i == 3; check.Retired != want {
			t.Fatalf("check #%d retired = %v, want %v", i, check.Retired, want)
		}
	}

	got, _ := env.Proxies.Get(p.ID)
	if got.Status != proxy.StatusDead || len(got.BoundAccountIDs) != 0 || got.FailCount != 3 {
		t.Fatalf("proxy = %+v", got)
	}
	for _, a := range []account.Session{a1, a2} {
		if acc, _ := env.Accounts.Get(a.ID); acc.BoundProxyID != "" {
			t.Fatalf("%s still bound to %s", a.Name, acc.BoundProxyID)
		}
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	env := testutil.NewEnv(t)
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})
	prober := newProber(env, &fakeChecker{outcomes: map[string]proxy.Outcome{p.ID: proxy.OutcomeTimeout}}, &fakeDriver{})

	check, err := prober.CheckProxy(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.Retired || check.Status != proxy.StatusAvailable {
		t.Fatalf("single timeout retired the proxy: %+v", check)
	}
}

func TestCheckAllProxiesSkipsDead(t *testing.T) {
	env := testutil.NewEnv(t)
	live := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})
	dead := env.AddProxy(t, proxy.Input{Host: "10.0.0.2", Port: 8000})
	if _, _, err := env.Allocator.RecordProxyCheck(dead.ID, proxy.OutcomeRefused); err != nil {
		t.Fatal(err)
	}

	checker := &fakeChecker{outcomes: map[string]proxy.Outcome{}}
	prober := newProber(env, checker, &fakeDriver{})
	results, err := prober.CheckAllProxies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ProxyID != live.ID || checker.calls != 1 {
		t.Fatalf("results = %+v, calls = %d", results, checker.calls)
	}
}

func TestGeoEnrichmentAfterSuccess(t *testing.T) {
	env := testutil.NewEnv(t)
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000, Country: "CN"})
	prober := health.NewProber(health.Deps{
		Proxies:   env.Proxies,
		Accounts:  env.Accounts,
		Allocator: env.Allocator,
		Checker:   &fakeChecker{},
		Driver:    &fakeDriver{},
		Geo:       fakeGeo{geo: proxy.Geo{Country: "US", Region: "Zhejiang", City: "Hangzhou", ISP: "Telecom"}},
	}, health.Options{})

	if _, err := prober.CheckProxy(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Proxies.Get(p.ID)
	if got.Country != "CN" || got.City != "Hangzhou" || got.ISP != "Telecom" {
		t.Fatalf("geo = %s/%s/%s/%s", got.Country, got.Region, got.City, got.ISP)
	}
}

func TestCheckAccountSessionArtifactDeleted(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.AddValidAccount(t, account.PlatformDouyin, "a")
	driver := &fakeDriver{}
	prober := newProber(env, &fakeChecker{}, driver)

	if err := os.Remove(filepath.Join(env.Dir, "sessions", filepath.FromSlash(a.ArtifactRef))); err != nil {
		t.Fatal(err)
	}

	status, err := prober.CheckAccountSession(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("CheckAccountSession: %v", err)
	}
	if status != account.StatusFileMissing {
		t.Fatalf("status = %s, want file_missing", status)
	}
	if len(driver.probes) != 0 {
		t.Fatal("driver must not be called without an artifact")
	}
}

func TestCheckAccountSessionOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		driverErr error
		want      account.Status
		wantErr   error
		wantTasks int
	}{
		{name: "success", driverErr: nil, want: account.StatusValid},
		{name: "auth rejected", driverErr: health.ErrAuthRejected, want: account.StatusExpired},
		{name: "network", driverErr: errors.New("connection reset"), want: account.StatusUnchecked, wantErr: resource.ErrNetwork},
		{name: "timeout", driverErr: context.DeadlineExceeded, want: account.StatusUnchecked, wantErr: resource.ErrNetwork},
		{name: "captcha", driverErr: resource.ErrCaptchaRequired, want: account.StatusUnchecked, wantErr: resource.ErrCaptchaRequired, wantTasks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testutil.NewEnv(t)
			a := env.AddAccount(t, account.PlatformBilibili, "a")
			prober := newProber(env, &fakeChecker{}, &fakeDriver{err: tt.driverErr})

			status, err := prober.CheckAccountSession(context.Background(), a.ID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if status != tt.want {
				t.Fatalf("status = %s, want %s", status, tt.want)
			}
			if got, _ := env.Accounts.Get(a.ID); got.Status != tt.want {
				t.Fatalf("stored status = %s, want %s", got.Status, tt.want)
			}
			tasks, _ := env.Store.ListManualTasks(health.TaskOpen)
			if len(tasks) != tt.wantTasks {
				t.Fatalf("manual tasks = %d, want %d", len(tasks), tt.wantTasks)
			}
		})
	}
}

func TestCheckAccountSessionUsesBoundProxy(t *testing.T) {
	env := testutil.NewEnv(t)
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})
	a := env.AddValidAccount(t, account.PlatformDouyin, "a")
	if _, err := env.Allocator.Bind(a.ID); err != nil {
		t.Fatal(err)
	}
	driver := &fakeDriver{}
	prober := newProber(env, &fakeChecker{}, driver)

	if _, err := prober.CheckAccountSession(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	if len(driver.probes) != 1 || driver.probes[0].Proxy == nil || driver.probes[0].Proxy.ID != p.ID {
		t.Fatalf("probe did not go through the bound proxy: %+v", driver.probes)
	}
}

func TestReportOutcome(t *testing.T) {
	env := testutil.NewEnvWith(t, testutil.Options{
		Policy:          proxy.RetirePolicy{MaxConsecutiveFails: 2},
		DefaultCapacity: 3,
	})
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})
	a := env.AddAccount(t, account.PlatformKuaishou, "a")
	if _, err := env.Allocator.Bind(a.ID); err != nil {
		t.Fatal(err)
	}
	prober := newProber(env, &fakeChecker{}, &fakeDriver{})

	res, err := prober.ReportOutcome(a.ID, health.OutcomeSuccess, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ProxyID != p.ID || res.ProxyRetired {
		t.Fatalf("success result = %+v", res)
	}
	if got, _ := env.Accounts.Get(a.ID); got.Status != account.StatusValid {
		t.Fatalf("success should promote unchecked session, got %s", got.Status)
	}

	res, err = prober.ReportOutcome(a.ID, health.OutcomeCaptcha, "slider")
	if err != nil {
		t.Fatal(err)
	}
	if res.ManualTask == nil || res.ManualTask.Reason != health.OutcomeCaptcha {
		t.Fatalf("captcha result = %+v", res)
	}

	for i := 0; i < 2; i++ {
		res, err = prober.ReportOutcome(a.ID, health.OutcomeNetworkError, "")
		if err != nil {
			t.Fatal(err)
		}
	}
	if !res.ProxyRetired {
		t.Fatal("second network error should retire the proxy")
	}
	if got, _ := env.Accounts.Get(a.ID); got.BoundProxyID != "" || got.Status != account.StatusValid {
		t.Fatalf("account after retirement = %+v", got)
	}

	if _, err := prober.ReportOutcome(a.ID, "teleported", ""); err == nil {
		t.Fatal("expected unknown outcome error")
	}
	if _, err := prober.ReportOutcome("missing", health.OutcomeSuccess, ""); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var logged int
	if err := env.Store.DB().QueryRow(`SELECT COUNT(*) FROM outcome_logs`).Scan(&logged); err != nil {
		t.Fatal(err)
	}
	if logged != 4 {
		t.Fatalf("outcome logs = %d, want 4", logged)
	}
}

type stallingChecker struct{ entered chan struct{} }

func (s stallingChecker) Check(ctx context.Context, p proxy.Resource) (proxy.Outcome, error) {
	s.entered <- struct{}{}
	<-ctx.Done()
	return proxy.OutcomeTimeout, ctx.Err()
}

func TestCancelledSweepLeavesProxyCountersAlone(t *testing.T) {
	env := testutil.NewEnv(t)
	p := env.AddProxy(t, proxy.Input{Host: "10.0.0.1", Port: 8000})

	checker := stallingChecker{entered: make(chan struct{}, 1)}
	prober := health.NewProber(health.Deps{
		Proxies:   env.Proxies,
		Accounts:  env.Accounts,
		Allocator: env.Allocator,
		Checker:   checker,
		Driver:    &fakeDriver{},
	}, health.Options{ProbeTimeout: 10 * time.Second, VerifyTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-checker.entered
		cancel()
	}()

	results, err := prober.CheckAllProxies(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("CheckAllProxies err = %v, want context.Canceled", err)
	}
	if len(results) != 1 || results[0].Outcome != "" || results[0].Retired {
		t.Fatalf("results = %+v", results)
	}

	got, _ := env.Proxies.Get(p.ID)
	if got.FailCount != 0 || got.ConsecutiveFails != 0 || got.LastCheckAt != nil {
		t.Fatalf("cancelled check was recorded: %+v", got)
	}
}
