package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"proxybind/internal/account"
	"proxybind/internal/binding"
	"proxybind/internal/logger"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
)

// Deps are the collaborators of a Prober. Geo, Tasks and Outcomes are
// optional.
type Deps struct {
	Proxies   *proxy.Registry
	Accounts  *account.Registry
	Allocator *binding.Allocator
	Checker   ProxyChecker
	Driver    SessionDriver
	Geo       GeoLocator
	Tasks     ManualTaskQueue
	Outcomes  OutcomeLog
}

// Options tunes a Prober.
type Options struct {
	ProbeTimeout  time.Duration
	VerifyTimeout time.Duration
	Concurrency   int
}

// Prober runs liveness checks for proxies and account sessions and feeds
// the results back into the registries. No allocator lock is held while a
// probe waits on the network.
type Prober struct {
	Deps
	opts Options
	log  zerolog.Logger
}

// ProxyCheck is the result of one proxy probe.
type ProxyCheck struct {
	ProxyID string        `json:"proxy_id"`
	Outcome proxy.Outcome `json:"outcome"`
	Status  proxy.Status  `json:"status"`
	Retired bool          `json:"retired"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// SessionCheck is the result of one account session probe.
type SessionCheck struct {
	AccountID string         `json:"account_id"`
	Previous  account.Status `json:"previous"`
	Status    account.Status `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// ReportResult describes what a worker report changed.
type ReportResult struct {
	AccountID    string      `json:"account_id"`
	Outcome      Outcome     `json:"outcome"`
	ProxyID      string      `json:"proxy_id,omitempty"`
	ProxyRetired bool        `json:"proxy_retired"`
	ManualTask   *ManualTask `json:"manual_task,omitempty"`
}

// NewProber creates a prober.
func NewProber(deps Deps, opts Options) *Prober {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 15 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &Prober{Deps: deps, opts: opts, log: logger.WithComponent("Prober")}
}

// CheckProxy probes one proxy and applies the result. A proxy crossing the
// retirement threshold is evicted in the same step.
func (p *Prober) CheckProxy(ctx context.Context, id string) (ProxyCheck, error) {
	res, err := p.Proxies.Get(id)
	if err != nil {
		return ProxyCheck{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	start := time.Now()
	outcome, probeErr := p.Checker.Check(probeCtx, res)
	latency := time.Since(start)
	cancel()

	// A cancelled caller says nothing about the proxy; leave its counters alone.
	if err := ctx.Err(); err != nil {
		p.log.Debug().Str("proxy_id", id).Msg("Proxy probe abandoned, result not recorded.")
		return ProxyCheck{ProxyID: id, Status: res.Status, Latency: latency, Error: err.Error()}, err
	}

	updated, retired, err := p.Allocator.RecordProxyCheck(id, outcome)
	if err != nil {
		return ProxyCheck{}, err
	}

	check := ProxyCheck{
		ProxyID: id,
		Outcome: outcome,
		Status:  updated.Status,
		Retired: retired,
		Latency: latency,
	}
	if probeErr != nil {
		check.Error = probeErr.Error()
		p.log.Debug().Err(probeErr).Str("proxy_id", id).Str("outcome", string(outcome)).Msg("Proxy probe failed.")
	}

	if outcome == proxy.OutcomeSuccess && p.Geo != nil && needsGeo(updated) {
		p.enrichGeo(ctx, updated)
	}
	return check, nil
}

func needsGeo(r proxy.Resource) bool {
	return r.Country == "" || r.Region == "" || r.City == "" || r.ISP == ""
}

func (p *Prober) enrichGeo(ctx context.Context, r proxy.Resource) {
	geo, err := p.Geo.Locate(ctx, r.Address.Host)
	if err != nil {
		p.log.Warn().Err(err).Str("proxy_id", r.ID).Msg("Geo lookup failed.")
		return
	}
	if _, err := p.Proxies.UpdateGeo(r.ID, geo); err != nil {
		p.log.Warn().Err(err).Str("proxy_id", r.ID).Msg("Failed to store geo info.")
	}
}

// CheckAllProxies probes every proxy that is not dead. Per-proxy failures
// are reported in the result list, never returned.
func (p *Prober) CheckAllProxies(ctx context.Context) ([]ProxyCheck, error) {
	var targets []proxy.Resource
	for _, r := range p.Proxies.List(proxy.Filter{}) {
		if r.Status != proxy.StatusDead {
			targets = append(targets, r)
		}
	}

	results := make([]ProxyCheck, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, r := range targets {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = ProxyCheck{ProxyID: r.ID, Status: r.Status, Error: err.Error()}
				return nil
			}
			check, err := p.CheckProxy(gctx, r.ID)
			if err != nil {
				p.log.Warn().Err(err).Str("proxy_id", r.ID).Msg("Proxy check failed.")
				check = ProxyCheck{ProxyID: r.ID, Status: r.Status, Error: err.Error()}
			}
			results[i] = check
			return nil
		})
	}
	_ = g.Wait()

	retired := 0
	for _, c := range results {
		if c.Retired {
			retired++
		}
	}
	p.log.Info().Int("checked", len(results)).Int("retired", retired).Msg("Proxy sweep finished.")
	return results, ctx.Err()
}

// CheckAccountSession verifies a session through its bound proxy and maps
// the result onto the status machine. Transient errors leave the status
// unchanged and are returned wrapped in resource.ErrNetwork.
func (p *Prober) CheckAccountSession(ctx context.Context, id string) (account.Status, error) {
	s, err := p.Accounts.Get(id)
	if err != nil {
		return "", err
	}

	probe, err := p.probeFor(s)
	if errors.Is(err, account.ErrArtifactMissing) {
		return p.markFileMissing(s, err)
	}
	if err != nil {
		return s.Status, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, p.opts.VerifyTimeout)
	verifyErr := p.Driver.Verify(verifyCtx, probe)
	cancel()

	return p.applyVerify(s, verifyErr)
}

// ProbeFor loads everything a driver needs to act as the account.
func (p *Prober) ProbeFor(accountID string) (Probe, error) {
	s, err := p.Accounts.Get(accountID)
	if err != nil {
		return Probe{}, err
	}
	return p.probeFor(s)
}

func (p *Prober) probeFor(s account.Session) (Probe, error) {
	artifact, err := p.Accounts.Artifacts().Load(s.ArtifactRef)
	if err != nil {
		return Probe{}, err
	}
	probe := Probe{Session: s, Artifact: artifact}
	if s.BoundProxyID != "" {
		if bound, err := p.Proxies.Get(s.BoundProxyID); err == nil {
			probe.Proxy = &bound
		}
	}
	return probe, nil
}

func (p *Prober) markFileMissing(s account.Session, cause error) (account.Status, error) {
	if s.Status == account.StatusFileMissing {
		return s.Status, nil
	}
	updated, err := p.Accounts.SetStatus(s.ID, account.StatusFileMissing)
	if err != nil {
		// expired sessions stay expired until re-captured
		return s.Status, fmt.Errorf("%w (status kept: %v)", cause, err)
	}
	p.log.Warn().Str("account_id", s.ID).Str("platform", string(s.Platform)).Msg("Session artifact missing.")
	return updated.Status, nil
}

// applyVerify maps a driver result to a status change.
func (p *Prober) applyVerify(s account.Session, verifyErr error) (account.Status, error) {
	switch {
	case verifyErr == nil:
		updated, err := p.Accounts.SetStatus(s.ID, account.StatusValid)
		if err != nil {
			return s.Status, err
		}
		return updated.Status, nil

	case errors.Is(verifyErr, ErrAuthRejected):
		if s.Status == account.StatusExpired {
			return s.Status, nil
		}
		updated, err := p.Accounts.SetStatus(s.ID, account.StatusExpired)
		if err != nil {
			return s.Status, err
		}
		p.log.Warn().Str("account_id", s.ID).Str("platform", string(s.Platform)).Msg("Session expired.")
		return updated.Status, nil

	case errors.Is(verifyErr, account.ErrArtifactMissing):
		return p.markFileMissing(s, verifyErr)

	case resource.NeedsManualIntervention(verifyErr):
		p.enqueue(s, s.BoundProxyID, outcomeFor(verifyErr), verifyErr.Error())
		return s.Status, verifyErr

	default:
		if errors.Is(verifyErr, resource.ErrNetwork) {
			return s.Status, verifyErr
		}
		return s.Status, fmt.Errorf("%w: %w", resource.ErrNetwork, verifyErr)
	}
}

func outcomeFor(err error) Outcome {
	if errors.Is(err, resource.ErrAccountBlocked) {
		return OutcomeBlocked
	}
	return OutcomeCaptcha
}

// ReportOutcome records what a worker observed while using its binding.
// Success and network errors feed the bound proxy's counters; captcha and
// blocked outcomes open a manual intervention task.
func (p *Prober) ReportOutcome(accountID string, outcome Outcome, detail string) (ReportResult, error) {
	if !outcome.Valid() {
		return ReportResult{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	s, err := p.Accounts.Get(accountID)
	if err != nil {
		return ReportResult{}, err
	}

	result := ReportResult{AccountID: s.ID, Outcome: outcome, ProxyID: s.BoundProxyID}
	p.logOutcome(s, outcome, detail)

	switch outcome {
	case OutcomeSuccess, OutcomeNetworkError:
		if s.BoundProxyID == "" {
			break
		}
		check := proxy.OutcomeSuccess
		if outcome == OutcomeNetworkError {
			check = proxy.OutcomeFailure
		}
		_, retired, err := p.Allocator.RecordProxyCheck(s.BoundProxyID, check)
		if err != nil && !errors.Is(err, resource.ErrNotFound) {
			return result, err
		}
		result.ProxyRetired = retired

	case OutcomeCaptcha, OutcomeBlocked:
		result.ManualTask = p.enqueue(s, s.BoundProxyID, outcome, detail)
	}

	if outcome == OutcomeSuccess && s.Status == account.StatusUnchecked {
		if _, err := p.Accounts.SetStatus(s.ID, account.StatusValid); err != nil {
			p.log.Warn().Err(err).Str("account_id", s.ID).Msg("Failed to promote session after success.")
		}
	}
	return result, nil
}

func (p *Prober) logOutcome(s account.Session, outcome Outcome, detail string) {
	p.log.Info().Str("account_id", s.ID).Str("proxy_id", s.BoundProxyID).Str("outcome", string(outcome)).Msg("Outcome reported.")
	if p.Outcomes == nil {
		return
	}
	err := p.Outcomes.LogOutcome(OutcomeRecord{
		AccountID: s.ID,
		ProxyID:   s.BoundProxyID,
		Platform:  s.Platform,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("account_id", s.ID).Msg("Failed to log outcome.")
	}
}

func (p *Prober) enqueue(s account.Session, proxyID string, reason Outcome, detail string) *ManualTask {
	p.log.Warn().Str("account_id", s.ID).Str("reason", string(reason)).Msg("Manual intervention required.")
	if p.Tasks == nil {
		return nil
	}
	task, err := p.Tasks.EnqueueManualTask(ManualTask{
		AccountID: s.ID,
		ProxyID:   proxyID,
		Platform:  s.Platform,
		Reason:    reason,
		Detail:    detail,
	})
	if err != nil {
		p.log.Error().Err(err).Str("account_id", s.ID).Msg("Failed to enqueue manual task.")
		return nil
	}
	return &task
}
