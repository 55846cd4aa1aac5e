package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxybind/internal/account"
	"proxybind/internal/binding"
	"proxybind/internal/health"
	"proxybind/internal/logger"
	"proxybind/internal/resource"
)

// Kind names a sweep.
type Kind string

const (
	KindDaily       Kind = "daily"
	KindWeekly      Kind = "weekly"
	KindExploration Kind = "exploration"
	KindProxySweep  Kind = "proxy_sweep"
)

// Options holds sweep intervals and behaviour.
type Options struct {
	DailyInterval       time.Duration
	WeeklyInterval      time.Duration
	ExplorationInterval time.Duration
	ProxySweepInterval  time.Duration

	BackupDir       string
	BackupRetention time.Duration

	KeepAliveDwell     time.Duration
	KeepAlivePlatforms []account.Platform
	// GuardDismissal asks drivers that support it to clear login guards
	// before keep-alive and exploration probes.
	GuardDismissal bool

	SweepDeadline time.Duration
	Concurrency   int
}

// ItemResult is the outcome of one resource within a sweep.
type ItemResult struct {
	ID       string           `json:"id"`
	Platform account.Platform `json:"platform,omitempty"`
	Outcome  string           `json:"outcome"`
	Error    string           `json:"error,omitempty"`
	Drift    *Drift           `json:"drift,omitempty"`
}

// SweepReport summarizes a daily, exploration or proxy sweep.
type SweepReport struct {
	Kind       Kind           `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Counts     map[string]int `json:"counts"`
	Items      []ItemResult   `json:"items"`
	Repairs    int            `json:"repairs,omitempty"`
	Partial    bool           `json:"partial"`
	Skipped    bool           `json:"skipped"`
}

func (r *SweepReport) finish(now time.Time) {
	r.FinishedAt = now
	r.Counts = make(map[string]int)
	for _, it := range r.Items {
		r.Counts[it.Outcome]++
	}
}

// Scheduler runs the periodic maintenance sweeps. Runs of the same kind
// never overlap: a run that finds one in flight is skipped.
type Scheduler struct {
	prober    *health.Prober
	allocator *binding.Allocator
	accounts  *account.Registry
	snapshots SnapshotStore
	opts      Options

	locks  map[Kind]*sync.Mutex
	snapMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

// NewScheduler creates a scheduler. snapshots may be nil, in which case
// exploration does not track drift.
func NewScheduler(prober *health.Prober, allocator *binding.Allocator, snapshots SnapshotStore, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		prober:    prober,
		allocator: allocator,
		accounts:  prober.Accounts,
		snapshots: snapshots,
		opts:      opts,
		locks: map[Kind]*sync.Mutex{
			KindDaily:       {},
			KindWeekly:      {},
			KindExploration: {},
			KindProxySweep:  {},
		},
		stopChan: make(chan struct{}),
		now:      time.Now,
		log:      logger.WithComponent("Scheduler"),
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// acquire takes the per-kind run lock without waiting.
func (s *Scheduler) acquire(kind Kind) (func(), error) {
	mu := s.locks[kind]
	if !mu.TryLock() {
		s.log.Warn().Str("kind", string(kind)).Msg("Sweep already running, skipping.")
		return nil, fmt.Errorf("%w: %s", resource.ErrSweepInProgress, kind)
	}
	return mu.Unlock, nil
}

func (s *Scheduler) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.SweepDeadline > 0 {
		return context.WithTimeout(ctx, s.opts.SweepDeadline)
	}
	return context.WithCancel(ctx)
}

// RunDaily verifies every valid or unchecked session and keeps sessions of
// keep-alive platforms active. Bindings are reconciled first.
func (s *Scheduler) RunDaily(ctx context.Context) (SweepReport, error) {
	release, err := s.acquire(KindDaily)
	if err != nil {
		return SweepReport{Kind: KindDaily, Skipped: true}, err
	}
	defer release()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	report := SweepReport{Kind: KindDaily, StartedAt: s.now()}
	s.log.Info().Msg("Daily sweep started.")

	repairs, err := s.allocator.Reconcile()
	if err != nil {
		s.log.Error().Err(err).Msg("Binding reconciliation failed.")
	}
	report.Repairs = repairs

	var targets []account.Session
	for _, a := range s.accounts.List(account.Filter{}) {
		if a.Status.Allocatable() {
			targets = append(targets, a)
		}
	}

	report.Items = s.forEach(ctx, targets, func(ctx context.Context, a account.Session) ItemResult {
		item := ItemResult{ID: a.ID, Platform: a.Platform}
		status, err := s.prober.CheckAccountSession(ctx, a.ID)
		if err != nil {
			item.Outcome = "error"
			item.Error = err.Error()
			s.log.Warn().Err(err).Str("account_id", a.ID).Msg("Session check failed.")
			return item
		}

		switch status {
		case account.StatusValid:
			item.Outcome = "success"
		default:
			item.Outcome = string(status)
			return item
		}

		if s.keepAlive(a.Platform) {
			if err := s.runKeepAlive(ctx, a.ID); err != nil {
				item.Error = err.Error()
				s.log.Warn().Err(err).Str("account_id", a.ID).Msg("Keep-alive failed.")
			}
		}
		return item
	})

	report.Partial = ctx.Err() != nil
	report.finish(s.now())
	s.log.Info().Interface("counts", report.Counts).Bool("partial", report.Partial).Msg("Daily sweep finished.")
	return report, nil
}

func (s *Scheduler) keepAlive(platform account.Platform) bool {
	for _, p := range s.opts.KeepAlivePlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

func (s *Scheduler) runKeepAlive(ctx context.Context, accountID string) error {
	probe, err := s.prober.ProbeFor(accountID)
	if err != nil {
		return err
	}
	s.dismissGuards(ctx, probe)
	return s.prober.Driver.KeepAlive(ctx, probe, s.opts.KeepAliveDwell)
}

func (s *Scheduler) dismissGuards(ctx context.Context, probe health.Probe) {
	if !s.opts.GuardDismissal {
		return
	}
	gd, ok := s.prober.Driver.(health.GuardDismisser)
	if !ok {
		s.log.Debug().Msg("Session driver cannot dismiss guards.")
		return
	}
	if err := gd.DismissGuards(ctx, probe); err != nil {
		s.log.Warn().Err(err).Str("account_id", probe.Session.ID).Msg("Guard dismissal failed.")
	}
}

// RunExploration runs a deeper probe of every valid session and records
// drift in the platform's account document keys. Failures are per account.
func (s *Scheduler) RunExploration(ctx context.Context) (SweepReport, error) {
	release, err := s.acquire(KindExploration)
	if err != nil {
		return SweepReport{Kind: KindExploration, Skipped: true}, err
	}
	defer release()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	report := SweepReport{Kind: KindExploration, StartedAt: s.now()}
	targets := s.accounts.List(account.Filter{Status: account.StatusValid})

	report.Items = s.forEach(ctx, targets, func(ctx context.Context, a account.Session) ItemResult {
		item := ItemResult{ID: a.ID, Platform: a.Platform}
		probe, err := s.prober.ProbeFor(a.ID)
		if err != nil {
			item.Outcome = "error"
			item.Error = err.Error()
			return item
		}
		s.dismissGuards(ctx, probe)

		keys, err := s.prober.Driver.Explore(ctx, probe)
		if err != nil {
			item.Outcome = "error"
			item.Error = err.Error()
			s.log.Warn().Err(err).Str("account_id", a.ID).Msg("Exploration probe failed.")
			return item
		}

		item.Outcome = "ok"
		if drift, err := s.recordSnapshot(a.Platform, keys); err != nil {
			item.Error = err.Error()
			s.log.Warn().Err(err).Str("platform", string(a.Platform)).Msg("Failed to record schema snapshot.")
		} else if !drift.Empty() {
			item.Outcome = "drift"
			item.Drift = &drift
			s.log.Warn().Str("platform", string(a.Platform)).Strs("added", drift.Added).Strs("removed", drift.Removed).Msg("Platform schema drift detected.")
		}
		return item
	})

	report.Partial = ctx.Err() != nil
	report.finish(s.now())
	s.log.Info().Interface("counts", report.Counts).Msg("Exploration sweep finished.")
	return report, nil
}

func (s *Scheduler) recordSnapshot(platform account.Platform, keys []string) (Drift, error) {
	if s.snapshots == nil {
		return Drift{}, nil
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	prev, ok, err := s.snapshots.LatestSnapshot(platform)
	if err != nil {
		return Drift{}, err
	}
	var drift Drift
	if ok {
		drift = diffKeys(prev.Keys, keys)
		if drift.Empty() {
			return drift, nil
		}
	}
	return drift, s.snapshots.SaveSnapshot(SchemaSnapshot{Platform: platform, Keys: keys, CreatedAt: s.now()})
}

// RunProxySweep probes every live proxy.
func (s *Scheduler) RunProxySweep(ctx context.Context) (SweepReport, error) {
	release, err := s.acquire(KindProxySweep)
	if err != nil {
		return SweepReport{Kind: KindProxySweep, Skipped: true}, err
	}
	defer release()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	report := SweepReport{Kind: KindProxySweep, StartedAt: s.now()}
	checks, err := s.prober.CheckAllProxies(ctx)
	for _, c := range checks {
		item := ItemResult{ID: c.ProxyID, Outcome: string(c.Outcome), Error: c.Error}
		switch {
		case c.Retired:
			item.Outcome = "retired"
		case c.Outcome == "":
			item.Outcome = "skipped"
		}
		report.Items = append(report.Items, item)
	}
	report.Partial = err != nil
	report.finish(s.now())
	return report, nil
}

// forEach runs fn for every account with bounded concurrency. Accounts not
// reached before ctx is done are reported as skipped.
func (s *Scheduler) forEach(ctx context.Context, targets []account.Session, fn func(context.Context, account.Session) ItemResult) []ItemResult {
	results := make([]ItemResult, len(targets))
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup

	for i, a := range targets {
		i, a := i, a
		select {
		case <-ctx.Done():
			results[i] = ItemResult{ID: a.ID, Platform: a.Platform, Outcome: "skipped", Error: ctx.Err().Error()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(ctx, a)
		}()
	}
	wg.Wait()
	return results
}

// Start launches the periodic sweeps. Kinds with a zero interval are not
// scheduled.
func (s *Scheduler) Start() {
	intervals := map[Kind]time.Duration{
		KindDaily:       s.opts.DailyInterval,
		KindWeekly:      s.opts.WeeklyInterval,
		KindExploration: s.opts.ExplorationInterval,
		KindProxySweep:  s.opts.ProxySweepInterval,
	}
	for kind, every := range intervals {
		if every <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(kind, every)
	}
	s.log.Info().
		Dur("daily", s.opts.DailyInterval).
		Dur("weekly", s.opts.WeeklyInterval).
		Dur("exploration", s.opts.ExplorationInterval).
		Dur("proxy_sweep", s.opts.ProxySweepInterval).
		Msg("Schedulers initialized.")
}

func (s *Scheduler) loop(kind Kind, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runKind(kind)
			}()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runKind(kind Kind) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	switch kind {
	case KindDaily:
		_, err = s.RunDaily(ctx)
	case KindWeekly:
		_, err = s.RunWeekly(ctx)
	case KindExploration:
		_, err = s.RunExploration(ctx)
	case KindProxySweep:
		_, err = s.RunProxySweep(ctx)
	}
	if err != nil && !errors.Is(err, resource.ErrSweepInProgress) {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("Scheduled sweep failed.")
	}
}

// Stop ends the periodic sweeps and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped.")
}
