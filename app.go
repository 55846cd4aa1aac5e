package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"proxybind/config"
	"proxybind/internal/account"
	"proxybind/internal/api"
	"proxybind/internal/binding"
	"proxybind/internal/health"
	"proxybind/internal/logger"
	"proxybind/internal/maintenance"
	"proxybind/internal/proxy"
	"proxybind/internal/stats"
	"proxybind/internal/storage"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	store     *storage.Storage
	proxies   *proxy.Registry
	accounts  *account.Registry
	allocator *binding.Allocator
	prober    *health.Prober
	scheduler *maintenance.Scheduler
	tracker   *stats.Tracker
	log       zerolog.Logger
}

// resolve makes relative paths relative to the config file's directory.
func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func newApp(cfg *config.Config, baseDir string) (*app, error) {
	a := &app{cfg: cfg, log: logger.WithComponent("Main")}

	store, err := storage.NewStorage(resolve(baseDir, cfg.Storage.DBPath))
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	backupDir := resolve(baseDir, cfg.Storage.BackupDir)
	artifacts, err := account.NewArtifactStore(resolve(baseDir, cfg.Storage.ArtifactDir), backupDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize artifact store: %w", err)
	}

	policy := proxy.RetirePolicy{
		MaxConsecutiveFails: cfg.Health.MaxConsecutiveFailures,
		MinSuccessRatio:     cfg.Health.MinSuccessRatio,
		MinChecks:           cfg.Health.MinChecks,
		RetireOnTerminal:    cfg.Health.RetireOnTerminal,
	}
	if a.proxies, err = proxy.NewRegistry(store, policy, cfg.Pool.DefaultCapacity); err != nil {
		store.Close()
		return nil, err
	}

	identityKeys := make(map[account.Platform]string)
	endpoints := make(map[account.Platform]health.Endpoint)
	for name, pc := range cfg.Platforms {
		platform := account.Platform(name)
		if !platform.Valid() {
			a.log.Warn().Str("platform", name).Msg("Ignoring unsupported platform in config.")
			continue
		}
		identityKeys[platform] = pc.IdentityKey
		endpoints[platform] = health.Endpoint{
			VerifyURL:    pc.VerifyURL,
			ExploreURL:   pc.ExploreURL,
			LoginMarkers: pc.LoginMarkers,
		}
	}
	if a.accounts, err = account.NewRegistry(store, artifacts, identityKeys); err != nil {
		store.Close()
		return nil, err
	}

	rules := make([]binding.Rule, 0, len(cfg.Pool.AffinityRules))
	for _, r := range cfg.Pool.AffinityRules {
		rules = append(rules, binding.Rule{
			Pattern:  r.Pattern,
			Affinity: account.Affinity{Country: r.Country, Region: r.Region, Provider: r.Provider},
		})
	}
	a.allocator = binding.New(a.proxies, a.accounts, binding.Options{
		Rules:    binding.NewAffinityRules(rules),
		Fallback: cfg.Pool.AffinityFallback,
	})

	deps := health.Deps{
		Proxies:   a.proxies,
		Accounts:  a.accounts,
		Allocator: a.allocator,
		Checker:   health.NewHTTPChecker(cfg.Health.ProbeTarget, cfg.Health.ProbeTimeout.Std()),
		Driver:    health.NewHTTPDriver(endpoints, cfg.Health.VerifyTimeout.Std()),
		Tasks:     store,
		Outcomes:  store,
	}
	if cfg.Health.GeoLookup {
		deps.Geo = health.NewIPAPILocator(cfg.Health.GeoAPIURL)
	}
	a.prober = health.NewProber(deps, health.Options{
		ProbeTimeout:  cfg.Health.ProbeTimeout.Std(),
		VerifyTimeout: cfg.Health.VerifyTimeout.Std(),
		Concurrency:   cfg.Health.Concurrency,
	})

	keepAlive := make([]account.Platform, 0, len(cfg.Maintenance.KeepAlivePlatforms))
	for _, p := range cfg.Maintenance.KeepAlivePlatforms {
		keepAlive = append(keepAlive, account.Platform(p))
	}
	m := cfg.Maintenance
	a.scheduler = maintenance.NewScheduler(a.prober, a.allocator, store, maintenance.Options{
		DailyInterval:       m.DailyInterval.Std(),
		WeeklyInterval:      m.WeeklyInterval.Std(),
		ExplorationInterval: m.ExplorationInterval.Std(),
		ProxySweepInterval:  m.ProxySweepInterval.Std(),
		BackupDir:           backupDir,
		BackupRetention:     time.Duration(m.BackupRetentionDays) * 24 * time.Hour,
		KeepAliveDwell:      m.KeepAliveDwell.Std(),
		KeepAlivePlatforms:  keepAlive,
		GuardDismissal:      m.GuardDismissalEnabled,
		SweepDeadline:       m.SweepDeadline.Std(),
		Concurrency:         m.Concurrency,
	})
	a.tracker = stats.NewTracker(store.DB())

	if repairs, err := a.allocator.Reconcile(); err != nil {
		a.log.Error().Err(err).Msg("Startup binding reconciliation failed.")
	} else if repairs > 0 {
		a.log.Warn().Int("repairs", repairs).Msg("Startup binding reconciliation repaired records.")
	}

	return a, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Proxies:   a.proxies,
		Accounts:  a.accounts,
		Allocator: a.allocator,
		Prober:    a.prober,
		Scheduler: a.scheduler,
		Tracker:   a.tracker,
		Tasks:     a.store,
	})
}

func (a *app) Close() error {
	return a.store.Close()
}
