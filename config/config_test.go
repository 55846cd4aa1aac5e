package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.DefaultCapacity != 3 {
		t.Fatalf("default capacity = %d, want 3", cfg.Pool.DefaultCapacity)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
pool:
  default_capacity: 2
health:
  probe_timeout: 3s
  max_consecutive_failures: 4
maintenance:
  backup_retention_days: 14
  keepalive_dwell: 1m
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.DefaultCapacity != 2 {
		t.Fatalf("capacity = %d, want 2", cfg.Pool.DefaultCapacity)
	}
	if cfg.Health.ProbeTimeout.Std() != 3*time.Second {
		t.Fatalf("probe timeout = %s", cfg.Health.ProbeTimeout.Std())
	}
	if cfg.Maintenance.KeepAliveDwell.Std() != time.Minute {
		t.Fatalf("dwell = %s", cfg.Maintenance.KeepAliveDwell.Std())
	}
	// untouched sections keep their defaults
	if cfg.Health.VerifyTimeout.Std() != 15*time.Second {
		t.Fatalf("verify timeout = %s", cfg.Health.VerifyTimeout.Std())
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PROXYBIND_MAX_CONSECUTIVE_FAILURES": "9",
		"PROXYBIND_MIN_SUCCESS_RATIO":        "0.5",
		"PROXYBIND_PROBE_TIMEOUT":            "2s",
		"PROXYBIND_BACKUP_RETENTION_DAYS":    "3",
		"PROXYBIND_DEFAULT_CAPACITY":         "5",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Health.MaxConsecutiveFailures != 9 {
		t.Errorf("max failures = %d", cfg.Health.MaxConsecutiveFailures)
	}
	if cfg.Health.MinSuccessRatio != 0.5 {
		t.Errorf("ratio = %v", cfg.Health.MinSuccessRatio)
	}
	if cfg.Health.ProbeTimeout.Std() != 2*time.Second {
		t.Errorf("probe timeout = %s", cfg.Health.ProbeTimeout.Std())
	}
	if cfg.Maintenance.BackupRetentionDays != 3 {
		t.Errorf("retention = %d", cfg.Maintenance.BackupRetentionDays)
	}
	if cfg.Pool.DefaultCapacity != 5 {
		t.Errorf("capacity = %d", cfg.Pool.DefaultCapacity)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "PROXYBIND_DEFAULT_CAPACITY" {
			return "many"
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "PROXYBIND_DEFAULT_CAPACITY") {
		t.Fatalf("expected capacity parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "zero capacity", mutate: func(c *Config) { c.Pool.DefaultCapacity = 0 }},
		{name: "ratio above one", mutate: func(c *Config) { c.Health.MinSuccessRatio = 1.5 }},
		{name: "zero threshold", mutate: func(c *Config) { c.Health.MaxConsecutiveFailures = 0 }},
		{name: "zero retention", mutate: func(c *Config) { c.Maintenance.BackupRetentionDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
