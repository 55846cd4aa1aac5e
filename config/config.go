package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig              `yaml:"server" json:"server"`
	Storage     StorageConfig             `yaml:"storage" json:"storage"`
	Pool        PoolConfig                `yaml:"pool" json:"pool"`
	Health      HealthConfig              `yaml:"health" json:"health"`
	Maintenance MaintenanceConfig         `yaml:"maintenance" json:"maintenance"`
	Platforms   map[string]PlatformConfig `yaml:"platforms" json:"platforms"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" json:"port"`
	Host     string `yaml:"host" json:"host"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

type StorageConfig struct {
	DBPath      string `yaml:"db_path" json:"db_path"`
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`
	BackupDir   string `yaml:"backup_dir" json:"backup_dir"`
}

// PoolConfig controls proxy capacity and allocation affinity.
type PoolConfig struct {
	DefaultCapacity  int            `yaml:"default_capacity" json:"default_capacity"`
	AffinityFallback bool           `yaml:"affinity_fallback" json:"affinity_fallback"`
	AffinityRules    []AffinityRule `yaml:"affinity_rules" json:"affinity_rules"`
}

// AffinityRule maps a platform glob to a default egress affinity.
type AffinityRule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Country  string `yaml:"country,omitempty" json:"country,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// HealthConfig holds probe timeouts and the proxy retirement policy.
type HealthConfig struct {
	ProbeTarget            string   `yaml:"probe_target" json:"probe_target"`
	ProbeTimeout           Duration `yaml:"probe_timeout" json:"probe_timeout"`
	VerifyTimeout          Duration `yaml:"verify_timeout" json:"verify_timeout"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	MinSuccessRatio        float64  `yaml:"min_success_ratio" json:"min_success_ratio"`
	MinChecks              int      `yaml:"min_checks" json:"min_checks"`
	RetireOnTerminal       bool     `yaml:"retire_on_terminal" json:"retire_on_terminal"`
	GeoLookup              bool     `yaml:"geo_lookup" json:"geo_lookup"`
	GeoAPIURL              string   `yaml:"geo_api_url" json:"geo_api_url"`
	Concurrency            int      `yaml:"concurrency" json:"concurrency"`
}

// MaintenanceConfig holds sweep intervals and keep-alive behaviour.
type MaintenanceConfig struct {
	DailyInterval         Duration `yaml:"daily_interval" json:"daily_interval"`
	WeeklyInterval        Duration `yaml:"weekly_interval" json:"weekly_interval"`
	ExplorationInterval   Duration `yaml:"exploration_interval" json:"exploration_interval"`
	ProxySweepInterval    Duration `yaml:"proxy_sweep_interval" json:"proxy_sweep_interval"`
	BackupRetentionDays   int      `yaml:"backup_retention_days" json:"backup_retention_days"`
	KeepAliveDwell        Duration `yaml:"keepalive_dwell" json:"keepalive_dwell"`
	KeepAlivePlatforms    []string `yaml:"keepalive_platforms" json:"keepalive_platforms"`
	SweepDeadline         Duration `yaml:"sweep_deadline" json:"sweep_deadline"`
	GuardDismissalEnabled bool     `yaml:"guard_dismissal_enabled" json:"guard_dismissal_enabled"`
	Concurrency           int      `yaml:"concurrency" json:"concurrency"`
}

// PlatformConfig describes how to probe one platform's sessions.
type PlatformConfig struct {
	VerifyURL    string   `yaml:"verify_url" json:"verify_url"`
	ExploreURL   string   `yaml:"explore_url,omitempty" json:"explore_url,omitempty"`
	LoginMarkers []string `yaml:"login_markers,omitempty" json:"login_markers,omitempty"`
	IdentityKey  string   `yaml:"identity_key,omitempty" json:"identity_key,omitempty"`
}

// Duration is a time.Duration that reads and writes as "10s" in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8046,
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			DBPath:      "./data/proxybind.db",
			ArtifactDir: "./data/sessions",
			BackupDir:   "./data/backups",
		},
		Pool: PoolConfig{
			DefaultCapacity:  3,
			AffinityFallback: false,
		},
		Health: HealthConfig{
			ProbeTarget:            "https://www.baidu.com",
			ProbeTimeout:           Duration(10 * time.Second),
			VerifyTimeout:          Duration(15 * time.Second),
			MaxConsecutiveFailures: 5,
			MinSuccessRatio:        0.3,
			MinChecks:              10,
			RetireOnTerminal:       true,
			GeoLookup:              false,
			GeoAPIURL:              "http://ip-api.com/json/",
			Concurrency:            5,
		},
		Maintenance: MaintenanceConfig{
			DailyInterval:         Duration(24 * time.Hour),
			WeeklyInterval:        Duration(7 * 24 * time.Hour),
			ExplorationInterval:   Duration(72 * time.Hour),
			ProxySweepInterval:    Duration(30 * time.Minute),
			BackupRetentionDays:   7,
			KeepAliveDwell:        Duration(30 * time.Second),
			KeepAlivePlatforms:    []string{"xiaohongshu", "tencent"},
			SweepDeadline:         Duration(2 * time.Hour),
			GuardDismissalEnabled: false,
			Concurrency:           3,
		},
		Platforms: map[string]PlatformConfig{
			"douyin": {
				VerifyURL:    "https://creator.douyin.com/web/api/media/user/info/",
				LoginMarkers: []string{"/login", "passport"},
				IdentityKey:  "uid_tt",
			},
			"kuaishou": {
				VerifyURL:    "https://cp.kuaishou.com/rest/cp/creator/pc/home/userInfo",
				LoginMarkers: []string{"passport.kuaishou.com"},
				IdentityKey:  "userId",
			},
			"xiaohongshu": {
				VerifyURL:    "https://creator.xiaohongshu.com/api/galaxy/user/info",
				LoginMarkers: []string{"/login"},
				IdentityKey:  "x-user-id-creator.xiaohongshu.com",
			},
			"bilibili": {
				VerifyURL:    "https://api.bilibili.com/x/web-interface/nav",
				ExploreURL:   "https://api.bilibili.com/x/web-interface/nav",
				LoginMarkers: []string{"passport.bilibili.com"},
				IdentityKey:  "DedeUserID",
			},
			"tencent": {
				VerifyURL:    "https://channels.weixin.qq.com/cgi-bin/mmfinderassistant-bin/auth/auth_data",
				LoginMarkers: []string{"/login"},
				IdentityKey:  "wxuin",
			},
		},
	}
}

// Load loads configuration from file, creating it with defaults when absent.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to file
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides the tunable thresholds from PROXYBIND_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	intVars := map[string]*int{
		"PROXYBIND_MAX_CONSECUTIVE_FAILURES": &c.Health.MaxConsecutiveFailures,
		"PROXYBIND_MIN_CHECKS":               &c.Health.MinChecks,
		"PROXYBIND_BACKUP_RETENTION_DAYS":    &c.Maintenance.BackupRetentionDays,
		"PROXYBIND_DEFAULT_CAPACITY":         &c.Pool.DefaultCapacity,
	}
	for key, dst := range intVars {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durVars := map[string]*Duration{
		"PROXYBIND_PROBE_TIMEOUT":   &c.Health.ProbeTimeout,
		"PROXYBIND_VERIFY_TIMEOUT":  &c.Health.VerifyTimeout,
		"PROXYBIND_KEEPALIVE_DWELL": &c.Maintenance.KeepAliveDwell,
	}
	for key, dst := range durVars {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v := getenv("PROXYBIND_MIN_SUCCESS_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PROXYBIND_MIN_SUCCESS_RATIO: %w", err)
		}
		c.Health.MinSuccessRatio = f
	}
	if v := getenv("PROXYBIND_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	return nil
}

// Validate rejects settings the allocator and prober cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.DefaultCapacity <= 0 {
		errs = append(errs, errors.New("pool.default_capacity must be positive"))
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("health.max_consecutive_failures must be positive"))
	}
	if c.Health.MinSuccessRatio < 0 || c.Health.MinSuccessRatio > 1 {
		errs = append(errs, errors.New("health.min_success_ratio must be within [0,1]"))
	}
	if c.Health.ProbeTimeout <= 0 || c.Health.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("health probe timeouts must be positive"))
	}
	if c.Maintenance.BackupRetentionDays <= 0 {
		errs = append(errs, errors.New("maintenance.backup_retention_days must be positive"))
	}
	return errors.Join(errs...)
}
