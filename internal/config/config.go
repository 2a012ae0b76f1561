package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named by the Configuration (enumerated effects)
// table: the knobs the Model Residency Manager, Streaming Dispatcher,
// Supervisor, and Reaper read at startup and on hot-reload.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath          string `yaml:"db_path"`
	UpstreamBaseURL string `yaml:"upstream_base_url"`
	BindAddr        string `yaml:"bind_addr"`
	AdminBindAddr   string `yaml:"admin_bind_addr"`
	LogLevel        string `yaml:"log_level"`

	// SwitchCooldownSec is the minimum interval between two model-switch
	// activations, preventing thrash when jobs for different models
	// interleave. Default 5.
	SwitchCooldownSec int `yaml:"switch_cooldown_sec"`

	// DefaultKeepAliveSec is the keep_alive sent with every /api/generate
	// call when a job doesn't specify its own. Default 300.
	DefaultKeepAliveSec int `yaml:"default_keep_alive_sec"`

	// InactivityThresholdSec is how long the loaded model may sit idle
	// before the auto-unload supervisor unloads it. Default 1800.
	InactivityThresholdSec int `yaml:"inactivity_threshold_sec"`

	// RAMCriticalPercent is the system RAM utilization above which the
	// supervisor prefers unloading over keeping a model resident.
	// Default 95.
	RAMCriticalPercent int `yaml:"ram_critical_percent"`

	// LongRequestMs flags a streaming job as long-running for
	// observability once it has run this many milliseconds. Default
	// 180000.
	LongRequestMs int `yaml:"long_request_ms"`

	// SyncIntervalSec is how often the supervisor reconciles its catalog
	// against the upstream runtime's /api/tags. Default 60.
	SyncIntervalSec int `yaml:"sync_interval_sec"`

	// UnloadCheckSec is the poll interval for the idle-unload check.
	// Default 30.
	UnloadCheckSec int `yaml:"unload_check_sec"`

	// ReaperSec is the poll interval for the stale-job scan. Default 60.
	ReaperSec int `yaml:"reaper_sec"`

	// BatchingEnabled turns on threshold/interval-batched persistence of
	// streamed content, decoupled from the live event stream. Default
	// true.
	BatchingEnabled bool `yaml:"batching_enabled"`

	// DefaultMaxWaitSec bounds how long a caller's job may sit pending
	// before enqueue() itself reports a wait-exceeded error. Default 120.
	DefaultMaxWaitSec int `yaml:"default_max_wait_sec"`

	// BatchFlushMs is the batched-persistence ticker interval. Default
	// 500.
	BatchFlushMs int `yaml:"batch_flush_ms"`

	// BatchFlushChars is the accumulated-character threshold that forces
	// an early batch flush. Default 100.
	BatchFlushChars int `yaml:"batch_flush_chars"`

	// PurgeRetentionHours is how long a terminal job's row survives
	// before the reaper's hourly purge deletes it.
	PurgeRetentionHours int `yaml:"purge_retention_hours"`

	// DefaultModelFallback is the last resort in getDefaultModel()'s
	// priority chain (spec §4.6): used only when no DB default is set,
	// no recognised model is currently resident, and nothing has ever
	// finished downloading.
	DefaultModelFallback string `yaml:"default_model_fallback"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetDefaultKeepAlive updates default_keep_alive_sec in config.yaml,
// preserving other settings.
func SetDefaultKeepAlive(homeDir string, seconds int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["default_keep_alive_sec"] = seconds
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, so callers can
// detect whether a hot-reload actually changed anything that matters.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|upstream=%s|bind=%s|cooldown=%d|keepalive=%d|inactivity=%d|ram=%d|long=%d|sync=%d|unload=%d|reaper=%d|batch=%t|maxwait=%d|flushms=%d|flushchars=%d|defaultmodel=%s",
		c.DBPath, c.UpstreamBaseURL, c.BindAddr, c.SwitchCooldownSec, c.DefaultKeepAliveSec,
		c.InactivityThresholdSec, c.RAMCriticalPercent, c.LongRequestMs, c.SyncIntervalSec,
		c.UnloadCheckSec, c.ReaperSec, c.BatchingEnabled, c.DefaultMaxWaitSec, c.BatchFlushMs, c.BatchFlushChars,
		c.DefaultModelFallback)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		DBPath:                 "jobqueue.db",
		UpstreamBaseURL:        "http://127.0.0.1:11434",
		BindAddr:               "127.0.0.1:8089",
		AdminBindAddr:          "127.0.0.1:8090",
		LogLevel:               "info",
		SwitchCooldownSec:      5,
		DefaultKeepAliveSec:    300,
		InactivityThresholdSec: 1800,
		RAMCriticalPercent:     95,
		LongRequestMs:          180000,
		SyncIntervalSec:        60,
		UnloadCheckSec:         30,
		ReaperSec:              60,
		BatchingEnabled:        true,
		DefaultMaxWaitSec:      120,
		BatchFlushMs:           500,
		BatchFlushChars:        100,
		PurgeRetentionHours:    24,
	}
}

// HomeDir returns the directory holding config.yaml and the job store
// database, honoring the JOBQUEUE_HOME override.
func HomeDir() string {
	if override := os.Getenv("JOBQUEUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".jobqueue")
}

// Load reads config.yaml from HomeDir, applies env overrides, and fills in
// defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create jobqueue home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if cfg.DBPath != "" && !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = "http://127.0.0.1:11434"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8089"
	}
	if cfg.AdminBindAddr == "" {
		cfg.AdminBindAddr = "127.0.0.1:8090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SwitchCooldownSec <= 0 {
		cfg.SwitchCooldownSec = 5
	}
	if cfg.DefaultKeepAliveSec <= 0 {
		cfg.DefaultKeepAliveSec = 300
	}
	if cfg.InactivityThresholdSec <= 0 {
		cfg.InactivityThresholdSec = 1800
	}
	if cfg.RAMCriticalPercent <= 0 {
		cfg.RAMCriticalPercent = 95
	}
	if cfg.LongRequestMs <= 0 {
		cfg.LongRequestMs = 180000
	}
	if cfg.SyncIntervalSec <= 0 {
		cfg.SyncIntervalSec = 60
	}
	if cfg.UnloadCheckSec <= 0 {
		cfg.UnloadCheckSec = 30
	}
	if cfg.ReaperSec <= 0 {
		cfg.ReaperSec = 60
	}
	if cfg.DefaultMaxWaitSec <= 0 {
		cfg.DefaultMaxWaitSec = 120
	}
	if cfg.BatchFlushMs <= 0 {
		cfg.BatchFlushMs = 500
	}
	if cfg.BatchFlushChars <= 0 {
		cfg.BatchFlushChars = 100
	}
	if cfg.PurgeRetentionHours <= 0 {
		cfg.PurgeRetentionHours = 24
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("JOBQUEUE_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModelFallback = raw
	}
	if raw := os.Getenv("JOBQUEUE_UPSTREAM_BASE_URL"); raw != "" {
		cfg.UpstreamBaseURL = raw
	}
	if raw := os.Getenv("JOBQUEUE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("JOBQUEUE_ADMIN_BIND_ADDR"); raw != "" {
		cfg.AdminBindAddr = raw
	}
	if raw := os.Getenv("JOBQUEUE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("JOBQUEUE_SWITCH_COOLDOWN_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SwitchCooldownSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_DEFAULT_KEEP_ALIVE_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultKeepAliveSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_INACTIVITY_THRESHOLD_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.InactivityThresholdSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_RAM_CRITICAL_PERCENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RAMCriticalPercent = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_SYNC_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SyncIntervalSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_UNLOAD_CHECK_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.UnloadCheckSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_REAPER_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ReaperSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_BATCHING_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.BatchingEnabled = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_DEFAULT_MAX_WAIT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultMaxWaitSec = v
		}
	}
	if raw := os.Getenv("JOBQUEUE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
}

// SwitchCooldown converts SwitchCooldownSec to a time.Duration, the shape
// residency.Config wants.
func (c Config) SwitchCooldown() time.Duration {
	return time.Duration(c.SwitchCooldownSec) * time.Second
}

func (c Config) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityThresholdSec) * time.Second
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

func (c Config) UnloadCheckInterval() time.Duration {
	return time.Duration(c.UnloadCheckSec) * time.Second
}

func (c Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperSec) * time.Second
}

func (c Config) BatchFlushInterval() time.Duration {
	return time.Duration(c.BatchFlushMs) * time.Millisecond
}

func (c Config) PurgeRetention() time.Duration {
	return time.Duration(c.PurgeRetentionHours) * time.Hour
}
