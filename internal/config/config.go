// Package config loads sentrycore's YAML configuration with environment
// variable overrides: a yaml.v2 struct-of-sections, a getEnv fallback
// chain, and a sync.Once-guarded process-wide singleton.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration, one section per subsystem.
type Config struct {
	Exec      ExecConfig      `yaml:"exec"`
	Session   SessionConfig   `yaml:"session"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RBAC      RBACConfig      `yaml:"rbac"`
}

// ExecConfig governs SandboxedExec's defaults and the apply-patch undo
// history file.
type ExecConfig struct {
	DefaultSandboxType  string `yaml:"default_sandbox_type"` // none|macos_seatbelt|linux_seccomp
	LinuxSandboxExePath string `yaml:"linux_sandbox_exe_path"`
	DefaultTimeoutMS    int64  `yaml:"default_timeout_ms"`
	CPUTimeSeconds      uint64 `yaml:"cpu_time_seconds"`
	MemoryBytes         uint64 `yaml:"memory_bytes"`
	PatchHistoryPath    string `yaml:"patch_history_path"`
}

// SessionConfig governs ExecSessionManager's defaults.
type SessionConfig struct {
	IdleTimeoutMS  int64 `yaml:"idle_timeout_ms"`
	GracePeriodMS  int64 `yaml:"grace_period_ms"`
	EventRingSize  int   `yaml:"event_ring_size"`
	MaxOutputToks  int   `yaml:"max_output_tokens"`
	DefaultYieldMS int64 `yaml:"default_yield_ms"`
}

// PipelineConfig governs the signed knowledge-pack store.
type PipelineConfig struct {
	PacksRootDir       string `yaml:"packs_root_dir"`
	DefaultSignerID    string `yaml:"default_signer_id"`
	RotationGraceHours int    `yaml:"rotation_grace_hours"`
}

// LedgerConfig governs the audit ledger's on-disk store. The fallback
// ledger is in-process only and policy evidence carries a fixed 24h TTL,
// so neither is configurable here.
type LedgerConfig struct {
	DBPath string `yaml:"db_path"`
}

// CacheConfig governs the resilience cache.
type CacheConfig struct {
	DBPath            string `yaml:"db_path"`
	EncryptionKeyHex  string `yaml:"encryption_key_hex"` // 32 bytes hex, empty = plaintext at rest
	DefaultTTLMinutes int    `yaml:"default_ttl_minutes"`
}

// QueueConfig governs the durable retry queue.
type QueueConfig struct {
	DBPath      string `yaml:"db_path"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// TelemetryConfig governs the OTLP metrics exporter and the local
// Prometheus scrape endpoint.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Enabled      bool   `yaml:"enabled"`
	Insecure     bool   `yaml:"insecure"`
	MetricsAddr  string `yaml:"metrics_addr"`
	DBPath       string `yaml:"db_path"` // counters persisted across restarts; empty disables
}

// RBACConfig governs the PersonaKernel's default acting persona when a
// caller doesn't supply one explicitly (CLI/local tooling contexts).
type RBACConfig struct {
	DefaultPersona string `yaml:"default_persona"`
}

// Defaults returns the built-in configuration used when no config file
// is present and no environment overrides apply.
func Defaults() *Config {
	return &Config{
		Exec: ExecConfig{
			DefaultSandboxType: "none",
			DefaultTimeoutMS:   120_000,
			CPUTimeSeconds:     120,
			MemoryBytes:        8 * 1024 * 1024 * 1024,
			PatchHistoryPath:   "apply_patch_history.json",
		},
		Session: SessionConfig{
			IdleTimeoutMS:  10 * 60 * 1000,
			GracePeriodMS:  3000,
			EventRingSize:  500,
			MaxOutputToks:  4000,
			DefaultYieldMS: 500,
		},
		Pipeline: PipelineConfig{
			PacksRootDir:       "data/packs",
			DefaultSignerID:    "sentrycore",
			RotationGraceHours: 24,
		},
		Ledger: LedgerConfig{
			DBPath: "data/audit.db",
		},
		Cache: CacheConfig{
			DBPath:            "data/cache.db",
			DefaultTTLMinutes: 15,
		},
		Queue: QueueConfig{
			DBPath:      "data/queue.db",
			MaxAttempts: 5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sentrycore",
			MetricsAddr: ":9090",
			DBPath:      "data/telemetry.db",
		},
		RBAC: RBACConfig{
			DefaultPersona: "operator",
		},
	}
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading it from
// CONFIG_PATH (default "config.yaml") on first call and applying
// environment overrides on top.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = Defaults()
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file, layering it over
// Defaults() so a partial file only needs to name what it overrides.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Defaults()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators override individual fields without
// touching the YAML file, via a getEnv-fallback chain.
func (c *Config) applyEnvOverrides() {
	c.Exec.DefaultSandboxType = getEnv("SENTRYCORE_SANDBOX_TYPE", c.Exec.DefaultSandboxType)
	c.Exec.LinuxSandboxExePath = getEnv("SENTRYCORE_SANDBOX_HELPER", c.Exec.LinuxSandboxExePath)
	c.Exec.DefaultTimeoutMS = getEnvInt64("SENTRYCORE_EXEC_TIMEOUT_MS", c.Exec.DefaultTimeoutMS)

	c.Pipeline.PacksRootDir = getEnv("SENTRYCORE_PACKS_DIR", c.Pipeline.PacksRootDir)
	c.Pipeline.DefaultSignerID = getEnv("SENTRYCORE_SIGNER_ID", c.Pipeline.DefaultSignerID)

	c.Ledger.DBPath = getEnv("SENTRYCORE_LEDGER_DB", c.Ledger.DBPath)

	c.Cache.DBPath = getEnv("SENTRYCORE_CACHE_DB", c.Cache.DBPath)
	c.Cache.EncryptionKeyHex = getEnv("SENTRYCORE_CACHE_KEY_HEX", c.Cache.EncryptionKeyHex)

	c.Queue.DBPath = getEnv("SENTRYCORE_QUEUE_DB", c.Queue.DBPath)

	c.Telemetry.ServiceName = getEnv("SENTRYCORE_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnv("SENTRYCORE_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.Enabled = getEnvBool("SENTRYCORE_OTLP_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.MetricsAddr = getEnv("SENTRYCORE_METRICS_ADDR", c.Telemetry.MetricsAddr)

	c.RBAC.DefaultPersona = getEnv("SENTRYCORE_DEFAULT_PERSONA", c.RBAC.DefaultPersona)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
