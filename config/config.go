// Package config loads the daemon configuration from YAML with environment
// overrides. The composition root passes the loaded values down; nothing
// reads configuration from globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for agentpayd.
type Config struct {
	Environment   string           `yaml:"environment"`
	Listen        string           `yaml:"listen"`
	DatabaseURL   string           `yaml:"database_url"`
	AuditStoreURL string           `yaml:"audit_store_url"`
	PolicyPath    string           `yaml:"policy"`
	NonceStore    string           `yaml:"nonce_store"`
	LedgerMode    string           `yaml:"ledger_mode"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Anchor        AnchorConfig     `yaml:"anchor"`
	Reconcile     ReconcileConfig  `yaml:"reconcile"`
	Webhooks      WebhookConfig    `yaml:"webhooks"`
	Admin         AdminConfig      `yaml:"admin"`
	Log           LogConfig        `yaml:"log"`
	OTLP          OTLPConfig       `yaml:"otlp"`
	Executor      ExecutorConfig   `yaml:"executor"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
}

// SettlementConfig drives the chain settlement manager.
type SettlementConfig struct {
	Mode             string   `yaml:"mode"`
	ChainEndpoint    string   `yaml:"chain_endpoint"`
	StorePath        string   `yaml:"store_path"`
	MaxBatchSize     int      `yaml:"max_batch_size"`
	MinBatchSize     int      `yaml:"min_batch_size"`
	BatchInterval    Duration `yaml:"batch_interval"`
	MaxRetryAttempts int      `yaml:"max_retry_attempts"`
}

// AnchorConfig drives background Merkle-root anchoring.
type AnchorConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Chain    string   `yaml:"chain"`
	Interval Duration `yaml:"interval"`
}

// ReconcileConfig drives the background reconciliation loop.
type ReconcileConfig struct {
	Interval             Duration `yaml:"interval"`
	Tolerance            string   `yaml:"tolerance"`
	AutoResolveThreshold string   `yaml:"auto_resolve_threshold"`
	ReportDir            string   `yaml:"report_dir"`
}

// WebhookConfig carries HMAC secrets for inbound provider webhooks.
type WebhookConfig struct {
	TreasurySecret string `yaml:"treasury_secret"`
	RampSecret     string `yaml:"ramp_secret"`
	KYCSecret      string `yaml:"kyc_secret"`
}

// AdminConfig secures the admin API.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// OTLPConfig points traces and metrics at a collector.
type OTLPConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// ExecutorConfig bounds the payment pipeline.
type ExecutorConfig struct {
	Deadline     Duration `yaml:"deadline"`
	PauseOnStart bool     `yaml:"pause"`
}

// RateLimitConfig throttles the public HTTP surface.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUDIT_STORE_URL"); v != "" {
		cfg.AuditStoreURL = v
	}
	if v := os.Getenv("SETTLEMENT_MODE"); v != "" {
		cfg.Settlement.Mode = v
	}
	if v := os.Getenv("ANCHOR_ENABLED"); v != "" {
		cfg.Anchor.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ANCHOR_CHAIN"); v != "" {
		cfg.Anchor.Chain = v
	}
	if v := os.Getenv("ANCHOR_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Anchor.Interval.Duration = time.Duration(secs) * time.Second
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7080"
	}
	if cfg.LedgerMode == "" {
		cfg.LedgerMode = "require_dual_write"
	}
	if cfg.Settlement.Mode == "" {
		cfg.Settlement.Mode = "per_tx"
	}
	if cfg.Settlement.MaxBatchSize <= 0 {
		cfg.Settlement.MaxBatchSize = 50
	}
	if cfg.Settlement.MinBatchSize <= 0 {
		cfg.Settlement.MinBatchSize = 2
	}
	if cfg.Settlement.BatchInterval.Duration == 0 {
		cfg.Settlement.BatchInterval.Duration = 30 * time.Second
	}
	if cfg.Settlement.MaxRetryAttempts <= 0 {
		cfg.Settlement.MaxRetryAttempts = 3
	}
	if cfg.Anchor.Interval.Duration == 0 {
		cfg.Anchor.Interval.Duration = 5 * time.Minute
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = 5 * time.Minute
	}
	if cfg.Reconcile.Tolerance == "" {
		cfg.Reconcile.Tolerance = "0.0001"
	}
	if cfg.Reconcile.AutoResolveThreshold == "" {
		cfg.Reconcile.AutoResolveThreshold = "100"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Executor.Deadline.Duration == 0 {
		cfg.Executor.Deadline.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 50
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
}

var settlementModes = map[string]bool{"internal_only": true, "per_tx": true, "batched": true}
var ledgerModes = map[string]bool{"require_dual_write": true, "async_audit": true}

// Validate rejects inconsistent configuration. In prod, missing webhook
// secrets or admin credentials are hard errors rather than warnings.
func Validate(cfg Config) error {
	switch cfg.Environment {
	case "dev", "prod":
	default:
		return fmt.Errorf("environment must be dev or prod, got %q", cfg.Environment)
	}
	if !settlementModes[cfg.Settlement.Mode] {
		return fmt.Errorf("unknown settlement mode %q", cfg.Settlement.Mode)
	}
	if !ledgerModes[cfg.LedgerMode] {
		return fmt.Errorf("unknown ledger mode %q", cfg.LedgerMode)
	}
	if cfg.Settlement.MinBatchSize > cfg.Settlement.MaxBatchSize {
		return fmt.Errorf("settlement min batch size %d exceeds max %d",
			cfg.Settlement.MinBatchSize, cfg.Settlement.MaxBatchSize)
	}
	if cfg.Anchor.Enabled && strings.TrimSpace(cfg.Anchor.Chain) == "" {
		return fmt.Errorf("anchoring enabled without a chain")
	}
	if cfg.Environment == "prod" {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("prod requires DATABASE_URL")
		}
		if cfg.Webhooks.TreasurySecret == "" || cfg.Webhooks.RampSecret == "" || cfg.Webhooks.KYCSecret == "" {
			return fmt.Errorf("prod requires all webhook secrets")
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("prod requires an admin JWT secret")
		}
		if cfg.Settlement.Mode != "internal_only" && cfg.Settlement.ChainEndpoint == "" {
			return fmt.Errorf("prod settlement mode %q requires a chain endpoint", cfg.Settlement.Mode)
		}
	}
	return nil
}
