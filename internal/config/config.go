// Package config loads and validates the service configuration at startup.
// Fail-fast: if a required value is missing, Load returns an error and the
// process exits.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tapcash/engagement-service/internal/money"
)

// Duration accepts "10m"-style strings in both YAML and TOML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config holds all runtime configuration for the engagement service.
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Store        StoreConfig        `yaml:"store" toml:"store"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Chain        ChainConfig        `yaml:"chain" toml:"chain"`
	Counts       CountsConfig       `yaml:"counts" toml:"counts"`
	Verification VerificationConfig `yaml:"verification" toml:"verification"`
	Settlement   SettlementConfig   `yaml:"settlement" toml:"settlement"`
	Reconcile    ReconcileConfig    `yaml:"reconcile" toml:"reconcile"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Log          LogConfig          `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	HTTPPort     string   `yaml:"http_port" toml:"http_port"`
	GRPCPort     string   `yaml:"grpc_port" toml:"grpc_port"` // empty disables gRPC
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" toml:"driver"` // postgres | memory
	DatabaseURL string `yaml:"database_url" toml:"database_url"`
	RedisURL    string `yaml:"redis_url" toml:"redis_url"`
	Migrations  bool   `yaml:"migrations" toml:"migrations"` // apply on serve
	MaxConns    int32  `yaml:"max_conns" toml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

type ChainConfig struct {
	Driver          string `yaml:"driver" toml:"driver"` // ethereum | memory
	RPCURL          string `yaml:"rpc_url" toml:"rpc_url"`
	ContractAddress string `yaml:"contract_address" toml:"contract_address"`
	ChainID         int64  `yaml:"chain_id" toml:"chain_id"`
	SignerKey       string `yaml:"signer_key" toml:"signer_key"`
}

type CountsConfig struct {
	Driver  string   `yaml:"driver" toml:"driver"` // http | memory
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	APIKey  string   `yaml:"api_key" toml:"api_key"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

type VerificationConfig struct {
	SessionTTL                Duration `yaml:"session_ttl" toml:"session_ttl"`
	StoreGrace                Duration `yaml:"store_grace" toml:"store_grace"`
	ResampleAttempts          *int     `yaml:"resample_attempts" toml:"resample_attempts"`
	ResampleInterval          Duration `yaml:"resample_interval" toml:"resample_interval"`
	RejectRestartWhilePending bool     `yaml:"reject_restart_while_pending" toml:"reject_restart_while_pending"`
}

type SettlementConfig struct {
	WithdrawalThreshold string   `yaml:"withdrawal_threshold" toml:"withdrawal_threshold"`
	LeaseTTL            Duration `yaml:"lease_ttl" toml:"lease_ttl"`
}

type ReconcileConfig struct {
	Schedule    string `yaml:"schedule" toml:"schedule"` // "off" disables the cron
	Concurrency int    `yaml:"concurrency" toml:"concurrency"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Load reads path (YAML or TOML, by extension), applies defaults and
// environment overrides, and validates the result. An empty path skips the
// file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, raw, cfg); err != nil {
			return nil, err
		}
	}
	cfg.SetDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	setString(&c.Server.HTTPPort, "8083")
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)

	setString(&c.Store.Driver, "postgres")
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}

	setString(&c.Chain.Driver, "ethereum")
	setString(&c.Counts.Driver, "http")
	setDuration(&c.Counts.Timeout, 5*time.Second)

	setDuration(&c.Verification.SessionTTL, 10*time.Minute)
	setDuration(&c.Verification.StoreGrace, time.Hour)
	setDuration(&c.Verification.ResampleInterval, time.Second)
	if c.Verification.ResampleAttempts == nil {
		n := 2
		c.Verification.ResampleAttempts = &n
	}

	setString(&c.Settlement.WithdrawalThreshold, "10.00")
	setDuration(&c.Settlement.LeaseTTL, 5*time.Minute)

	setString(&c.Reconcile.Schedule, "@every 15m")
	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = 8
	}

	setString(&c.Metrics.Path, "/metrics")
	setString(&c.Log.Level, "info")
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Store.DatabaseURL, "DATABASE_URL")
	override(&c.Store.RedisURL, "REDIS_URL")
	override(&c.Server.HTTPPort, "ENGAGE_PORT")
	override(&c.Server.GRPCPort, "ENGAGE_GRPC_PORT")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.Chain.RPCURL, "CHAIN_RPC_URL")
	override(&c.Chain.SignerKey, "CHAIN_SIGNER_KEY")
	override(&c.Counts.APIKey, "COUNTS_API_KEY")
}

// Validate checks required values for the selected drivers.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}

	switch c.Chain.Driver {
	case "ethereum":
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL is required")
		}
		if c.Chain.SignerKey == "" {
			return fmt.Errorf("CHAIN_SIGNER_KEY is required")
		}
		if c.Chain.ContractAddress == "" {
			return fmt.Errorf("chain.contract_address is required")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("chain.chain_id must be positive")
		}
	case "memory":
	default:
		return fmt.Errorf("chain.driver must be ethereum or memory, got %q", c.Chain.Driver)
	}

	switch c.Counts.Driver {
	case "http":
		if c.Counts.BaseURL == "" {
			return fmt.Errorf("counts.base_url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("counts.driver must be http or memory, got %q", c.Counts.Driver)
	}

	if c.Verification.SessionTTL.Duration <= 0 {
		return fmt.Errorf("verification.session_ttl must be positive")
	}
	if *c.Verification.ResampleAttempts < 0 {
		return fmt.Errorf("verification.resample_attempts must not be negative")
	}
	threshold, err := c.Threshold()
	if err != nil {
		return fmt.Errorf("settlement.withdrawal_threshold: %w", err)
	}
	if !threshold.IsPositive() {
		return fmt.Errorf("settlement.withdrawal_threshold must be positive")
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("reconcile.concurrency must be at least 1")
	}
	return nil
}

// ReconcileEnabled is false when the schedule is "off".
func (c *Config) ReconcileEnabled() bool { return c.Reconcile.Schedule != "off" }

// Threshold parses settlement.withdrawal_threshold.
func (c *Config) Threshold() (decimal.Decimal, error) {
	return money.Parse(c.Settlement.WithdrawalThreshold)
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDuration(dst *Duration, v time.Duration) {
	if dst.Duration == 0 {
		dst.Duration = v
	}
}
