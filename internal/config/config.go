// Package config loads tester configuration from a TOML file and
// CLICKCONF_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrInvalidSettings is returned when the tester settings fail the
// pre-run checks.
var ErrInvalidSettings = errors.New("config: invalid tester settings")

var validate = validator.New()

// Config holds all tester configuration.
type Config struct {
	Tester  TesterSettings
	Run     RunConfig
	Log     LogConfig
	Relay   RelayConfig
	History HistoryConfig
	Metrics MetricsConfig
}

// TesterSettings is the global gateway configuration consulted on every
// request build. The four required fields are checked right before a run
// starts, not at load time, so commands that never dispatch can work
// without credentials.
type TesterSettings struct {
	// PrepareURL receives prepare requests. A bare host:port is allowed;
	// the request builder prefixes http:// when the scheme is missing.
	PrepareURL string `validate:"required"`

	// CompleteURL receives complete requests.
	CompleteURL string `validate:"required"`

	// ServiceID is the merchant's service identifier.
	ServiceID string `validate:"required"`

	// SecretKey signs every request.
	SecretKey string `validate:"required"`

	// MerchantTransID overrides the scenario's merchant_trans_id when non-empty.
	MerchantTransID string

	// MerchantUserID is added to the payload only when non-empty.
	MerchantUserID string

	// Amount is used when the scenario's amount field is empty.
	Amount string

	// ClickPaydocID overrides the scenario's click_paydoc_id when non-empty.
	ClickPaydocID string

	// PresetMerchantPrepareID seeds the prepare-id chain before any
	// prepare scenario has run.
	PresetMerchantPrepareID string
}

// Validate runs the pre-run settings checks.
func (s *TesterSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// RunConfig holds execution settings.
type RunConfig struct {
	// RequestTimeout bounds each HTTP call. Zero disables the timeout and
	// a hanging endpoint stalls the queue until the transport gives up.
	// Default: 0.
	RequestTimeout time.Duration

	// RequestsPerSecond paces scenario dispatches. Zero disables pacing.
	// Default: 0.
	RequestsPerSecond float64

	// AuditSize is the number of request/response audit entries retained.
	// Default: 50.
	AuditSize int

	// TLSSkipVerify disables certificate verification on dispatches, for
	// endpoints with self-signed certificates. Default: false.
	TLSSkipVerify bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output string // stdout, stderr, or file path
}

// RelayConfig routes dispatches through a relay server instead of calling
// the target directly.
type RelayConfig struct {
	// URL is the relay endpoint. Empty disables the relay and requests go
	// straight to the target.
	URL string
}

// HistoryConfig persists run results to a local SQLite database.
type HistoryConfig struct {
	Enabled bool
	// Path is the database file. Default: clickconform.db.
	Path string
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool
	// Listen is the metrics listen address. Default: 127.0.0.1:9190.
	Listen string
}

// Load reads configuration with the following priority, highest first:
// CLICKCONF_-prefixed environment variables, the TOML file, built-in
// defaults. When path is empty the file clickconform.toml is searched in
// the working directory and /etc/clickconform; a missing file is fine.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("clickconform")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/clickconform")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CLICKCONF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Tester: TesterSettings{
			PrepareURL:              v.GetString("tester.prepare_url"),
			CompleteURL:             v.GetString("tester.complete_url"),
			ServiceID:               v.GetString("tester.service_id"),
			SecretKey:               v.GetString("tester.secret_key"),
			MerchantTransID:         v.GetString("tester.merchant_trans_id"),
			MerchantUserID:          v.GetString("tester.merchant_user_id"),
			Amount:                  v.GetString("tester.amount"),
			ClickPaydocID:           v.GetString("tester.click_paydoc_id"),
			PresetMerchantPrepareID: v.GetString("tester.preset_merchant_prepare_id"),
		},
		Run: RunConfig{
			RequestTimeout:    v.GetDuration("run.request_timeout"),
			RequestsPerSecond: v.GetFloat64("run.requests_per_second"),
			AuditSize:         v.GetInt("run.audit_size"),
			TLSSkipVerify:     v.GetBool("run.tls_skip_verify"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Relay: RelayConfig{
			URL: v.GetString("relay.url"),
		},
		History: HistoryConfig{
			Enabled: v.GetBool("history.enabled"),
			Path:    v.GetString("history.path"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Listen:  v.GetString("metrics.listen"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields.
func applyDefaults(cfg *Config) {
	if cfg.Run.AuditSize == 0 {
		cfg.Run.AuditSize = 50
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "clickconform.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9190"
	}
}

// validate performs structural validation. Tester settings are checked
// separately so inspection commands work without credentials.
func (c *Config) validate() error {
	if c.Run.AuditSize < 0 {
		return fmt.Errorf("run.audit_size cannot be negative")
	}
	if c.Run.RequestsPerSecond < 0 {
		return fmt.Errorf("run.requests_per_second cannot be negative")
	}
	if c.Run.RequestTimeout < 0 {
		return fmt.Errorf("run.request_timeout cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}
