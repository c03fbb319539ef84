// Package config provides configuration loading for actiond.
//
// Configuration is read from a YAML file, overridden by ACTIOND_* environment
// variables, completed with defaults and validated. Sections that belong to
// a component reuse that component's own config type.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/actiond/internal/archive"
	"github.com/fyrsmithlabs/actiond/internal/controlplane"
	"github.com/fyrsmithlabs/actiond/internal/knowledge"
	"github.com/fyrsmithlabs/actiond/internal/logging"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/rollback"
	"github.com/fyrsmithlabs/actiond/internal/safety"
	"github.com/fyrsmithlabs/actiond/internal/telemetry"
)

// Executor modes.
const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// Metrics providers.
const (
	MetricsStatic     = "static"
	MetricsPrometheus = "prometheus"
)

// Config holds the complete actiond configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Safety    SafetyConfig     `koanf:"safety"`
	Monitor   MonitorConfig    `koanf:"monitor"`
	Executor  ExecutorConfig   `koanf:"executor"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Knowledge knowledge.Config `koanf:"knowledge"`
	Archive   archive.Config   `koanf:"archive"`
	NATS      NATSConfig       `koanf:"nats"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SafetyConfig holds the hard limits and an optional policy file that
// replaces them and is watched for changes.
type SafetyConfig struct {
	safety.Limits `koanf:",squash"`
	PolicyFile    string `koanf:"policy_file"`
}

// MonitorConfig holds the observation window and rollback triggers.
type MonitorConfig struct {
	ObservationWindow   Duration `koanf:"observation_window"`
	rollback.Thresholds `koanf:",squash"`
	SweepInterval       Duration `koanf:"sweep_interval"`
	RollbackTimeout     Duration `koanf:"rollback_timeout"`
}

// ExecutorConfig selects how changes reach the payment control plane.
type ExecutorConfig struct {
	Mode              string   `koanf:"mode"`
	ControlPlaneURL   string   `koanf:"control_plane_url"`
	ControlPlaneToken Secret   `koanf:"control_plane_token"`
	Timeout           Duration `koanf:"timeout"`
	ApplyTimeout      Duration `koanf:"apply_timeout"`
	RateLimit         float64  `koanf:"rate_limit"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
}

// ControlPlane converts to the live client config.
func (e ExecutorConfig) ControlPlane() controlplane.HTTPConfig {
	return controlplane.HTTPConfig{
		URL:        e.ControlPlaneURL,
		Token:      e.ControlPlaneToken.Value(),
		Timeout:    e.Timeout.Duration(),
		RateLimit:  e.RateLimit,
		Burst:      e.Burst,
		MaxRetries: e.MaxRetries,
	}
}

// MetricsConfig selects the metrics source.
type MetricsConfig struct {
	Provider      string          `koanf:"provider"`
	PrometheusURL string          `koanf:"prometheus_url"`
	QueryTimeout  Duration        `koanf:"query_timeout"`
	Queries       metrics.Queries `koanf:"queries"`
	Static        StaticMetrics   `koanf:"static"`
}

// StaticMetrics is the snapshot served by the static provider.
type StaticMetrics struct {
	SuccessRate  float64 `koanf:"success_rate"`
	ErrorRate    float64 `koanf:"error_rate"`
	P95LatencyMs float64 `koanf:"p95_latency_ms"`
	TimeoutRate  float64 `koanf:"timeout_rate"`
}

// Snapshot converts to a metrics snapshot.
func (s StaticMetrics) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{
		SuccessRate:  s.SuccessRate,
		ErrorRate:    s.ErrorRate,
		P95LatencyMs: s.P95LatencyMs,
		TimeoutRate:  s.TimeoutRate,
	}
}

// Prometheus converts to the Prometheus port config.
func (m MetricsConfig) Prometheus() metrics.PrometheusConfig {
	return metrics.PrometheusConfig{
		URL:     m.PrometheusURL,
		Timeout: m.QueryTimeout.Duration(),
		Queries: m.Queries,
	}
}

// NATSConfig configures message intake and event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"prefix"`
	Name    string `koanf:"name"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if err := c.Safety.Limits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safety: %w", err))
	}

	if c.Monitor.ObservationWindow.Duration() < time.Second {
		errs = append(errs, errors.New("monitor.observation_window must be at least 1s"))
	}
	if c.Monitor.DegradationPct >= 0 {
		errs = append(errs, errors.New("monitor.degradation_threshold_pct must be negative"))
	}

	switch c.Executor.Mode {
	case ModeSimulated:
	case ModeLive:
		if c.Executor.ControlPlaneURL == "" {
			errs = append(errs, errors.New("executor.control_plane_url is required in live mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.mode must be %q or %q, got %q", ModeSimulated, ModeLive, c.Executor.Mode))
	}

	switch c.Metrics.Provider {
	case MetricsStatic:
		if err := c.Metrics.Static.Snapshot().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics.static: %w", err))
		}
	case MetricsPrometheus:
		if c.Metrics.PrometheusURL == "" {
			errs = append(errs, errors.New("metrics.prometheus_url is required for the prometheus provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("metrics.provider must be %q or %q, got %q", MetricsStatic, MetricsPrometheus, c.Metrics.Provider))
	}

	switch c.Knowledge.Provider {
	case knowledge.ProviderNone, knowledge.ProviderMemory, knowledge.ProviderChromem, knowledge.ProviderQdrant:
	default:
		errs = append(errs, fmt.Errorf("knowledge.provider %q is not supported", c.Knowledge.Provider))
	}

	switch c.Archive.Driver {
	case archive.DriverNone:
	case archive.DriverSQLite, archive.DriverPostgres:
		if c.Archive.DSN == "" {
			errs = append(errs, fmt.Errorf("archive.dsn is required for driver %s", c.Archive.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
