package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/actiond/internal/archive"
	"github.com/fyrsmithlabs/actiond/internal/knowledge"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/rollback"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACTIOND_"

const maxConfigFileSize = 1024 * 1024

// Fields that take comma-separated lists from the environment.
var listFields = map[string]bool{
	"safety.critical_issuers":         true,
	"safety.critical_payment_methods": true,
}

// Load reads configuration from path, then overrides it with environment
// variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ACTIOND_SERVER_PORT, ACTIOND_EXECUTOR_MODE, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty path means DefaultPath. A missing file is not an error. The file
// must live under ~/.config/actiond or /etc/actiond, be at most 1MB and be
// readable only by its owner.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	ACTIOND_SERVER_PORT                -> server.port
//	ACTIOND_EXECUTOR_CONTROL_PLANE_URL -> executor.control_plane_url
//	ACTIOND_SAFETY_CRITICAL_ISSUERS    -> safety.critical_issuers (comma-separated)
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return unmarshal(k)
}

// LoadBytes loads configuration from YAML content without touching the
// filesystem or environment.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	cfg := Default()
	// Denylists come from the file or the defaults, never a merge of both.
	if k.Exists("safety.critical_issuers") {
		cfg.Safety.CriticalIssuers = nil
	}
	if k.Exists("safety.critical_payment_methods") {
		cfg.Safety.CriticalPaymentMethods = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps ACTIOND_SECTION_FIELD_NAME to section.field_name.
func envKey(key, value string) (string, any) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	out := parts[0] + "." + parts[1]
	if listFields[out] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return out, items
	}
	return out, value
}

// DefaultPath is ~/.config/actiond/config.yaml.
func DefaultPath() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureConfigDir creates ~/.config/actiond with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := userConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "actiond"), nil
}

// validateConfigPath checks that path resolves inside an allowed directory.
// It runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
		if dir, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
			resolved = filepath.Join(dir, filepath.Base(absPath))
		}
	}

	userDir, err := userConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/actiond"} {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			dir = r
		}
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/actiond/ or /etc/actiond/")
}

// readConfigFile validates and reads through one descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// The file may hold the control-plane token, so group and world access is
// rejected.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8085
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(30 * time.Second)
	}

	// Safety
	cfg.Safety.ApplyDefaults()

	// Monitor
	if cfg.Monitor.ObservationWindow == 0 {
		cfg.Monitor.ObservationWindow = Duration(rollback.DefaultWindow)
	}
	t := rollback.DefaultThresholds()
	if cfg.Monitor.DegradationPct == 0 {
		cfg.Monitor.DegradationPct = t.DegradationPct
	}
	if cfg.Monitor.MinImprovementPct == 0 {
		cfg.Monitor.MinImprovementPct = t.MinImprovementPct
	}
	if cfg.Monitor.MaxErrorRate == 0 {
		cfg.Monitor.MaxErrorRate = t.MaxErrorRate
	}
	if cfg.Monitor.MaxP95LatencyMs == 0 {
		cfg.Monitor.MaxP95LatencyMs = t.MaxP95LatencyMs
	}
	if cfg.Monitor.MaxTimeoutRate == 0 {
		cfg.Monitor.MaxTimeoutRate = t.MaxTimeoutRate
	}
	if cfg.Monitor.SweepInterval == 0 {
		cfg.Monitor.SweepInterval = Duration(30 * time.Second)
	}
	if cfg.Monitor.RollbackTimeout == 0 {
		cfg.Monitor.RollbackTimeout = Duration(30 * time.Second)
	}

	// Executor
	if cfg.Executor.Mode == "" {
		cfg.Executor.Mode = ModeSimulated
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(10 * time.Second)
	}
	if cfg.Executor.ApplyTimeout == 0 {
		cfg.Executor.ApplyTimeout = Duration(30 * time.Second)
	}

	// Metrics
	if cfg.Metrics.Provider == "" {
		cfg.Metrics.Provider = MetricsStatic
	}
	if cfg.Metrics.QueryTimeout == 0 {
		cfg.Metrics.QueryTimeout = Duration(10 * time.Second)
	}
	q := metrics.DefaultQueries()
	if cfg.Metrics.Queries.SuccessRate == "" {
		cfg.Metrics.Queries.SuccessRate = q.SuccessRate
	}
	if cfg.Metrics.Queries.ErrorRate == "" {
		cfg.Metrics.Queries.ErrorRate = q.ErrorRate
	}
	if cfg.Metrics.Queries.P95LatencyMs == "" {
		cfg.Metrics.Queries.P95LatencyMs = q.P95LatencyMs
	}
	if cfg.Metrics.Queries.TimeoutRate == "" {
		cfg.Metrics.Queries.TimeoutRate = q.TimeoutRate
	}
	if cfg.Metrics.Static == (StaticMetrics{}) {
		cfg.Metrics.Static = StaticMetrics{
			SuccessRate:  0.82,
			ErrorRate:    0.08,
			P95LatencyMs: 850,
			TimeoutRate:  0.04,
		}
	}

	// Knowledge
	if cfg.Knowledge.Provider == "" {
		cfg.Knowledge.Provider = knowledge.ProviderMemory
	}
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "actiond_learning"
	}
	if cfg.Knowledge.ChromemPath == "" {
		cfg.Knowledge.ChromemPath = "~/.config/actiond/knowledge"
	}
	if cfg.Knowledge.QdrantHost == "" {
		cfg.Knowledge.QdrantHost = "localhost"
	}
	if cfg.Knowledge.QdrantPort == 0 {
		cfg.Knowledge.QdrantPort = 6334
	}
	if cfg.Knowledge.Embedder == "" {
		cfg.Knowledge.Embedder = knowledge.EmbedderHash
	}
	if cfg.Knowledge.TEIURL == "" {
		cfg.Knowledge.TEIURL = "http://localhost:8080"
	}
	if cfg.Knowledge.TEIModel == "" {
		cfg.Knowledge.TEIModel = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Knowledge.VectorSize == 0 {
		cfg.Knowledge.VectorSize = 384
	}

	// Archive
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = archive.DriverNone
	}

	// NATS
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = "actiond"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "actiond"
	}
}
