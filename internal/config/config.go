// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the relay process configuration from a YAML file and
// RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/limiter"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/store/sqlstore"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "RELAY_CONFIG"

// Artifact backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config represents the complete relay configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  sqlstore.Config `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Limits    limiter.Limits  `yaml:"limits"`
	HTTP      HTTPConfig      `yaml:"http"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   tracing.Config  `yaml:"tracing"`
	Leader    LeaderConfig    `yaml:"leader"`

	// ScratchDir holds in-flight downloads between attempts.
	ScratchDir string `yaml:"scratch_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// EngineConfig configures the planner, SLA monitor and runner timers.
type EngineConfig struct {
	// PlanInterval is how often runs are planned and next-run caches refreshed.
	PlanInterval time.Duration `yaml:"plan_interval"`

	// SLAInterval is how often the SLA monitor sweeps.
	SLAInterval time.Duration `yaml:"sla_interval"`

	// RunInterval is how often the runner claims due runs.
	RunInterval time.Duration `yaml:"run_interval"`

	// Lookahead is how far ahead occurrences are planned.
	Lookahead time.Duration `yaml:"lookahead"`

	// DefaultSLA applies to integrations without a parseable SLA.
	DefaultSLA time.Duration `yaml:"default_sla"`

	// BatchSize caps how many runs one runner tick claims.
	BatchSize int `yaml:"batch_size"`

	// ClaimHorizon lets the runner claim runs planned slightly in the future.
	ClaimHorizon time.Duration `yaml:"claim_horizon"`

	// RetryJitter adds up to this much random delay to retry backoff.
	// Zero keeps the backoff sequence exact.
	RetryJitter time.Duration `yaml:"retry_jitter"`

	// ShutdownTimeout bounds how long Stop waits for in-flight ticks.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HTTPConfig configures the client shared by the HTTP adapters.
type HTTPConfig struct {
	// Timeout is the total request timeout. Zero relies on per-integration
	// timeouts and the transport defaults.
	Timeout time.Duration `yaml:"timeout"`

	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`

	UserAgent string `yaml:"user_agent"`
}

// ArtifactsConfig selects the artifact blob backend.
type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend"`

	// Dir is the blob root for the local backend.
	Dir string `yaml:"dir"`

	S3 artifact.S3Config `yaml:"s3"`
}

// SecretsConfig locates the master key used to decrypt stored secrets.
type SecretsConfig struct {
	// MasterKey is the key itself. Prefer RELAY_SECRETS_KEY or KeyFile.
	MasterKey string `yaml:"master_key"`

	// KeyFile is a 0600 file holding the key.
	KeyFile string `yaml:"key_file"`
}

// NotifyConfig configures event fan-out.
type NotifyConfig struct {
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Redis    RedisConfig    `yaml:"redis"`
}

// WebhooksConfig configures delivery to registered webhook endpoints.
type WebhooksConfig struct {
	Enabled bool `yaml:"enabled"`

	// Rate is deliveries per second per endpoint.
	Rate float64 `yaml:"rate"`

	Burst int `yaml:"burst"`

	// Timeout bounds one delivery.
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the Redis publisher. An empty URL disables it.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// MetricsConfig configures the operations HTTP listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr serves /metrics and /healthz.
	Addr string `yaml:"addr"`
}

// LeaderConfig configures leader election. It requires the Postgres driver.
type LeaderConfig struct {
	Enabled bool `yaml:"enabled"`

	// InstanceID identifies this process in logs. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Database: sqlstore.Config{
			Driver:      sqlstore.DriverSQLite,
			DSN:         "relay.db",
			WAL:         true,
			AutoMigrate: true,
		},
		Engine: EngineConfig{
			PlanInterval:    2 * time.Minute,
			SLAInterval:     5 * time.Minute,
			RunInterval:     30 * time.Second,
			Lookahead:       2 * time.Minute,
			DefaultSLA:      10 * time.Minute,
			BatchSize:       10,
			ClaimHorizon:    30 * time.Second,
			ShutdownTimeout: 5 * time.Minute,
		},
		Limits: limiter.DefaultLimits(),
		HTTP: HTTPConfig{
			ResponseHeaderTimeout: 60 * time.Second,
			UserAgent:             "relay/1.0",
		},
		Artifacts: ArtifactsConfig{
			Backend: BackendLocal,
			Dir:     "artifacts",
		},
		Notify: NotifyConfig{
			Webhooks: WebhooksConfig{
				Enabled: true,
				Rate:    1,
				Burst:   5,
				Timeout: 10 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Tracing: tracing.DefaultConfig(),
		Leader: LeaderConfig{
			RetryInterval: 5 * time.Second,
		},
		ScratchDir: filepath.Join(os.TempDir(), "relay-scratch"),
	}
}

// Load reads configPath (when non-empty), fills defaults, applies
// environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns flagValue, falling back to RELAY_CONFIG and then to
// the XDG config file when it exists.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	if path, err := ConfigPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == sqlstore.DriverSQLite {
		c.Database.DSN = d.Database.DSN
	}

	e := &c.Engine
	if e.PlanInterval == 0 {
		e.PlanInterval = d.Engine.PlanInterval
	}
	if e.SLAInterval == 0 {
		e.SLAInterval = d.Engine.SLAInterval
	}
	if e.RunInterval == 0 {
		e.RunInterval = d.Engine.RunInterval
	}
	if e.Lookahead == 0 {
		e.Lookahead = d.Engine.Lookahead
	}
	if e.DefaultSLA == 0 {
		e.DefaultSLA = d.Engine.DefaultSLA
	}
	if e.BatchSize == 0 {
		e.BatchSize = d.Engine.BatchSize
	}
	if e.ClaimHorizon == 0 {
		e.ClaimHorizon = d.Engine.ClaimHorizon
	}
	if e.ShutdownTimeout == 0 {
		e.ShutdownTimeout = d.Engine.ShutdownTimeout
	}

	if c.Limits.HTTPGlobal == 0 {
		c.Limits.HTTPGlobal = d.Limits.HTTPGlobal
	}
	if c.Limits.HTTPPerHost == 0 {
		c.Limits.HTTPPerHost = d.Limits.HTTPPerHost
	}
	if c.Limits.SFTPGlobal == 0 {
		c.Limits.SFTPGlobal = d.Limits.SFTPGlobal
	}
	if c.Limits.SFTPPerHost == 0 {
		c.Limits.SFTPPerHost = d.Limits.SFTPPerHost
	}

	if c.HTTP.ResponseHeaderTimeout == 0 {
		c.HTTP.ResponseHeaderTimeout = d.HTTP.ResponseHeaderTimeout
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = d.HTTP.UserAgent
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = d.Artifacts.Backend
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = d.Artifacts.Dir
	}

	if c.Notify.Webhooks.Rate == 0 {
		c.Notify.Webhooks.Rate = d.Notify.Webhooks.Rate
	}
	if c.Notify.Webhooks.Burst == 0 {
		c.Notify.Webhooks.Burst = d.Notify.Webhooks.Burst
	}
	if c.Notify.Webhooks.Timeout == 0 {
		c.Notify.Webhooks.Timeout = d.Notify.Webhooks.Timeout
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.BatchInterval == 0 {
		c.Tracing.BatchInterval = d.Tracing.BatchInterval
	}

	if c.Leader.RetryInterval == 0 {
		c.Leader.RetryInterval = d.Leader.RetryInterval
	}
	if c.Leader.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Leader.InstanceID = host
		}
	}

	if c.ScratchDir == "" {
		c.ScratchDir = d.ScratchDir
	}
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() *log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = log.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}
