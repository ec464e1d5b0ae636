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

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// loadFromEnv applies environment overrides. Unparseable values are ignored.
func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}
	if val := os.Getenv("RELAY_DEBUG"); parseBool(val) {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	// Database
	if val := os.Getenv("RELAY_DATABASE_DRIVER"); val != "" {
		c.Database.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_DATABASE_DSN"); val != "" {
		c.Database.DSN = val
	}
	envInt("RELAY_DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)

	// Engine timers
	envDuration("RELAY_PLAN_INTERVAL", &c.Engine.PlanInterval)
	envDuration("RELAY_SLA_INTERVAL", &c.Engine.SLAInterval)
	envDuration("RELAY_RUN_INTERVAL", &c.Engine.RunInterval)
	envDuration("RELAY_LOOKAHEAD", &c.Engine.Lookahead)
	envDuration("RELAY_DEFAULT_SLA", &c.Engine.DefaultSLA)
	envInt("RELAY_BATCH_SIZE", &c.Engine.BatchSize)
	envDuration("RELAY_CLAIM_HORIZON", &c.Engine.ClaimHorizon)
	envDuration("RELAY_RETRY_JITTER", &c.Engine.RetryJitter)
	envDuration("RELAY_SHUTDOWN_TIMEOUT", &c.Engine.ShutdownTimeout)

	// Limits
	envInt("RELAY_HTTP_GLOBAL_LIMIT", &c.Limits.HTTPGlobal)
	envInt("RELAY_HTTP_PER_HOST_LIMIT", &c.Limits.HTTPPerHost)
	envInt("RELAY_SFTP_GLOBAL_LIMIT", &c.Limits.SFTPGlobal)
	envInt("RELAY_SFTP_PER_HOST_LIMIT", &c.Limits.SFTPPerHost)

	// Artifacts
	if val := os.Getenv("RELAY_ARTIFACTS_BACKEND"); val != "" {
		c.Artifacts.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_ARTIFACTS_DIR"); val != "" {
		c.Artifacts.Dir = val
	}
	if val := os.Getenv("RELAY_S3_BUCKET"); val != "" {
		c.Artifacts.S3.Bucket = val
	}
	if val := os.Getenv("RELAY_S3_PREFIX"); val != "" {
		c.Artifacts.S3.Prefix = val
	}
	if val := os.Getenv("RELAY_S3_ENDPOINT"); val != "" {
		c.Artifacts.S3.Endpoint = val
	}
	if val := os.Getenv("RELAY_SCRATCH_DIR"); val != "" {
		c.ScratchDir = val
	}

	// Secrets
	if val := os.Getenv("RELAY_SECRETS_KEY_FILE"); val != "" {
		c.Secrets.KeyFile = val
	}

	// Notifications
	if val := os.Getenv("RELAY_WEBHOOKS_ENABLED"); val != "" {
		c.Notify.Webhooks.Enabled = parseBool(val)
	}
	if val := os.Getenv("RELAY_REDIS_URL"); val != "" {
		c.Notify.Redis.URL = val
	}
	if val := os.Getenv("RELAY_REDIS_CHANNEL"); val != "" {
		c.Notify.Redis.Channel = val
	}

	// Metrics and tracing
	if val := os.Getenv("RELAY_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = parseBool(val)
	}
	if val := os.Getenv("RELAY_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("RELAY_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("RELAY_TRACING_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Tracing.SampleRate = rate
		}
	}

	// Leader election
	if val := os.Getenv("RELAY_LEADER_ENABLED"); val != "" {
		c.Leader.Enabled = parseBool(val)
	}
	if val := os.Getenv("RELAY_INSTANCE_ID"); val != "" {
		c.Leader.InstanceID = val
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}
