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
	"fmt"
	"strings"
	"time"

	"github.com/tombee/relay/internal/store/sqlstore"
	"github.com/tombee/relay/pkg/errors"
)

// Validate checks the configuration. All problems are reported together in
// one *errors.ConfigError whose Key names the first offending field.
func (c *Config) Validate() error {
	var problems []problem
	add := func(key, format string, args ...any) {
		problems = append(problems, problem{key: key, msg: fmt.Sprintf(format, args...)})
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		add("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	switch c.Database.Driver {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		add("database.driver", "must be one of [sqlite, postgres], got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn", "is required")
	}

	e := c.Engine
	for _, iv := range []struct {
		key string
		d   time.Duration
	}{
		{"engine.plan_interval", e.PlanInterval},
		{"engine.sla_interval", e.SLAInterval},
		{"engine.run_interval", e.RunInterval},
		{"engine.lookahead", e.Lookahead},
		{"engine.default_sla", e.DefaultSLA},
	} {
		if iv.d <= 0 {
			add(iv.key, "must be positive")
		}
	}
	if e.BatchSize <= 0 {
		add("engine.batch_size", "must be positive, got %d", e.BatchSize)
	}
	if e.ClaimHorizon < 0 {
		add("engine.claim_horizon", "must not be negative")
	}
	if e.RetryJitter < 0 {
		add("engine.retry_jitter", "must not be negative")
	}

	l := c.Limits
	if l.HTTPGlobal <= 0 || l.HTTPPerHost <= 0 || l.SFTPGlobal <= 0 || l.SFTPPerHost <= 0 {
		add("limits", "all limits must be positive")
	}
	if l.HTTPPerHost > l.HTTPGlobal {
		add("limits.http_per_host", "must not exceed limits.http_global (%d > %d)", l.HTTPPerHost, l.HTTPGlobal)
	}
	if l.SFTPPerHost > l.SFTPGlobal {
		add("limits.sftp_per_host", "must not exceed limits.sftp_global (%d > %d)", l.SFTPPerHost, l.SFTPGlobal)
	}

	switch c.Artifacts.Backend {
	case BackendLocal:
		if c.Artifacts.Dir == "" {
			add("artifacts.dir", "is required for the local backend")
		}
	case BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			add("artifacts.s3.bucket", "is required for the s3 backend")
		}
	default:
		add("artifacts.backend", "must be one of [local, s3], got %q", c.Artifacts.Backend)
	}

	if c.ScratchDir == "" {
		add("scratch_dir", "is required")
	}

	if c.Notify.Webhooks.Rate < 0 {
		add("notify.webhooks.rate", "must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr", "is required when metrics are enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate", "must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate)
	}

	if c.Leader.Enabled && c.Database.Driver != sqlstore.DriverPostgres {
		add("leader.enabled", "requires the postgres database driver")
	}

	if len(problems) == 0 {
		return nil
	}
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.key + " " + p.msg
	}
	return &errors.ConfigError{Key: problems[0].key, Reason: strings.Join(msgs, "; ")}
}

type problem struct {
	key string
	msg string
}
