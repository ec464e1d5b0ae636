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

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tombee/relay/internal/adapter"
	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/jq"
	"github.com/tombee/relay/internal/leader"
	"github.com/tombee/relay/internal/limiter"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/notify"
	"github.com/tombee/relay/internal/runner"
	"github.com/tombee/relay/internal/scheduler"
	"github.com/tombee/relay/internal/secrets"
	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/internal/sla"
	"github.com/tombee/relay/internal/store/sqlstore"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/httpclient"
)

// Components is a wired engine together with the resources it owns.
type Components struct {
	Store    *sqlstore.Store
	Secrets  *secrets.Resolver
	Notifier *notify.Notifier
	Planner  *scheduler.Planner
	Monitor  *sla.Monitor
	Runner   *runner.Runner
	Engine   *Engine

	// Elector is nil unless leader election is enabled.
	Elector *leader.Elector

	tracing *tracing.Provider
	redis   *notify.RedisSink
}

// Build opens the store and constructs every component from cfg. The
// caller owns the result and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	c.tracing, err = tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	c.Store, err = sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c.Secrets, err = newResolver(cfg.Secrets, c.Store, logger)
	if err != nil {
		return nil, err
	}

	blob, err := newBlob(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	artifacts := artifact.NewStore(c.Store, blob, log.WithComponent(logger, "artifact"))

	httpClient, err := httpclient.New(httpclient.Config{
		Timeout:               cfg.HTTP.Timeout,
		ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
		UserAgent:             cfg.HTTP.UserAgent,
		Logger:                log.WithComponent(logger, "http"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	registry := adapter.NewDefaultRegistry(&adapter.Deps{
		HTTP:      httpClient,
		Limiter:   limiter.New(cfg.Limits),
		Renderer:  template.New(c.Secrets),
		Artifacts: artifacts,
		SFTP:      &sftp.SSHDialer{Logger: log.WithComponent(logger, "sftp")},
		JQ:        jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize),
	})

	notifyOpts := []notify.Option{notify.WithDeliveryTimeout(cfg.Notify.Webhooks.Timeout)}
	if cfg.Notify.Webhooks.Enabled {
		notifyOpts = append(notifyOpts, notify.WithSink(notify.NewWebhookSink(c.Store, httpClient, notify.WebhookConfig{
			Rate:  cfg.Notify.Webhooks.Rate,
			Burst: cfg.Notify.Webhooks.Burst,
		})))
	}
	if cfg.Notify.Redis.URL != "" {
		c.redis, err = notify.NewRedisSink(notify.RedisConfig{
			URL:     cfg.Notify.Redis.URL,
			Channel: cfg.Notify.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		notifyOpts = append(notifyOpts, notify.WithSink(c.redis))
	}
	c.Notifier = notify.New(c.Store, log.WithComponent(logger, "notify"), notifyOpts...)

	c.Planner = scheduler.NewPlanner(c.Store, log.WithComponent(logger, "planner"),
		scheduler.WithLookahead(cfg.Engine.Lookahead))

	c.Monitor = sla.NewMonitor(c.Store, c.Notifier, log.WithComponent(logger, "sla"),
		sla.WithDefaultSLA(cfg.Engine.DefaultSLA),
		sla.WithRefresher(c.Planner))

	c.Runner = runner.New(c.Store, registry, log.WithComponent(logger, "runner"),
		runner.WithNotifier(c.Notifier),
		runner.WithSecretCache(c.Secrets),
		runner.WithTracer(tracing.Tracer()),
		runner.WithScratchDir(cfg.ScratchDir),
		runner.WithBatchSize(cfg.Engine.BatchSize),
		runner.WithClaimHorizon(cfg.Engine.ClaimHorizon),
		runner.WithRetryJitter(cfg.Engine.RetryJitter))

	engineOpts := []Option{
		WithIntervals(cfg.Engine.PlanInterval, cfg.Engine.SLAInterval, cfg.Engine.RunInterval),
		WithShutdownTimeout(cfg.Engine.ShutdownTimeout),
	}
	if cfg.Leader.Enabled {
		c.Elector = leader.NewElector(leader.Config{
			DSN:           cfg.Database.DSN,
			InstanceID:    cfg.Leader.InstanceID,
			RetryInterval: cfg.Leader.RetryInterval,
			Logger:        log.WithComponent(logger, "leader"),
		})
		engineOpts = append(engineOpts, WithLeader(c.Elector))
	}
	c.Engine = New(c.Planner, c.Monitor, c.Runner, log.WithComponent(logger, "engine"), engineOpts...)

	logger.Info("engine components ready",
		slog.String("database", cfg.Database.Driver),
		slog.String("artifacts", cfg.Artifacts.Backend),
		slog.Any("adapters", registry.Types()),
		slog.Any("sinks", c.Notifier.Sinks()),
		slog.Bool("leader_election", cfg.Leader.Enabled))

	return c, nil
}

// Close releases the store, the Redis client and the tracer provider.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.tracing != nil {
		errs = append(errs, c.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// newResolver builds the secret resolver. A missing master key is not
// fatal: runs that reference no stored secrets still work.
func newResolver(cfg config.SecretsConfig, st *sqlstore.Store, logger *slog.Logger) (*secrets.Resolver, error) {
	var cipher *secrets.Cipher
	key, err := secrets.ResolveMasterKey(cfg.MasterKey, cfg.KeyFile)
	if err != nil {
		logger.Warn("stored secrets cannot be decrypted", log.Error(err))
	} else {
		cipher, err = secrets.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create secrets cipher: %w", err)
		}
	}
	return secrets.NewResolver(st, cipher, secrets.NewCache()), nil
}

func newBlob(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Blob, error) {
	switch cfg.Backend {
	case config.BackendS3:
		blob, err := artifact.NewS3Blob(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 artifact backend: %w", err)
		}
		return blob, nil
	default:
		blob, err := artifact.NewLocalBlob(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local artifact backend: %w", err)
		}
		return blob, nil
	}
}
