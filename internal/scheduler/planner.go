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

// Package scheduler turns integration cron expressions into planned runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
)

// DefaultLookahead is how far ahead of now occurrences are planned.
const DefaultLookahead = 2 * time.Minute

// Store is the storage used by the planner.
type Store interface {
	store.IntegrationStore
	CreateRun(ctx context.Context, run *store.Run) (bool, error)
}

// Planner inserts planned runs for upcoming cron occurrences. Inserts are
// deduplicated by the store on (integration, planned time), so ticks may
// overlap or repeat freely.
type Planner struct {
	store     Store
	lookahead time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock overrides the planner clock.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithLookahead sets the planning window.
func WithLookahead(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.lookahead = d
		}
	}
}

// NewPlanner creates a planner.
func NewPlanner(st Store, logger *slog.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Planner{
		store:     st,
		lookahead: DefaultLookahead,
		now:       time.Now,
		logger:    log.WithComponent(logger, "planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tick plans every occurrence within the lookahead window and refreshes the
// next-run cache. It returns the number of runs inserted. Per-integration
// problems are logged and skipped.
func (p *Planner) Tick(ctx context.Context) (int, error) {
	return p.walk(ctx, true)
}

// RefreshNextRuns recomputes the next-run cache without inserting runs.
func (p *Planner) RefreshNextRuns(ctx context.Context) error {
	_, err := p.walk(ctx, false)
	return err
}

func (p *Planner) walk(ctx context.Context, insert bool) (int, error) {
	integrations, err := p.store.ListScheduledIntegrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled integrations: %w", err)
	}

	now := p.now()
	planned := 0
	for _, in := range integrations {
		if err := ctx.Err(); err != nil {
			return planned, err
		}
		n, err := p.planIntegration(ctx, in, now, insert)
		planned += n
		if err != nil {
			metrics.RecordScheduleError()
			p.logger.Warn("skipping integration",
				slog.String(log.IntegrationIDKey, in.ID),
				slog.String("cron", in.CronExpr),
				slog.String("timezone", in.Timezone),
				log.Error(err))
		}
	}
	if planned > 0 {
		metrics.RecordPlanned(planned)
	}
	return planned, nil
}

func (p *Planner) planIntegration(ctx context.Context, in *store.Integration, now time.Time, insert bool) (int, error) {
	expr, err := ParseCron(in.CronExpr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression: %w", err)
	}
	loc, err := loadLocation(in.Timezone)
	if err != nil {
		return 0, err
	}

	// The cached value is trusted only while it is still ahead and still an
	// occurrence of the current expression.
	var next time.Time
	if cached := in.NextRunAt; cached != nil && cached.After(now) &&
		expr.Next(cached.In(loc).Add(-time.Minute)).Equal(*cached) {
		next = cached.In(loc)
	} else {
		next = expr.Next(now.In(loc))
	}

	horizon := now.Add(p.lookahead)
	planned := 0
	for insert && !next.IsZero() && !next.After(horizon) {
		created, err := p.store.CreateRun(ctx, &store.Run{
			ID:            uuid.New().String(),
			IntegrationID: in.ID,
			PlannedAt:     next.UTC(),
			Status:        store.StatusPlanned,
		})
		if err != nil {
			return planned, fmt.Errorf("failed to plan run at %s: %w", next.UTC().Format(time.RFC3339), err)
		}
		if created {
			planned++
			p.logger.Debug("run planned",
				slog.String(log.IntegrationIDKey, in.ID),
				slog.Time("planned_at", next.UTC()))
		}
		next = expr.Next(next)
	}

	if next.IsZero() {
		return planned, p.store.SetNextRunAt(ctx, in.ID, nil)
	}
	utc := next.UTC()
	if in.NextRunAt != nil && in.NextRunAt.Equal(utc) {
		return planned, nil
	}
	return planned, p.store.SetNextRunAt(ctx, in.ID, &utc)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return loc, nil
}
