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

// Package sla detects planned runs that never started within their
// integration's SLA and marks them missed.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/notify"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

// DefaultSLA applies when an integration has no parseable SLA.
const DefaultSLA = 10 * time.Minute

// Store is the storage used by the monitor.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*store.Integration, error)
	ListPlannedBefore(ctx context.Context, before time.Time) ([]*store.Run, error)
	MarkMissed(ctx context.Context, id string, finishedAt time.Time, note string) (bool, error)
}

// Refresher recomputes cached next-run times.
type Refresher interface {
	RefreshNextRuns(ctx context.Context) error
}

// Monitor sweeps for runs past their SLA.
type Monitor struct {
	store      Store
	notifier   *notify.Notifier
	refresher  Refresher
	defaultSLA time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDefaultSLA overrides DefaultSLA.
func WithDefaultSLA(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.defaultSLA = d
		}
	}
}

// WithClock overrides the monitor clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRefresher sets the next-run cache refresher used by RefreshNextRuns.
func WithRefresher(r Refresher) Option {
	return func(m *Monitor) { m.refresher = r }
}

// NewMonitor creates a monitor.
func NewMonitor(st Store, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:      st,
		notifier:   notifier,
		defaultSLA: DefaultSLA,
		now:        time.Now,
		logger:     log.WithComponent(logger, "sla"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RefreshNextRuns recomputes the next-run cache without planning.
func (m *Monitor) RefreshNextRuns(ctx context.Context) error {
	if m.refresher == nil {
		return nil
	}
	return m.refresher.RefreshNextRuns(ctx)
}

// Sweep marks every planned run whose SLA has elapsed as missed and returns
// how many were marked. A run claimed by the runner in the meantime is left
// alone.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	runs, err := m.store.ListPlannedBefore(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "listing planned runs")
	}

	integrations := make(map[string]*store.Integration)
	missed := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return missed, err
		}

		in, ok := integrations[run.IntegrationID]
		if !ok {
			in, err = m.store.GetIntegration(ctx, run.IntegrationID)
			if err != nil && !errors.IsNotFound(err) {
				m.logger.Warn("failed to load integration",
					slog.String(log.IntegrationIDKey, run.IntegrationID),
					log.Error(err))
				continue
			}
			integrations[run.IntegrationID] = in
		}

		target := m.resolve(in)
		if run.PlannedAt.Add(target).After(now) {
			continue
		}

		marked, err := m.markMissed(ctx, run, in, target, now)
		if err != nil {
			m.logger.Error("failed to mark run missed",
				slog.String(log.RunIDKey, run.ID),
				slog.String(log.IntegrationIDKey, run.IntegrationID),
				log.Error(err))
			continue
		}
		if marked {
			missed++
		}
	}
	return missed, nil
}

func (m *Monitor) markMissed(ctx context.Context, run *store.Run, in *store.Integration, target time.Duration, now time.Time) (bool, error) {
	note := fmt.Sprintf("Missed SLA of %s (planned %s)", FormatSLA(target), run.PlannedAt.UTC().Format(time.RFC3339))
	ok, err := m.store.MarkMissed(ctx, run.ID, now, note)
	if err != nil || !ok {
		return false, err
	}

	metrics.RecordMissed()
	m.logger.Warn("run missed SLA",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.IntegrationIDKey, run.IntegrationID),
		slog.Duration("sla", target))

	if m.notifier == nil {
		return true, nil
	}

	ev := notify.NewEvent(notify.EventRunMissedSLA, in, run)
	ev.SLA = FormatSLA(target)
	if in != nil {
		m.notifier.Record(ctx, &store.Notification{
			ProjectID: in.ProjectID,
			RunID:     run.ID,
			Kind:      notify.EventRunMissedSLA,
			Title:     "Missed SLA: " + in.Name,
			Body:      note,
		})
	}
	m.notifier.Emit(ctx, ev)
	return true, nil
}

func (m *Monitor) resolve(in *store.Integration) time.Duration {
	if in == nil {
		return m.defaultSLA
	}
	if d, ok := ParseSLA(in.SLA); ok {
		return d
	}
	return m.defaultSLA
}
