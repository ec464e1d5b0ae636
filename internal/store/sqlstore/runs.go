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

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

const runColumns = `id, integration_id, planned_at, started_at, finished_at, status, attempts, duration_ms, note, created_at, updated_at`

// CreateRun inserts a planned run unless one already exists for the same
// integration and planned time.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) (bool, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = store.StatusPlanned
	}
	now := s.now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	res, err := s.exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (integration_id, planned_at) DO NOTHING`,
		run.ID, run.IntegrationID, s.timeArg(run.PlannedAt),
		s.nullTimeArg(run.StartedAt), s.nullTimeArg(run.FinishedAt),
		string(run.Status), run.Attempts, run.DurationMS, run.Note,
		s.timeArg(now), s.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}
	return n == 1, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs of an integration, most recently planned first.
func (s *Store) ListRuns(ctx context.Context, integrationID string, limit int) ([]*store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE integration_id = ?
		ORDER BY planned_at DESC
		LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return collectRuns(rows)
}

// ClaimDueRuns moves due planned runs to running in one statement. On
// Postgres the inner select skips rows locked by a concurrent claimer.
func (s *Store) ClaimDueRuns(ctx context.Context, horizon, startedAt time.Time, limit int) ([]*store.Run, error) {
	lock := ""
	if s.dialect == DriverPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	rows, err := s.query(ctx, `
		UPDATE runs
		SET status = 'running', started_at = ?, finished_at = NULL,
			attempts = attempts + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM runs
			WHERE status = 'planned' AND planned_at <= ?
			ORDER BY planned_at ASC
			LIMIT ? `+lock+`
		) AND status = 'planned'
		RETURNING `+runColumns,
		s.timeArg(startedAt), s.stamp(), s.timeArg(horizon), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim runs: %w", err)
	}
	// RETURNING order is unspecified.
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].PlannedAt.Before(runs[j].PlannedAt)
	})
	return runs, nil
}

// CompleteRun marks a running run successful.
func (s *Store) CompleteRun(ctx context.Context, id string, finishedAt time.Time, durationMS int64, note string) error {
	return s.transition(ctx, id, store.StatusRunning, `
		UPDATE runs SET status = 'success', finished_at = ?, duration_ms = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		s.timeArg(finishedAt), durationMS, note, s.stamp(), id)
}

// RescheduleRun puts a running run back to planned for a retry.
func (s *Store) RescheduleRun(ctx context.Context, id string, plannedAt time.Time, note string) error {
	return s.transition(ctx, id, store.StatusRunning, `
		UPDATE runs SET status = 'planned', finished_at = NULL, planned_at = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		s.timeArg(plannedAt), note, s.stamp(), id)
}

// FailRun marks a running run failed.
func (s *Store) FailRun(ctx context.Context, id string, finishedAt time.Time, note string) error {
	return s.transition(ctx, id, store.StatusRunning, `
		UPDATE runs SET status = 'failed', finished_at = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		s.timeArg(finishedAt), note, s.stamp(), id)
}

// ListPlannedBefore returns planned runs due at or before the given instant.
func (s *Store) ListPlannedBefore(ctx context.Context, before time.Time) ([]*store.Run, error) {
	rows, err := s.query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'planned' AND planned_at <= ?
		ORDER BY planned_at ASC`, s.timeArg(before))
	if err != nil {
		return nil, fmt.Errorf("failed to list planned runs: %w", err)
	}
	return collectRuns(rows)
}

// MarkMissed moves a planned run to missed.
func (s *Store) MarkMissed(ctx context.Context, id string, finishedAt time.Time, note string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE runs SET status = 'missed', finished_at = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = 'planned'`,
		s.timeArg(finishedAt), note, s.stamp(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark run missed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark run missed: %w", err)
	}
	return n == 1, nil
}

// transition runs a conditional update and reports a NotFoundError when the
// run is not in the expected state.
func (s *Store) transition(ctx context.Context, id string, from store.RunStatus, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: string(from) + " run", ID: id}
	}
	return nil
}

func collectRuns(rows *sql.Rows) ([]*store.Run, error) {
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(sc scanner) (*store.Run, error) {
	var (
		run                        store.Run
		status                     string
		planned, started, finished nullTime
		created, updated           nullTime
		duration                   sql.NullInt64
	)
	if err := sc.Scan(&run.ID, &run.IntegrationID, &planned, &started, &finished,
		&status, &run.Attempts, &duration, &run.Note, &created, &updated); err != nil {
		return nil, err
	}
	run.Status = store.RunStatus(status)
	run.PlannedAt = planned.Time
	run.StartedAt = started.ptr()
	run.FinishedAt = finished.ptr()
	if duration.Valid {
		d := duration.Int64
		run.DurationMS = &d
	}
	run.CreatedAt = created.Time
	run.UpdatedAt = updated.Time
	return &run, nil
}
