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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

const integrationColumns = `id, project_id, name, adapter_type, adapter_config, cron_expr, timezone, sla, next_run_at, created_at, updated_at`

// SaveIntegration inserts or replaces an integration. The engine itself only
// reads integrations; this exists for tooling and tests.
func (s *Store) SaveIntegration(ctx context.Context, in *store.Integration) error {
	cfg := in.AdapterConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal adapter config: %w", err)
	}

	now := s.now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	_, err = s.exec(ctx, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			adapter_type = excluded.adapter_type,
			adapter_config = excluded.adapter_config,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			sla = excluded.sla,
			updated_at = excluded.updated_at`,
		in.ID, in.ProjectID, in.Name, in.AdapterType, string(cfgJSON),
		nullString(in.CronExpr), nullString(in.Timezone), nullString(in.SLA),
		s.nullTimeArg(in.NextRunAt), s.timeArg(in.CreatedAt), s.timeArg(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}
	return nil
}

// GetIntegration retrieves an integration by ID.
func (s *Store) GetIntegration(ctx context.Context, id string) (*store.Integration, error) {
	row := s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "integration", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

// ListScheduledIntegrations returns integrations with a cron expression.
func (s *Store) ListScheduledIntegrations(ctx context.Context) ([]*store.Integration, error) {
	rows, err := s.query(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE cron_expr IS NOT NULL AND cron_expr <> ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []*store.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetNextRunAt caches the next occurrence.
func (s *Store) SetNextRunAt(ctx context.Context, integrationID string, next *time.Time) error {
	_, err := s.exec(ctx, `UPDATE integrations SET next_run_at = ? WHERE id = ?`, s.nullTimeArg(next), integrationID)
	if err != nil {
		return fmt.Errorf("failed to update next run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(sc scanner) (*store.Integration, error) {
	var (
		in                        store.Integration
		cfgJSON                   []byte
		cronExpr, tz, sla         sql.NullString
		nextRun, created, updated nullTime
	)
	if err := sc.Scan(&in.ID, &in.ProjectID, &in.Name, &in.AdapterType, &cfgJSON,
		&cronExpr, &tz, &sla, &nextRun, &created, &updated); err != nil {
		return nil, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &in.AdapterConfig); err != nil {
			return nil, fmt.Errorf("decoding adapter config of %s: %w", in.ID, err)
		}
	}
	in.CronExpr = cronExpr.String
	in.Timezone = tz.String
	in.SLA = sla.String
	in.NextRunAt = nextRun.ptr()
	in.CreatedAt = created.Time
	in.UpdatedAt = updated.Time
	return &in, nil
}
