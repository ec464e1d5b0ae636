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
	"fmt"
	"strings"

	"github.com/tombee/relay/internal/store"
)

// InsertArtifact records a captured file. Rows are immutable once written.
func (s *Store) InsertArtifact(ctx context.Context, a *store.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO artifacts (id, run_id, project_id, name, content_type, storage_path, size_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.ProjectID, a.Name, a.ContentType, a.StoragePath, a.SizeBytes, a.SHA256,
		s.timeArg(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns artifacts newest first.
func (s *Store) ListArtifacts(ctx context.Context, filter store.ArtifactFilter) ([]*store.Artifact, error) {
	var (
		where = []string{"a.project_id = ?"}
		args  = []any{filter.ProjectID}
		join  string
	)
	if filter.IntegrationID != "" {
		join = "JOIN runs r ON r.id = a.run_id"
		where = append(where, "r.integration_id = ?")
		args = append(args, filter.IntegrationID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "a.created_at >= ?")
		args = append(args, s.timeArg(filter.Since))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.query(ctx, `
		SELECT a.id, a.run_id, a.project_id, a.name, a.content_type, a.storage_path, a.size_bytes, a.sha256, a.created_at
		FROM artifacts a `+join+`
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*store.Artifact
	for rows.Next() {
		var (
			a       store.Artifact
			created nullTime
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.ProjectID, &a.Name, &a.ContentType,
			&a.StoragePath, &a.SizeBytes, &a.SHA256, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.CreatedAt = created.Time
		out = append(out, &a)
	}
	return out, rows.Err()
}
