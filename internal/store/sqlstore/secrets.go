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

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/store"
)

// SaveSecret stores an already-encrypted secret.
func (s *Store) SaveSecret(ctx context.Context, sec *store.Secret) error {
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO secrets (id, project_id, integration_id, name, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sec.ID, sec.ProjectID, nullString(sec.IntegrationID), sec.Name, sec.Ciphertext, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// FindSecrets returns all secrets with the given name in a project.
func (s *Store) FindSecrets(ctx context.Context, projectID, name string) ([]*store.Secret, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, integration_id, name, ciphertext
		FROM secrets WHERE project_id = ? AND name = ?
		ORDER BY created_at DESC`, projectID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find secrets: %w", err)
	}
	defer rows.Close()

	var out []*store.Secret
	for rows.Next() {
		var (
			sec           store.Secret
			integrationID sql.NullString
		)
		if err := rows.Scan(&sec.ID, &sec.ProjectID, &integrationID, &sec.Name, &sec.Ciphertext); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		sec.IntegrationID = integrationID.String
		out = append(out, &sec)
	}
	return out, rows.Err()
}
