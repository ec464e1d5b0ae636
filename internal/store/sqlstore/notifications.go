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

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/store"
)

// InsertNotification records an operator-facing notification.
func (s *Store) InsertNotification(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO notifications (id, project_id, run_id, kind, title, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ProjectID, nullString(n.RunID), n.Kind, n.Title, n.Body, s.timeArg(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a project's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, projectID string) ([]*store.Notification, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, run_id, kind, title, body, created_at
		FROM notifications WHERE project_id = ?
		ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*store.Notification
	for rows.Next() {
		var (
			n       store.Notification
			runID   sql.NullString
			created nullTime
		)
		if err := rows.Scan(&n.ID, &n.ProjectID, &runID, &n.Kind, &n.Title, &n.Body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.RunID = runID.String
		n.CreatedAt = created.Time
		out = append(out, &n)
	}
	return out, rows.Err()
}

// SaveWebhook inserts or replaces a webhook endpoint.
func (s *Store) SaveWebhook(ctx context.Context, w *store.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	events := w.Events
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO webhooks (id, project_id, url, format, events, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url = excluded.url, format = excluded.format,
			events = excluded.events, enabled = excluded.enabled`,
		w.ID, w.ProjectID, w.URL, w.Format, string(eventsJSON), w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns the webhook endpoints of a project.
func (s *Store) ListWebhooks(ctx context.Context, projectID string) ([]*store.Webhook, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, url, format, events, enabled
		FROM webhooks WHERE project_id = ?
		ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*store.Webhook
	for rows.Next() {
		var (
			w      store.Webhook
			events string
		)
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Format, &events, &w.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if events != "" {
			if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
				return nil, fmt.Errorf("decoding events of webhook %s: %w", w.ID, err)
			}
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
