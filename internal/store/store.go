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

// Package store defines the relational contract of the engine.
//
// # Interface Hierarchy
//
// Components depend on the narrowest interface they need:
//
//   - IntegrationStore: scheduled integrations and the cached next-run time
//   - RunStore: planning, atomic claiming and state transitions of runs
//   - ArtifactStore: artifact rows
//   - SecretStore: encrypted secret lookup
//   - NotificationStore: notification rows and webhook endpoints
//
// Store composes all of them plus io.Closer. The sqlstore package
// implements Store for Postgres and SQLite.
package store

import (
	"context"
	"io"
	"time"
)

// IntegrationStore reads integrations and maintains their next-run cache.
type IntegrationStore interface {
	// GetIntegration returns the integration or a NotFoundError.
	GetIntegration(ctx context.Context, id string) (*Integration, error)

	// ListScheduledIntegrations returns every integration with a non-empty
	// cron expression.
	ListScheduledIntegrations(ctx context.Context) ([]*Integration, error)

	// SetNextRunAt caches the next computed occurrence. A nil value clears it.
	SetNextRunAt(ctx context.Context, integrationID string, next *time.Time) error
}

// RunStore owns run rows. Every transition is conditional on the current
// status so that the runner and the SLA monitor never both win.
type RunStore interface {
	// CreateRun inserts a planned run. It returns false without error when a
	// run already exists for (IntegrationID, PlannedAt).
	CreateRun(ctx context.Context, run *Run) (bool, error)

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ClaimDueRuns atomically moves up to limit planned runs with
	// planned_at <= horizon into running, stamping startedAt and
	// incrementing attempts. Results are ordered oldest planned first.
	ClaimDueRuns(ctx context.Context, horizon, startedAt time.Time, limit int) ([]*Run, error)

	// CompleteRun marks a running run successful.
	CompleteRun(ctx context.Context, id string, finishedAt time.Time, durationMS int64, note string) error

	// RescheduleRun returns a running run to planned at a later time.
	RescheduleRun(ctx context.Context, id string, plannedAt time.Time, note string) error

	// FailRun marks a running run failed.
	FailRun(ctx context.Context, id string, finishedAt time.Time, note string) error

	// ListPlannedBefore returns planned runs with planned_at <= before.
	ListPlannedBefore(ctx context.Context, before time.Time) ([]*Run, error)

	// MarkMissed moves a planned run to missed. It reports false when the run
	// was no longer planned.
	MarkMissed(ctx context.Context, id string, finishedAt time.Time, note string) (bool, error)
}

// ArtifactStore records captured files.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a *Artifact) error

	// ListArtifacts returns artifacts matching the filter, newest first.
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*Artifact, error)
}

// SecretStore looks up encrypted secrets.
type SecretStore interface {
	// FindSecrets returns every secret named name in the project, both
	// project-scoped and scoped to any integration.
	FindSecrets(ctx context.Context, projectID, name string) ([]*Secret, error)
}

// NotificationStore records operator-facing notifications and lists the
// webhook endpoints events fan out to.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *Notification) error
	ListWebhooks(ctx context.Context, projectID string) ([]*Webhook, error)
}

// Store is the full storage contract used by the engine.
type Store interface {
	IntegrationStore
	RunStore
	ArtifactStore
	SecretStore
	NotificationStore
	io.Closer
}

// RunStatus is the state of a run.
type RunStatus string

const (
	StatusPlanned RunStatus = "planned"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusMissed  RunStatus = "missed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusMissed
}

// Integration is a configured external exchange.
type Integration struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Name          string         `json:"name"`
	AdapterType   string         `json:"adapter_type"`
	AdapterConfig map[string]any `json:"adapter_config,omitempty"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	SLA           string         `json:"sla,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Run is one planned or executed occurrence of an integration.
type Run struct {
	ID            string     `json:"id"`
	IntegrationID string     `json:"integration_id"`
	PlannedAt     time.Time  `json:"planned_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        RunStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	Note          string     `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Artifact is a captured file tied to a run.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	ProjectID string

	// IntegrationID restricts to artifacts produced by runs of one integration.
	IntegrationID string

	// Since excludes artifacts created before this instant. Zero means no bound.
	Since time.Time

	Limit int
}

// Secret is an encrypted value scoped to a project and optionally an integration.
type Secret struct {
	ID            string
	ProjectID     string
	IntegrationID string
	Name          string
	Ciphertext    []byte
}

// Notification is an operator-facing record of a failed or missed run.
type Notification struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook formats.
const (
	WebhookFormatSlack = "slack"
	WebhookFormatJSON  = "json"
)

// Webhook is an outbound event endpoint registered for a project.
type Webhook struct {
	ID        string
	ProjectID string
	URL       string
	Format    string
	// Events lists subscribed event names. Empty means all.
	Events  []string
	Enabled bool
}

// Subscribed reports whether the endpoint wants event.
func (w *Webhook) Subscribed(event string) bool {
	if !w.Enabled {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}
