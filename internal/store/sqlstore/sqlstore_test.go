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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:      DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "relay.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedIntegration(t *testing.T, s *Store, id string) *store.Integration {
	t.Helper()
	in := &store.Integration{
		ID:            id,
		ProjectID:     "proj-1",
		Name:          "nightly export " + id,
		AdapterType:   "http_get",
		AdapterConfig: map[string]any{"url": "https://example.com/data.csv", "retries": float64(1)},
		CronExpr:      "*/5 * * * *",
		Timezone:      "Europe/London",
		SLA:           "10m",
	}
	require.NoError(t, s.SaveIntegration(context.Background(), in))
	return in
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DriverPostgres}
	assert.Equal(t, "SELECT * FROM runs WHERE id = $1 AND status = $2", pg.rebind("SELECT * FROM runs WHERE id = ? AND status = ?"))

	lite := &Store{dialect: DriverSQLite}
	assert.Equal(t, "WHERE id = ?", lite.rebind("WHERE id = ?"))
}

func TestIntegrations(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")
	require.NoError(t, s.SaveIntegration(ctx, &store.Integration{
		ID: "manual", ProjectID: "proj-1", Name: "manual only", AdapterType: "http_post",
	}))

	got, err := s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", got.Timezone)
	assert.Equal(t, "https://example.com/data.csv", got.AdapterConfig["url"])
	assert.Nil(t, got.NextRunAt)

	scheduled, err := s.ListScheduledIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "int-1", scheduled[0].ID)

	next := time.Date(2025, 3, 5, 10, 5, 0, 0, time.UTC)
	require.NoError(t, s.SetNextRunAt(ctx, "int-1", &next))
	got, err = s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	_, err = s.GetIntegration(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateRun_Dedup(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")

	planned := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	created, err := s.CreateRun(ctx, &store.Run{IntegrationID: "int-1", PlannedAt: planned})
	require.NoError(t, err)
	assert.True(t, created)

	for i := 0; i < 3; i++ {
		created, err = s.CreateRun(ctx, &store.Run{IntegrationID: "int-1", PlannedAt: planned})
		require.NoError(t, err)
		assert.False(t, created)
	}

	runs, err := s.ListRuns(ctx, "int-1", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClaimDueRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")

	base := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	// Insert out of order; claim must return oldest first.
	for _, offset := range []time.Duration{2 * time.Minute, 0, time.Minute, time.Hour} {
		_, err := s.CreateRun(ctx, &store.Run{IntegrationID: "int-1", PlannedAt: base.Add(offset)})
		require.NoError(t, err)
	}

	started := base.Add(90 * time.Second)
	claimed, err := s.ClaimDueRuns(ctx, started.Add(30*time.Second), started, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.True(t, claimed[0].PlannedAt.Equal(base))
	assert.True(t, claimed[1].PlannedAt.Equal(base.Add(time.Minute)))
	for _, r := range claimed {
		assert.Equal(t, store.StatusRunning, r.Status)
		assert.Equal(t, 1, r.Attempts)
		require.NotNil(t, r.StartedAt)
		assert.True(t, started.Equal(*r.StartedAt))
	}

	again, err := s.ClaimDueRuns(ctx, started.Add(30*time.Second), started, 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "only the +2m run is still planned within the horizon")
	assert.True(t, again[0].PlannedAt.Equal(base.Add(2*time.Minute)))
}

func TestRunTransitions(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")
	now := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	run := &store.Run{IntegrationID: "int-1", PlannedAt: now}
	_, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	claimed, err := s.ClaimDueRuns(ctx, now, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retryAt := now.Add(2 * time.Minute)
	require.NoError(t, s.RescheduleRun(ctx, run.ID, retryAt, "Retry 1/2: boom"))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPlanned, got.Status)
	assert.True(t, retryAt.Equal(got.PlannedAt))
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, "Retry 1/2: boom", got.Note)

	_, err = s.ClaimDueRuns(ctx, retryAt, retryAt, 10)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, run.ID, retryAt.Add(1500*time.Millisecond), 1500, "downloaded 10 bytes"))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(1500), *got.DurationMS)

	// Completed runs cannot transition again.
	err = s.FailRun(ctx, run.ID, now, "late")
	assert.True(t, errors.IsNotFound(err))
}

func TestMarkMissed_NeverClaimed(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")
	planned := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	run := &store.Run{IntegrationID: "int-1", PlannedAt: planned}
	_, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	due, err := s.ListPlannedBefore(ctx, planned)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.MarkMissed(ctx, run.ID, planned.Add(15*time.Minute), "missed SLA")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkMissed(ctx, run.ID, planned.Add(20*time.Minute), "missed SLA")
	require.NoError(t, err)
	assert.False(t, ok, "second sweep must not touch a missed run")

	claimed, err := s.ClaimDueRuns(ctx, planned.Add(time.Hour), planned.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")
	seedIntegration(t, s, "int-2")
	base := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	r1 := &store.Run{IntegrationID: "int-1", PlannedAt: base}
	r2 := &store.Run{IntegrationID: "int-2", PlannedAt: base}
	_, err := s.CreateRun(ctx, r1)
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, r2)
	require.NoError(t, err)

	for i, a := range []*store.Artifact{
		{ID: "a1", RunID: r1.ID, Name: "old.csv"},
		{ID: "a2", RunID: r1.ID, Name: "new.csv"},
		{ID: "a3", RunID: r2.ID, Name: "other.csv"},
	} {
		a.ProjectID = "proj-1"
		a.ContentType = "text/csv"
		a.StoragePath = "proj-1/" + a.RunID + "/" + a.ID
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.InsertArtifact(ctx, a))
	}

	all, err := s.ListArtifacts(ctx, store.ArtifactFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID)

	scoped, err := s.ListArtifacts(ctx, store.ArtifactFilter{ProjectID: "proj-1", IntegrationID: "int-1", Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "new.csv", scoped[0].Name)
}

func TestSecretsAndWebhooks(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedIntegration(t, s, "int-1")

	require.NoError(t, s.SaveSecret(ctx, &store.Secret{ProjectID: "proj-1", Name: "token", Ciphertext: []byte{1, 2, 3}}))
	require.NoError(t, s.SaveSecret(ctx, &store.Secret{ProjectID: "proj-1", IntegrationID: "int-1", Name: "token", Ciphertext: []byte{4, 5}}))

	secrets, err := s.FindSecrets(ctx, "proj-1", "token")
	require.NoError(t, err)
	require.Len(t, secrets, 2)

	require.NoError(t, s.SaveWebhook(ctx, &store.Webhook{ProjectID: "proj-1", URL: "https://hooks.example.com", Format: store.WebhookFormatSlack, Events: []string{"run_failed"}, Enabled: true}))
	hooks, err := s.ListWebhooks(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.True(t, hooks[0].Subscribed("run_failed"))
	assert.False(t, hooks[0].Subscribed("run_success"))

	require.NoError(t, s.InsertNotification(ctx, &store.Notification{ProjectID: "proj-1", Kind: "run_failed", Title: "t", Body: "b"}))
	notes, err := s.ListNotifications(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}
