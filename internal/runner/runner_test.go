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

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/adapter"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/notify"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/store/sqlstore"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
)

var baseTime = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	typ   string
	calls int
	fn    func(ctx context.Context, exec *adapter.Execution) (*adapter.Result, error)
}

func (f *fakeAdapter) Type() string { return f.typ }

func (f *fakeAdapter) Execute(ctx context.Context, exec *adapter.Execution) (*adapter.Result, error) {
	f.calls++
	return f.fn(ctx, exec)
}

type captureSink struct{ events []*notify.Event }

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(_ context.Context, ev *notify.Event) error {
	c.events = append(c.events, ev)
	return nil
}

type forgetCounter struct{ forgotten []string }

func (f *forgetCounter) Forget(runID string) { f.forgotten = append(f.forgotten, runID) }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	store   *sqlstore.Store
	clock   *clock
	sink    *captureSink
	secrets *forgetCounter
	scratch string
	runner  *Runner
}

func newHarness(t *testing.T, adapters ...adapter.Adapter) *harness {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver:      sqlstore.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "relay.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:   st,
		clock:   &clock{now: baseTime},
		sink:    &captureSink{},
		secrets: &forgetCounter{},
		scratch: t.TempDir(),
	}
	n := notify.New(st, log.Discard(), notify.WithSink(h.sink), notify.WithClock(h.clock.Now))
	h.runner = New(st, adapter.NewRegistry(adapters...), log.Discard(),
		WithNotifier(n),
		WithSecretCache(h.secrets),
		WithScratchDir(h.scratch),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) integration(t *testing.T, id, adapterType string, cfg map[string]any) {
	t.Helper()
	require.NoError(t, h.store.SaveIntegration(context.Background(), &store.Integration{
		ID: id, ProjectID: "proj-1", Name: "integration " + id, AdapterType: adapterType, AdapterConfig: cfg,
	}))
}

func (h *harness) plan(t *testing.T, id, integrationID string, at time.Time) {
	t.Helper()
	created, err := h.store.CreateRun(context.Background(), &store.Run{ID: id, IntegrationID: integrationID, PlannedAt: at})
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) get(t *testing.T, id string) *store.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (h *harness) tick(t *testing.T) int {
	t.Helper()
	n, err := h.runner.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 16 * time.Minute},
		{5, 30 * time.Minute},
		{6, 30 * time.Minute},
		{64, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestTick_Success(t *testing.T) {
	ok := &fakeAdapter{typ: "fake", fn: func(_ context.Context, exec *adapter.Execution) (*adapter.Result, error) {
		exec.Masker.AddSecret("tok-s3cr3t")
		assert.Equal(t, "proj-1", exec.ProjectID)
		return &adapter.Result{Note: "sent with tok-s3cr3t"}, nil
	}}
	h := newHarness(t, ok)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	// Leftovers from earlier attempts are removed once the run finishes.
	scratch := adapter.RunScratchDir(h.scratch, "run-1")
	require.NoError(t, os.MkdirAll(scratch, 0o750))

	assert.Equal(t, 1, h.tick(t))

	run := h.get(t, "run-1")
	assert.Equal(t, store.StatusSuccess, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.Equal(t, "sent with ***", run.Note)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.DurationMS)

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, notify.EventRunSuccess, h.sink.events[0].Event)
	assert.Equal(t, []string{"run-1"}, h.secrets.forgotten)
	assert.NoDirExists(t, scratch)
}

func TestTick_CorrelationIDInContext(t *testing.T) {
	var seen tracing.CorrelationID
	a := &fakeAdapter{typ: "fake", fn: func(ctx context.Context, _ *adapter.Execution) (*adapter.Result, error) {
		seen = tracing.FromContextOrEmpty(ctx)
		return &adapter.Result{}, nil
	}}
	h := newHarness(t, a)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	assert.True(t, seen.IsValid())
}

func TestTick_UnknownAdapterSucceeds(t *testing.T) {
	h := newHarness(t)
	h.integration(t, "int-1", "carrier_pigeon", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	run := h.get(t, "run-1")
	assert.Equal(t, store.StatusSuccess, run.Status)
	assert.Equal(t, NoAdapterNote, run.Note)
}

func TestTick_RetriesThenFails(t *testing.T) {
	failing := &fakeAdapter{typ: "fake", fn: func(context.Context, *adapter.Execution) (*adapter.Result, error) {
		return nil, &errors.TransportError{Op: "GET", Host: "example.com", StatusCode: 503}
	}}
	h := newHarness(t, failing)
	h.integration(t, "int-1", "fake", map[string]any{"retries": float64(2)})
	h.plan(t, "run-1", "int-1", baseTime)

	// Attempt 1 fails and is replanned 2 minutes out.
	h.tick(t)
	run := h.get(t, "run-1")
	assert.Equal(t, store.StatusPlanned, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.True(t, run.PlannedAt.Equal(baseTime.Add(2*time.Minute)), run.PlannedAt)
	assert.Nil(t, run.FinishedAt)
	assert.Contains(t, run.Note, "Retry 1/2: ")

	// Not yet due: the claim horizon is 30s.
	h.clock.now = baseTime.Add(time.Minute)
	assert.Zero(t, h.tick(t))

	// Attempt 2 fails and is replanned 4 minutes out.
	h.clock.now = baseTime.Add(2 * time.Minute)
	h.tick(t)
	run = h.get(t, "run-1")
	assert.Equal(t, store.StatusPlanned, run.Status)
	assert.Equal(t, 2, run.Attempts)
	assert.True(t, run.PlannedAt.Equal(baseTime.Add(6*time.Minute)), run.PlannedAt)
	assert.Contains(t, run.Note, "Retry 2/2: ")

	// Attempt 3 exhausts the retries.
	h.clock.now = baseTime.Add(6 * time.Minute)
	h.tick(t)
	run = h.get(t, "run-1")
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	require.NotNil(t, run.FinishedAt)
	assert.NotContains(t, run.Note, "Retry")
	assert.Equal(t, 3, failing.calls)

	// Failed runs are terminal.
	h.clock.now = baseTime.Add(time.Hour)
	assert.Zero(t, h.tick(t))

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, notify.EventRunFailed, h.sink.events[0].Event)
	assert.NotEmpty(t, h.sink.events[0].Error)

	notes, err := h.store.ListNotifications(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.EventRunFailed, notes[0].Kind)
}

func TestTick_ZeroRetriesFailsImmediately(t *testing.T) {
	failing := &fakeAdapter{typ: "fake", fn: func(context.Context, *adapter.Execution) (*adapter.Result, error) {
		return nil, &errors.IntegrityError{Name: "a.csv", Algorithm: "sha256", Expected: "aa", Actual: "bb"}
	}}
	h := newHarness(t, failing)
	h.integration(t, "int-1", "fake", map[string]any{"retries": float64(0)})
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	assert.Equal(t, store.StatusFailed, h.get(t, "run-1").Status)
}

func TestTick_ErrorNoteIsMasked(t *testing.T) {
	failing := &fakeAdapter{typ: "fake", fn: func(_ context.Context, exec *adapter.Execution) (*adapter.Result, error) {
		exec.Masker.AddSecret("hunter22")
		return nil, errors.New("login as admin:hunter22 refused")
	}}
	h := newHarness(t, failing)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	run := h.get(t, "run-1")
	assert.Equal(t, "Retry 1/2: login as admin:*** refused", run.Note)
}

func TestTick_PanicFailsAttempt(t *testing.T) {
	boom := &fakeAdapter{typ: "fake", fn: func(context.Context, *adapter.Execution) (*adapter.Result, error) {
		panic("nil map")
	}}
	h := newHarness(t, boom)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	run := h.get(t, "run-1")
	assert.Equal(t, store.StatusPlanned, run.Status)
	assert.Contains(t, run.Note, "panicked: nil map")
}

type missingIntegrations struct{ *sqlstore.Store }

func (m missingIntegrations) GetIntegration(_ context.Context, id string) (*store.Integration, error) {
	return nil, &errors.NotFoundError{Resource: "integration", ID: id}
}

func TestTick_MissingIntegrationFails(t *testing.T) {
	h := newHarness(t)
	h.integration(t, "int-1", "fake", map[string]any{"retries": float64(5)})
	h.plan(t, "run-1", "int-1", baseTime)

	r := New(missingIntegrations{h.store}, adapter.NewRegistry(), log.Discard(), WithClock(h.clock.Now))
	_, err := r.Tick(context.Background())
	require.NoError(t, err)

	run := h.get(t, "run-1")
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Contains(t, run.Note, "no longer exists")
}

func TestTick_BatchOldestFirst(t *testing.T) {
	var order []string
	a := &fakeAdapter{typ: "fake", fn: func(_ context.Context, exec *adapter.Execution) (*adapter.Result, error) {
		order = append(order, exec.Run.ID)
		return &adapter.Result{}, nil
	}}
	h := newHarness(t, a)
	h.runner.batchSize = 2
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "late", "int-1", baseTime.Add(-time.Minute))
	h.plan(t, "early", "int-1", baseTime.Add(-3*time.Minute))
	h.plan(t, "middle", "int-1", baseTime.Add(-2*time.Minute))
	h.plan(t, "future", "int-1", baseTime.Add(time.Hour))

	assert.Equal(t, 2, h.tick(t))
	assert.Equal(t, []string{"early", "middle"}, order)

	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, []string{"early", "middle", "late"}, order)
	assert.Equal(t, store.StatusPlanned, h.get(t, "future").Status)
}

func TestTick_AdaptersIgnoreTickCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs []error
	a := &fakeAdapter{typ: "fake", fn: func(ctx context.Context, _ *adapter.Execution) (*adapter.Result, error) {
		cancel()
		errs = append(errs, ctx.Err())
		return &adapter.Result{}, nil
	}}
	h := newHarness(t, a)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime.Add(-time.Minute))
	h.plan(t, "run-2", "int-1", baseTime)

	n, err := h.runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []error{nil, nil}, errs)
	assert.Equal(t, store.StatusSuccess, h.get(t, "run-2").Status)
}

func TestTick_RetryJitter(t *testing.T) {
	failing := &fakeAdapter{typ: "fake", fn: func(context.Context, *adapter.Execution) (*adapter.Result, error) {
		return nil, errors.New("boom")
	}}
	h := newHarness(t, failing)
	WithRetryJitter(time.Minute)(h.runner)
	h.integration(t, "int-1", "fake", nil)
	h.plan(t, "run-1", "int-1", baseTime)

	h.tick(t)
	run := h.get(t, "run-1")
	delay := run.PlannedAt.Sub(baseTime)
	assert.GreaterOrEqual(t, delay, 2*time.Minute)
	assert.Less(t, delay, 3*time.Minute)
}
