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
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relay/internal/adapter"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/notify"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
	"github.com/tombee/relay/pkg/secrets"
)

// Defaults for a runner tick.
const (
	DefaultBatchSize    = 10
	DefaultClaimHorizon = 30 * time.Second

	// NoAdapterNote is written on runs whose adapter type is not registered.
	NoAdapterNote = "no adapter configured"

	maxNoteLength = 2000
)

// Store is the storage used by the runner.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*store.Integration, error)
	ClaimDueRuns(ctx context.Context, horizon, startedAt time.Time, limit int) ([]*store.Run, error)
	CompleteRun(ctx context.Context, id string, finishedAt time.Time, durationMS int64, note string) error
	RescheduleRun(ctx context.Context, id string, plannedAt time.Time, note string) error
	FailRun(ctx context.Context, id string, finishedAt time.Time, note string) error
}

// SecretCache is released after every attempt.
type SecretCache interface {
	Forget(runID string)
}

// Runner claims due runs and executes them through the adapter registry.
type Runner struct {
	store      Store
	registry   *adapter.Registry
	notifier   *notify.Notifier
	secrets    SecretCache
	tracer     trace.Tracer
	scratchDir string
	batchSize  int
	horizon    time.Duration
	jitter     time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a runner.
func New(st Store, registry *adapter.Registry, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:      st,
		registry:   registry,
		scratchDir: os.TempDir(),
		batchSize:  DefaultBatchSize,
		horizon:    DefaultClaimHorizon,
		now:        time.Now,
		logger:     log.WithComponent(logger, "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick claims up to one batch of due runs and processes them oldest first.
// It returns the number of runs processed. Adapters execute on a context
// detached from ctx and are never interrupted.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	now := r.now().UTC()
	runs, err := r.store.ClaimDueRuns(ctx, now.Add(r.horizon), now, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "claiming due runs")
	}
	if len(runs) > 0 {
		r.logger.Debug("claimed runs", slog.Int("count", len(runs)))
	}

	// Claimed runs are already running, so the whole batch is finished even
	// when ctx is cancelled mid-tick.
	execCtx := context.WithoutCancel(ctx)
	for _, run := range runs {
		r.process(execCtx, run)
	}
	return len(runs), nil
}

func (r *Runner) process(ctx context.Context, run *store.Run) {
	corrID := tracing.NewCorrelationID()
	ctx = tracing.ToContext(ctx, corrID)
	logger := log.WithCorrelationID(log.WithRunContext(r.logger, run.ID, run.IntegrationID), corrID.String()).
		With(slog.Int(log.AttemptKey, run.Attempts))

	if r.secrets != nil {
		defer r.secrets.Forget(run.ID)
	}

	in, err := r.store.GetIntegration(ctx, run.IntegrationID)
	if errors.IsNotFound(err) {
		r.fail(ctx, logger, run, nil, "", fmt.Errorf("integration %s no longer exists", run.IntegrationID))
		return
	}
	if err != nil {
		r.retryOrFail(ctx, logger, run, nil, "", errors.Wrap(err, "loading integration"))
		return
	}

	logger = log.WithAdapter(logger, in.AdapterType).With(slog.String(log.ProjectIDKey, in.ProjectID))

	ctx, span := safeStartSpan(ctx, r.tracer, "relay.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("relay.run_id", run.ID),
			attribute.String("relay.integration_id", in.ID),
			attribute.String("relay.adapter", in.AdapterType),
			attribute.Int("relay.attempt", run.Attempts),
			attribute.String("relay.correlation_id", corrID.String()),
		))
	defer safeEndSpan(span)

	a, ok := r.registry.Get(in.AdapterType)
	if !ok {
		logger.Warn(NoAdapterNote)
		r.succeed(ctx, logger, run, in, NoAdapterNote)
		safeSetOK(span)
		return
	}

	masker := secrets.NewMasker()
	logger.Info("run started")
	res, err := execute(ctx, a, &adapter.Execution{
		ProjectID:   in.ProjectID,
		Integration: in,
		Run:         run,
		ScratchDir:  r.scratchDir,
		Logger:      logger,
		Masker:      masker,
	})
	if err != nil {
		safeRecordError(span, err)
		note := masker.Mask(err.Error())
		r.retryOrFail(ctx, logger, run, in, note, err)
		return
	}

	note := ""
	if res != nil {
		note = masker.Mask(res.Note)
	}
	safeSetAttributes(span, attribute.String("relay.note", note))
	safeSetOK(span)
	r.succeed(ctx, logger, run, in, note)
}

// execute runs one adapter attempt. A panicking adapter fails the attempt
// instead of the process.
func execute(ctx context.Context, a adapter.Adapter, exec *adapter.Execution) (res *adapter.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("adapter %s panicked: %v", a.Type(), p)
		}
	}()
	return a.Execute(ctx, exec)
}

func (r *Runner) succeed(ctx context.Context, logger *slog.Logger, run *store.Run, in *store.Integration, note string) {
	finished := r.now().UTC()
	elapsed := r.elapsed(run, finished)

	if err := r.store.CompleteRun(ctx, run.ID, finished, elapsed.Milliseconds(), errors.Truncate(note, maxNoteLength)); err != nil {
		logger.Error("failed to complete run", log.Error(err))
		return
	}
	r.cleanScratch(logger, run)

	metrics.RecordRun(in.AdapterType, string(store.StatusSuccess), elapsed)
	logger.Info("run succeeded", slog.Int64(log.DurationKey, elapsed.Milliseconds()), slog.String("note", note))

	if r.notifier != nil {
		r.notifier.Emit(ctx, notify.NewEvent(notify.EventRunSuccess, in, run))
	}
}

// retryOrFail consumes one retry if any remain, otherwise fails the run.
func (r *Runner) retryOrFail(ctx context.Context, logger *slog.Logger, run *store.Run, in *store.Integration, note string, cause error) {
	if note == "" {
		note = cause.Error()
	}

	maxRetries := adapter.DefaultRetries
	if in != nil {
		maxRetries = adapter.MaxRetries(in.AdapterConfig)
	}
	if run.Attempts > maxRetries {
		r.fail(ctx, logger, run, in, note, cause)
		return
	}

	delay := Backoff(run.Attempts)
	if r.jitter > 0 {
		delay += rand.N(r.jitter)
	}
	next := r.now().UTC().Add(delay)
	retryNote := errors.Truncate(fmt.Sprintf("Retry %d/%d: %s", run.Attempts, maxRetries, note), maxNoteLength)

	if err := r.store.RescheduleRun(ctx, run.ID, next, retryNote); err != nil {
		logger.Error("failed to reschedule run", log.Error(err))
		return
	}

	metrics.RecordRun(adapterType(in), "retry", r.elapsed(run, r.now().UTC()))
	logger.Warn("run attempt failed, retrying",
		slog.Time("retry_at", next),
		slog.Duration("backoff", delay),
		slog.String("error_type", errors.Type(cause)),
		slog.String("note", note))
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, run *store.Run, in *store.Integration, note string, cause error) {
	if note == "" {
		note = cause.Error()
	}
	finished := r.now().UTC()
	note = errors.Truncate(note, maxNoteLength)

	if err := r.store.FailRun(ctx, run.ID, finished, note); err != nil {
		logger.Error("failed to mark run failed", log.Error(err))
		return
	}
	r.cleanScratch(logger, run)

	metrics.RecordRun(adapterType(in), string(store.StatusFailed), r.elapsed(run, finished))

	var integrity *errors.IntegrityError
	if errors.As(cause, &integrity) {
		logger.Error("run failed integrity check", slog.String("note", note))
	} else {
		logger.Warn("run failed", slog.String("error_type", errors.Type(cause)), slog.String("note", note))
	}

	if r.notifier == nil {
		return
	}
	if in != nil {
		r.notifier.Record(ctx, &store.Notification{
			ProjectID: in.ProjectID,
			RunID:     run.ID,
			Kind:      notify.EventRunFailed,
			Title:     "Integration failed: " + in.Name,
			Body:      note,
		})
	}
	ev := notify.NewEvent(notify.EventRunFailed, in, run)
	ev.Error = note
	r.notifier.Emit(ctx, ev)
}

func (r *Runner) elapsed(run *store.Run, finished time.Time) time.Duration {
	if run.StartedAt == nil {
		return 0
	}
	return max(finished.Sub(*run.StartedAt), 0)
}

// cleanScratch removes a finished run's scratch directory. Retries keep it
// so that partial downloads can resume.
func (r *Runner) cleanScratch(logger *slog.Logger, run *store.Run) {
	if err := os.RemoveAll(adapter.RunScratchDir(r.scratchDir, run.ID)); err != nil {
		logger.Warn("failed to remove scratch directory", log.Error(err))
	}
}

func adapterType(in *store.Integration) string {
	if in == nil {
		return "unknown"
	}
	return in.AdapterType
}
