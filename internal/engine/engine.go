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

// Package engine owns the planner, SLA monitor and runner timers and wires
// every component together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/relay/internal/log"
)

// Tick names accepted by TickOnce.
const (
	TickPlan = "plan"
	TickSLA  = "sla"
	TickRun  = "run"
)

// Default timer intervals.
const (
	DefaultPlanInterval    = 2 * time.Minute
	DefaultSLAInterval     = 5 * time.Minute
	DefaultRunInterval     = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Minute
)

// Planner inserts planned runs.
type Planner interface {
	Tick(ctx context.Context) (int, error)
}

// Monitor sweeps for missed runs and refreshes next-run caches.
type Monitor interface {
	Sweep(ctx context.Context) (int, error)
	RefreshNextRuns(ctx context.Context) error
}

// Runner executes due runs.
type Runner interface {
	Tick(ctx context.Context) (int, error)
}

// Leader gates ticks when several engines share a database.
type Leader interface {
	IsLeader() bool
}

// Engine runs three independent timers. Ticks of different timers may
// interleave; ticks of the same timer never overlap.
type Engine struct {
	planner Planner
	monitor Monitor
	runner  Runner
	leader  Leader
	logger  *slog.Logger

	planInterval    time.Duration
	slaInterval     time.Duration
	runInterval     time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithIntervals overrides the timer intervals. Non-positive values keep
// the defaults.
func WithIntervals(plan, sla, run time.Duration) Option {
	return func(e *Engine) {
		if plan > 0 {
			e.planInterval = plan
		}
		if sla > 0 {
			e.slaInterval = sla
		}
		if run > 0 {
			e.runInterval = run
		}
	}
}

// WithLeader skips every tick while l is not the leader.
func WithLeader(l Leader) Option {
	return func(e *Engine) { e.leader = l }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight ticks.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.shutdownTimeout = d
		}
	}
}

// New creates an engine.
func New(planner Planner, monitor Monitor, runner Runner, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		planner:         planner,
		monitor:         monitor,
		runner:          runner,
		logger:          logger,
		planInterval:    DefaultPlanInterval,
		slaInterval:     DefaultSLAInterval,
		runInterval:     DefaultRunInterval,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the timers. Each timer ticks once immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.logger.Info("engine starting",
		slog.Duration("plan_interval", e.planInterval),
		slog.Duration("sla_interval", e.slaInterval),
		slog.Duration("run_interval", e.runInterval))

	for _, t := range []struct {
		name     string
		interval time.Duration
	}{
		{TickPlan, e.planInterval},
		{TickSLA, e.slaInterval},
		{TickRun, e.runInterval},
	} {
		e.wg.Add(1)
		go e.loop(ctx, e.stopCh, t.name, t.interval)
	}
}

// Stop signals the timers and waits for in-flight ticks, up to the
// shutdown timeout. A tick still running after the timeout keeps running
// in the background and an error is returned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-time.After(e.shutdownTimeout):
		return fmt.Errorf("engine did not stop within %s", e.shutdownTimeout)
	}
}

// TickOnce runs a single tick of the named timer, ignoring leadership.
func (e *Engine) TickOnce(ctx context.Context, name string) error {
	fn, err := e.tickFunc(name)
	if err != nil {
		return err
	}
	return log.Tick(ctx, e.logger, name, fn)
}

func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}, name string, interval time.Duration) {
	defer e.wg.Done()

	fn, _ := e.tickFunc(name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(ctx, name, fn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			e.tick(ctx, name, fn)
		}
	}
}

func (e *Engine) tick(ctx context.Context, name string, fn func(context.Context) error) {
	if e.leader != nil && !e.leader.IsLeader() {
		e.logger.Debug("tick skipped, not leader", slog.String("tick", name))
		return
	}
	// Failures are logged by log.Tick; the next tick retries.
	_ = log.Tick(ctx, e.logger, name, fn)
}

func (e *Engine) tickFunc(name string) (func(context.Context) error, error) {
	switch name {
	case TickPlan:
		return func(ctx context.Context) error {
			_, err := e.planner.Tick(ctx)
			return err
		}, nil
	case TickSLA:
		return func(ctx context.Context) error {
			if _, err := e.monitor.Sweep(ctx); err != nil {
				return err
			}
			return e.monitor.RefreshNextRuns(ctx)
		}, nil
	case TickRun:
		return func(ctx context.Context) error {
			_, err := e.runner.Tick(ctx)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown tick %q (want %s, %s or %s)", name, TickPlan, TickSLA, TickRun)
	}
}
