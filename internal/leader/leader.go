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

// Package leader elects the single active engine instance among processes
// sharing one Postgres database.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRetryInterval is how often leadership is re-checked.
const DefaultRetryInterval = 5 * time.Second

// Lock is a non-blocking, session-scoped mutual exclusion primitive.
type Lock interface {
	// TryAcquire attempts to take the lock without waiting.
	TryAcquire(ctx context.Context) (bool, error)

	// Held reports whether this process still owns the lock.
	Held(ctx context.Context) (bool, error)

	// Release gives the lock up and closes its session.
	Release(ctx context.Context) error
}

// Elector manages leader election on top of a Lock.
type Elector struct {
	lock       Lock
	instanceID string
	interval   time.Duration

	mu         sync.RWMutex
	isLeader   bool
	acquiredAt time.Time
	callbacks  []func(isLeader bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// Config contains leader election configuration.
type Config struct {
	// DSN is the Postgres connection string. The elector holds one dedicated
	// connection for the lifetime of its leadership.
	DSN string

	// InstanceID uniquely identifies this engine instance.
	InstanceID string

	// RetryInterval is how often to attempt acquiring leadership.
	RetryInterval time.Duration

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewElector creates an elector backed by a Postgres advisory lock.
func NewElector(cfg Config) *Elector {
	return NewElectorWithLock(NewAdvisoryLock(cfg.DSN, AdvisoryLockID), cfg)
}

// NewElectorWithLock creates an elector over an arbitrary Lock.
func NewElectorWithLock(lock Lock, cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Elector{
		lock:       lock,
		instanceID: cfg.InstanceID,
		interval:   cfg.RetryInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("instance_id", cfg.InstanceID)),
	}
}

// Start begins the leader election process.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop ends the election loop and releases leadership. It is safe to call
// more than once, but only after Start.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// IsLeader returns whether this instance is currently the leader.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback for leadership changes.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tryAcquireLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			e.releaseLeadership(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			e.releaseLeadership(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
				continue
			}
			held, err := e.lock.Held(ctx)
			if err != nil {
				e.logger.Error("failed to verify leadership", slog.Any("error", err))
			}
			if !held {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *Elector) tryAcquireLeadership(ctx context.Context) {
	acquired, err := e.lock.TryAcquire(ctx)
	if err != nil {
		e.logger.Error("failed to acquire leadership", slog.Any("error", err))
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *Elector) releaseLeadership(ctx context.Context) {
	if err := e.lock.Release(ctx); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	if e.IsLeader() {
		e.setLeader(false)
		e.logger.Info("released leadership")
	}
}

// setLeader updates the leader status and notifies callbacks.
func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	if isLeader && !wasLeader {
		e.acquiredAt = time.Now()
	}
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status contains information about leadership status.
type Status struct {
	InstanceID string    `json:"instance_id"`
	IsLeader   bool      `json:"is_leader"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
}

// Status returns the current leadership status.
func (e *Elector) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Status{InstanceID: e.instanceID, IsLeader: e.isLeader}
	if e.isLeader {
		s.AcquiredAt = e.acquiredAt
	}
	return s
}
