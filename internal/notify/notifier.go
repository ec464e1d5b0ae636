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

// Package notify records operator notifications and fans run events out to
// webhook endpoints and Redis.
//
// Delivery is best effort. A sink failure is logged and counted but never
// changes the outcome of the run that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
)

// DefaultDeliveryTimeout bounds a single sink delivery.
const DefaultDeliveryTimeout = 10 * time.Second

// Sink delivers events to one transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev *Event) error
}

// Notifier owns notification rows and the configured sinks.
type Notifier struct {
	store   store.NotificationStore
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSink adds a delivery sink.
func WithSink(s Sink) Option {
	return func(n *Notifier) {
		if s != nil {
			n.sinks = append(n.sinks, s)
		}
	}
}

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier.
func New(st store.NotificationStore, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		store:   st,
		timeout: DefaultDeliveryTimeout,
		now:     time.Now,
		logger:  log.WithComponent(logger, "notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Sinks returns the names of the configured sinks.
func (n *Notifier) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Record inserts a notification row. Failures are logged.
func (n *Notifier) Record(ctx context.Context, note *store.Notification) {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now().UTC()
	}
	if err := n.store.InsertNotification(ctx, note); err != nil {
		n.logger.Error("failed to record notification",
			slog.String(log.ProjectIDKey, note.ProjectID),
			slog.String(log.RunIDKey, note.RunID),
			slog.String("kind", note.Kind),
			log.Error(err))
	}
}

// Emit stamps ev and delivers it to every sink in turn.
func (n *Notifier) Emit(ctx context.Context, ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now().UTC()
	}

	for _, sink := range n.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := sink.Send(sendCtx, ev)
		cancel()

		if err != nil {
			metrics.RecordEvent(ev.Event, sink.Name(), "error")
			n.logger.Warn("event delivery failed",
				slog.String(log.EventKey, ev.Event),
				slog.String("sink", sink.Name()),
				slog.String(log.RunIDKey, ev.RunID),
				log.Error(err))
			continue
		}
		metrics.RecordEvent(ev.Event, sink.Name(), "ok")
	}

	n.logger.Debug("event emitted",
		slog.String(log.EventKey, ev.Event),
		slog.String(log.IntegrationIDKey, ev.Integration.ID),
		slog.String(log.RunIDKey, ev.RunID))
}
