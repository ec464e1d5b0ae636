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
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relay/internal/notify"
)

// Option configures a Runner.
type Option func(*Runner)

// WithNotifier sets where run events and failure notifications go.
func WithNotifier(n *notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithSecretCache sets the per-run secret cache released after each attempt.
func WithSecretCache(c SecretCache) Option {
	return func(r *Runner) {
		r.secrets = c
	}
}

// WithTracer sets the tracer for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithScratchDir sets the root of per-run scratch directories.
func WithScratchDir(dir string) Option {
	return func(r *Runner) {
		if dir != "" {
			r.scratchDir = dir
		}
	}
}

// WithBatchSize caps how many runs one tick claims.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithClaimHorizon lets a tick claim runs planned up to d in the future.
func WithClaimHorizon(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.horizon = d
		}
	}
}

// WithRetryJitter adds a random delay in [0, d) to every retry backoff.
func WithRetryJitter(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.jitter = d
		}
	}
}

// WithClock overrides the runner clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}
