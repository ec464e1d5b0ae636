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

// Package metrics holds the Prometheus collectors exported by relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// runsTotal tracks finished run attempts by adapter and outcome
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_total",
			Help: "Run attempts by adapter type and outcome (success, retry, failed)",
		},
		[]string{"adapter", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_run_duration_seconds",
			Help:    "Adapter execution time by adapter type",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"adapter"},
	)

	runsPlanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_runs_planned_total",
			Help: "Planned runs inserted by the scheduler",
		},
	)

	runsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_runs_missed_total",
			Help: "Planned runs marked missed by the SLA monitor",
		},
	)

	scheduleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_schedule_errors_total",
			Help: "Integrations skipped during planning because of an invalid schedule",
		},
	)

	limiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_limiter_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot by key family",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"family"},
	)

	limiterInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_limiter_in_use",
			Help: "Concurrency slots currently held by key family",
		},
		[]string{"family"},
	)

	artifactBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_artifacts_bytes_total",
			Help: "Bytes persisted as artifacts",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Outbound event deliveries by event, sink and outcome",
		},
		[]string{"event", "sink", "outcome"},
	)
)

// RecordRun counts a run attempt outcome and its duration.
func RecordRun(adapter, status string, d time.Duration) {
	runsTotal.WithLabelValues(adapter, status).Inc()
	runDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

// RecordPlanned counts inserted planned runs.
func RecordPlanned(n int) {
	runsPlanned.Add(float64(n))
}

// RecordMissed counts runs marked missed.
func RecordMissed() {
	runsMissed.Inc()
}

// RecordScheduleError counts an integration skipped during planning.
func RecordScheduleError() {
	scheduleErrors.Inc()
}

// ObserveLimiterWait records time spent queued for a slot.
func ObserveLimiterWait(family string, d time.Duration) {
	limiterWait.WithLabelValues(family).Observe(d.Seconds())
}

// LimiterAcquired and LimiterReleased track held slots.
func LimiterAcquired(family string) { limiterInUse.WithLabelValues(family).Inc() }

func LimiterReleased(family string) { limiterInUse.WithLabelValues(family).Dec() }

// RecordArtifactBytes counts persisted artifact bytes.
func RecordArtifactBytes(n int64) {
	artifactBytes.Add(float64(n))
}

// RecordEvent counts one event delivery attempt.
func RecordEvent(event, sink, outcome string) {
	eventsTotal.WithLabelValues(event, sink, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
