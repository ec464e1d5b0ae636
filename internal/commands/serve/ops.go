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

package serve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/relay/internal/leader"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
)

// healthCheckTimeout bounds the database ping behind /healthz.
const healthCheckTimeout = 2 * time.Second

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatusProvider reports leadership. Nil when leader election is off.
type StatusProvider interface {
	Status() leader.Status
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Leader   *leader.Status `json:"leader,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// NewOpsHandler serves /metrics and /healthz.
func NewOpsHandler(db Pinger, status StatusProvider, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := HealthResponse{Status: "ok", Database: "ok"}
		code := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Database = "unreachable"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
		if status != nil {
			s := status.Status()
			resp.Leader = &s
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return log.HTTPMiddleware(logger, mux)
}
