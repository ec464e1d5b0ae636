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

// Package adapter implements the execution strategies of integrations.
//
// Each adapter type is one Adapter implementation registered in a Registry
// keyed by the integration's adapter type. Adapters never retry: any error
// returned from Execute fails the attempt and the runner decides whether to
// reschedule. Every network operation holds limiter slots for its transport
// family and destination host.
package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/jq"
	"github.com/tombee/relay/internal/limiter"
	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/pkg/secrets"
)

// Adapter types.
const (
	TypeHTTPGet           = "http_get"
	TypeHTTPPost          = "http_post"
	TypeHTTPPostMultipart = "http_post_multipart"
	TypeHTTPPut           = "http_put"
	TypeSFTPPull          = "sftp_pull"
	TypeSFTPPush          = "sftp_push"
)

// Adapter executes one attempt of a run.
type Adapter interface {
	Type() string
	Execute(ctx context.Context, exec *Execution) (*Result, error)
}

// Execution is the input of one adapter attempt.
type Execution struct {
	ProjectID   string
	Integration *store.Integration
	Run         *store.Run

	// ScratchDir holds in-flight files. Files under ScratchDir/<run id>
	// survive between attempts of the same run.
	ScratchDir string

	Logger *slog.Logger

	// Masker collects resolved secrets and hides them in persisted text.
	Masker *secrets.Masker
}

// Result is the outcome of a successful attempt.
type Result struct {
	// Note is the human-readable summary written onto the run.
	Note string
}

func (e *Execution) scope() template.Scope {
	return template.Scope{
		ProjectID:     e.ProjectID,
		IntegrationID: e.Integration.ID,
		RunID:         e.Run.ID,
		Masker:        e.Masker,
	}
}

// RunScratchDir is the per-run directory under root that adapters use for
// in-flight files.
func RunScratchDir(root, runID string) string {
	return filepath.Join(root, template.SanitizeFilename(runID))
}

func (e *Execution) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	HTTP      *http.Client
	Limiter   *limiter.Limiter
	Renderer  *template.Renderer
	Artifacts *artifact.Store
	SFTP      sftp.Dialer
	JQ        *jq.Executor

	// Now is the clock used for filename and directory templates.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Registry maps adapter types to implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// NewDefaultRegistry registers the six built-in adapters.
func NewDefaultRegistry(deps *Deps) *Registry {
	if deps.JQ == nil {
		deps.JQ = jq.NewExecutor(0, 0)
	}
	return NewRegistry(
		&HTTPGet{deps: deps},
		&HTTPPost{deps: deps},
		&HTTPPostMultipart{deps: deps},
		&HTTPPut{deps: deps},
		&SFTPPull{deps: deps, filters: newFilterCache()},
		&SFTPPush{deps: deps},
	)
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Type()] = a
}

// Get returns the adapter for adapterType.
func (r *Registry) Get(adapterType string) (Adapter, bool) {
	a, ok := r.adapters[adapterType]
	return a, ok
}

// Types lists the registered adapter types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
