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

// Package template substitutes placeholders in adapter configuration and
// renders file names and remote paths.
//
// Payload placeholders have the form ${KIND:NAME} or ${KIND}:
//
//	${SECRET:api_token}   decrypted secret, integration scope first
//	${ENV:HOME}           process environment
//	${NOW_ISO}            current UTC time, ISO-8601 with milliseconds
//	${RUN_ID}             identifier of the executing run
//	${INTEGRATION_ID}     identifier of the integration
//
// Unknown kinds and missing values render as the empty string. A template
// with a typo therefore degrades instead of failing a scheduled run.
package template

import (
	"context"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/relay/internal/secrets"
	pkgsecrets "github.com/tombee/relay/pkg/secrets"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Z_]+)(?::([^}]*))?\}`)

// isoMillis matches JavaScript's Date.toISOString output.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// SecretLookup resolves secret references.
type SecretLookup interface {
	Resolve(ctx context.Context, ref secrets.Ref) (string, error)
}

// Scope carries the identifiers available to a rendering.
type Scope struct {
	ProjectID     string
	IntegrationID string
	RunID         string

	// Masker, when set, receives every resolved secret value.
	Masker *pkgsecrets.Masker
}

// Renderer substitutes placeholders.
type Renderer struct {
	secrets   SecretLookup
	lookupEnv func(string) (string, bool)
	now       func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithEnv overrides environment lookup.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(r *Renderer) { r.lookupEnv = lookup }
}

// New creates a renderer. secrets may be nil, in which case every secret
// renders empty.
func New(secrets SecretLookup, opts ...Option) *Renderer {
	r := &Renderer{
		secrets:   secrets,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render walks strings, []any and map[string]any, substituting
// placeholders in every string. Other values are returned as-is. The input
// is not modified.
func (r *Renderer) Render(ctx context.Context, scope Scope, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.RenderString(ctx, scope, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := r.Render(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.Render(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			rendered, err := r.RenderString(ctx, scope, item)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderMap renders a string map, such as headers or form fields.
func (r *Renderer) RenderMap(ctx context.Context, scope Scope, m map[string]string) (map[string]string, error) {
	out, err := r.Render(ctx, scope, m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]string), nil
}

// RenderString substitutes placeholders in s. The only error source is a
// failing secret lookup.
func (r *Renderer) RenderString(ctx context.Context, scope Scope, s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return ""
		}
		groups := placeholderRe.FindStringSubmatch(match)
		value, err := r.resolve(ctx, scope, groups[1], groups[2])
		if err != nil {
			firstErr = err
			return ""
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r *Renderer) resolve(ctx context.Context, scope Scope, kind, name string) (string, error) {
	switch kind {
	case "SECRET":
		if r.secrets == nil || name == "" {
			return "", nil
		}
		v, err := r.secrets.Resolve(ctx, secrets.Ref{
			ProjectID:     scope.ProjectID,
			IntegrationID: scope.IntegrationID,
			RunID:         scope.RunID,
			Name:          name,
		})
		if err != nil {
			return "", err
		}
		if scope.Masker != nil {
			scope.Masker.AddSecret(v)
		}
		return v, nil
	case "ENV":
		v, _ := r.lookupEnv(name)
		return v, nil
	case "NOW_ISO":
		return r.now().UTC().Format(isoMillis), nil
	case "RUN_ID":
		return scope.RunID, nil
	case "INTEGRATION_ID":
		return scope.IntegrationID, nil
	default:
		return "", nil
	}
}
