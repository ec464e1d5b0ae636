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

package adapter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tombee/relay/pkg/errors"
)

// Body sources of http_put.
const (
	SourceTemplate = "template"
	SourceArtifact = "artifact"
)

type httpPutConfig struct {
	httpTarget
	artifactSelector
	Source string `json:"source"`
	Body   any    `json:"body"`
}

// HTTPPut uploads a rendered body or streams the newest matching artifact.
type HTTPPut struct {
	deps *Deps
}

func (a *HTTPPut) Type() string { return TypeHTTPPut }

func (a *HTTPPut) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg httpPutConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}

	switch cfg.Source {
	case "", SourceTemplate:
		return a.deps.sendRendered(ctx, exec, http.MethodPut, cfg.httpTarget, cfg.Body)
	case SourceArtifact:
	default:
		return nil, &errors.ConfigError{Key: "source", Reason: fmt.Sprintf("unknown source %q, expected %q or %q", cfg.Source, SourceTemplate, SourceArtifact)}
	}

	rawURL, headers, err := a.deps.renderTarget(ctx, exec, cfg.httpTarget)
	if err != nil {
		return nil, err
	}
	selected, err := a.deps.selectArtifacts(ctx, exec, cfg.artifactSelector, 1)
	if err != nil {
		return nil, err
	}
	art := selected[0]

	content, err := a.deps.Artifacts.Open(ctx, art)
	if err != nil {
		return nil, errors.Wrapf(err, "opening artifact %s", art.Name)
	}
	defer content.Close()

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = art.ContentType
	}

	ctx, cancel, timeout, err := withTimeout(ctx, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := a.deps.exchange(ctx, exec, &outbound{
		method:        http.MethodPut,
		url:           rawURL,
		headers:       headers,
		contentType:   contentType,
		body:          content,
		contentLength: art.SizeBytes,
		record:        map[string]any{"artifact": artifactRecord(art)},
	}, cfg.SuccessJQ)
	if err != nil {
		return nil, timeoutErr(ctx, err, http.MethodPut, timeout)
	}
	res.Note = fmt.Sprintf("uploaded %s (%d bytes): %s", art.Name, art.SizeBytes, res.Note)
	return res, nil
}
