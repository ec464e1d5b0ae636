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
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tombee/relay/pkg/errors"
)

type httpPostConfig struct {
	httpTarget
	Body any `json:"body"`
}

// HTTPPost sends a rendered body.
type HTTPPost struct {
	deps *Deps
}

func (a *HTTPPost) Type() string { return TypeHTTPPost }

func (a *HTTPPost) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg httpPostConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}
	return a.deps.sendRendered(ctx, exec, http.MethodPost, cfg.httpTarget, cfg.Body)
}

// sendRendered renders target and body and performs one exchange. A string
// body is sent as-is; any other value is encoded as JSON.
func (d *Deps) sendRendered(ctx context.Context, exec *Execution, method string, target httpTarget, body any) (*Result, error) {
	rawURL, headers, err := d.renderTarget(ctx, exec, target)
	if err != nil {
		return nil, err
	}
	rendered, err := d.Renderer.Render(ctx, exec.scope(), body)
	if err != nil {
		return nil, errors.Wrap(err, "rendering body")
	}

	out := &outbound{
		method:      method,
		url:         rawURL,
		headers:     headers,
		contentType: target.ContentType,
	}
	switch v := rendered.(type) {
	case nil:
	case string:
		out.body = bytes.NewReader([]byte(v))
		out.contentLength = int64(len(v))
		out.record = exec.mask(v)
		if out.contentType == "" {
			out.contentType = "text/plain; charset=utf-8"
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &errors.ConfigError{Key: "body", Reason: "body is not JSON-encodable", Cause: err}
		}
		out.body = bytes.NewReader(data)
		out.contentLength = int64(len(data))
		out.record = exec.maskValue(v)
		if out.contentType == "" {
			out.contentType = "application/json"
		}
	}

	ctx, cancel, timeout, err := withTimeout(ctx, target.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := d.exchange(ctx, exec, out, target.SuccessJQ)
	return res, timeoutErr(ctx, err, method, timeout)
}
