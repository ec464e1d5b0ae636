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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/limiter"
	"github.com/tombee/relay/pkg/errors"
	"github.com/tombee/relay/pkg/httpclient"
)

const (
	// bodyExcerptLimit bounds response text copied into errors and notes.
	bodyExcerptLimit = 500

	// maxResponseBytes bounds responses buffered for artifacts and success_jq.
	maxResponseBytes = 32 << 20

	requestArtifact  = "request.json"
	responseArtifact = "response.txt"
)

// httpTarget is the configuration shared by the upload adapters.
type httpTarget struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	ContentType string            `json:"content_type"`
	SuccessJQ   string            `json:"success_jq"`
	Timeout     string            `json:"timeout"`
}

// requestRecord is the masked request persisted as request.json.
type requestRecord struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// outbound is a rendered request ready to send.
type outbound struct {
	method        string
	url           string
	headers       map[string]string
	contentType   string
	body          io.Reader
	contentLength int64

	// record is the masked body stored in request.json.
	record any
}

func (e *Execution) mask(s string) string {
	if e.Masker == nil {
		return s
	}
	return e.Masker.Mask(s)
}

func (e *Execution) maskHeaders(h map[string]string) map[string]string {
	if e.Masker == nil {
		return h
	}
	return e.Masker.MaskHeaders(h)
}

func (e *Execution) maskValue(v any) any {
	if e.Masker == nil {
		return v
	}
	return e.Masker.MaskValue(v)
}

func (d *Deps) client() *http.Client {
	if d.HTTP == nil {
		return http.DefaultClient
	}
	return d.HTTP
}

// renderTarget renders the URL and headers of an upload adapter.
func (d *Deps) renderTarget(ctx context.Context, exec *Execution, t httpTarget) (string, map[string]string, error) {
	if err := required("url", t.URL); err != nil {
		return "", nil, err
	}
	scope := exec.scope()
	rawURL, err := d.Renderer.RenderString(ctx, scope, t.URL)
	if err != nil {
		return "", nil, errors.Wrap(err, "rendering url")
	}
	headers, err := d.Renderer.RenderMap(ctx, scope, t.Headers)
	if err != nil {
		return "", nil, errors.Wrap(err, "rendering headers")
	}
	return rawURL, headers, nil
}

// send issues req while holding the HTTP limiter slots of its host. The
// slots are released when the response body is closed.
func (d *Deps) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	release, err := d.Limiter.AcquireHost(ctx, limiter.FamilyHTTP, host)
	if err != nil {
		return nil, err
	}

	resp, err := d.client().Do(req)
	if err != nil {
		release()
		return nil, &errors.TransportError{Op: req.Method, Host: host, Cause: err}
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releasingBody struct {
	io.ReadCloser
	release limiter.Release
	done    bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.done {
		b.done = true
		b.release()
	}
	return err
}

// timeoutErr reports err as a TimeoutError when the adapter timeout fired.
func timeoutErr(ctx context.Context, err error, op string, timeout time.Duration) error {
	if err == nil || timeout == 0 {
		return err
	}
	if !errors.Is(err, context.DeadlineExceeded) && ctx.Err() != context.DeadlineExceeded {
		return err
	}
	return &errors.TimeoutError{Operation: op, Duration: timeout, Cause: err}
}

// exchange sends out, captures the request and response as artifacts and
// checks the status and the optional success expression.
func (d *Deps) exchange(ctx context.Context, exec *Execution, out *outbound, successJQ string) (*Result, error) {
	u, err := url.Parse(out.url)
	if err != nil || u.Host == "" {
		return nil, &errors.ConfigError{Key: "url", Reason: fmt.Sprintf("invalid url %q", exec.mask(out.url)), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, out.method, out.url, out.body)
	if err != nil {
		return nil, &errors.ConfigError{Key: "url", Reason: "cannot build request", Cause: err}
	}
	for k, v := range out.headers {
		req.Header.Set(k, v)
	}
	if out.contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", out.contentType)
	}
	if out.contentLength > 0 {
		req.ContentLength = out.contentLength
	}

	safeURL := exec.mask(httpclient.SanitizeURL(u))
	recordHeaders := make(map[string]string, len(req.Header))
	for k := range req.Header {
		recordHeaders[k] = req.Header.Get(k)
	}
	record := requestRecord{
		Method:  out.method,
		URL:     safeURL,
		Headers: exec.maskHeaders(recordHeaders),
		Body:    out.record,
	}

	resp, sendErr := d.send(ctx, req)
	var (
		status int
		body   []byte
	)
	if sendErr == nil {
		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			sendErr = &errors.TransportError{Op: out.method, Host: u.Hostname(), Cause: err}
		}
	}

	// The adapter timeout must not prevent recording what happened.
	if err := d.persistExchange(context.WithoutCancel(ctx), exec, record, status, body, sendErr); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}

	if status < 200 || status > 299 {
		return nil, &errors.TransportError{
			Op:         out.method,
			Host:       u.Hostname(),
			StatusCode: status,
			Body:       exec.mask(errors.Truncate(string(body), bodyExcerptLimit)),
		}
	}

	if successJQ != "" {
		if err := d.checkSuccess(ctx, exec, successJQ, body); err != nil {
			return nil, err
		}
	}

	exec.logger().Info("http exchange completed",
		slog.String("method", out.method),
		slog.String("url", safeURL),
		slog.Int("status", status),
		slog.Int("response_bytes", len(body)))
	return &Result{Note: fmt.Sprintf("%s %s -> HTTP %d (%d bytes)", out.method, safeURL, status, len(body))}, nil
}

// persistExchange writes request.json and response.txt. The request is
// stored even when the exchange failed so that failed attempts can be
// inspected.
func (d *Deps) persistExchange(ctx context.Context, exec *Execution, record requestRecord, status int, body []byte, sendErr error) error {
	reqJSON, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode request record: %w", err)
	}
	if _, err := d.Artifacts.Persist(ctx, artifact.Input{
		ProjectID:   exec.ProjectID,
		RunID:       exec.Run.ID,
		Name:        requestArtifact,
		ContentType: "application/json",
		Data:        reqJSON,
	}); err != nil {
		return err
	}

	var text string
	switch {
	case sendErr != nil:
		text = "error: " + sendErr.Error()
	default:
		text = fmt.Sprintf("HTTP %d\n\n%s", status, body)
	}
	_, err = d.Artifacts.Persist(ctx, artifact.Input{
		ProjectID:   exec.ProjectID,
		RunID:       exec.Run.ID,
		Name:        responseArtifact,
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte(exec.mask(text)),
	})
	return err
}

func (d *Deps) checkSuccess(ctx context.Context, exec *Execution, expression string, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return &errors.ValidationError{Field: "success_jq", Message: "response is not valid JSON"}
	}
	ok, err := d.JQ.Truthy(ctx, expression, doc)
	if err != nil {
		return &errors.ValidationError{Field: "success_jq", Message: err.Error()}
	}
	if !ok {
		return &errors.ValidationError{
			Field:   "success_jq",
			Message: fmt.Sprintf("%s evaluated false on response %s", expression, exec.mask(errors.Truncate(string(body), bodyExcerptLimit))),
		}
	}
	return nil
}

// withTimeout bounds ctx by an optional adapter timeout.
func withTimeout(ctx context.Context, timeout string) (context.Context, context.CancelFunc, time.Duration, error) {
	d, err := parseTimeout("timeout", timeout)
	if err != nil {
		return nil, nil, 0, err
	}
	if d == 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d, nil
}
