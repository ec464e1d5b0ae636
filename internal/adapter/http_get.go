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
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/pkg/errors"
	"github.com/tombee/relay/pkg/httpclient"
)

type httpGetConfig struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Filename string            `json:"filename"`
	Resume   bool              `json:"resume"`
	Timeout  string            `json:"timeout"`
}

// HTTPGet downloads a URL into an artifact. Downloads resume across
// attempts of the same run when configured.
type HTTPGet struct {
	deps *Deps
}

func (a *HTTPGet) Type() string { return TypeHTTPGet }

func (a *HTTPGet) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg httpGetConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}
	rawURL, headers, err := a.deps.renderTarget(ctx, exec, httpTarget{URL: cfg.URL, Headers: cfg.Headers})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &errors.ConfigError{Key: "url", Reason: fmt.Sprintf("invalid url %q", exec.mask(rawURL)), Cause: err}
	}

	ctx, cancel, timeout, err := withTimeout(ctx, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	name := downloadName(cfg.Filename, u, a.deps.now)
	dir := RunScratchDir(exec.ScratchDir, exec.Run.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	local := filepath.Join(dir, name)

	var offset int64
	if cfg.Resume {
		if fi, err := os.Stat(local); err == nil {
			offset = fi.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errors.ConfigError{Key: "url", Reason: "cannot build request", Cause: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	safeURL := exec.mask(httpclient.SanitizeURL(u))
	logger := exec.logger().With(slog.String("url", safeURL), slog.String("file", name))

	resp, err := a.deps.send(ctx, req)
	if err != nil {
		return nil, timeoutErr(ctx, err, "GET "+u.Hostname(), timeout)
	}
	defer resp.Body.Close()

	var (
		contentType string
		cached      bool
	)
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		cached = true
		logger.Info("download already complete", slog.Int64("bytes", offset))
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		logger.Info("resuming download", slog.Int64("offset", offset))
		if err := writeBody(local, resp.Body, true); err != nil {
			return nil, timeoutErr(ctx, wrapRead(err, u.Hostname()), "GET "+u.Hostname(), timeout)
		}
		contentType = mediaType(resp.Header.Get("Content-Type"))
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if err := writeBody(local, resp.Body, false); err != nil {
			return nil, timeoutErr(ctx, wrapRead(err, u.Hostname()), "GET "+u.Hostname(), timeout)
		}
		contentType = mediaType(resp.Header.Get("Content-Type"))
	default:
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit*4))
		return nil, &errors.TransportError{
			Op:         http.MethodGet,
			Host:       u.Hostname(),
			StatusCode: resp.StatusCode,
			Body:       exec.mask(errors.Truncate(string(excerpt), bodyExcerptLimit)),
		}
	}

	art, err := a.deps.Artifacts.Persist(context.WithoutCancel(ctx), artifact.Input{
		ProjectID:   exec.ProjectID,
		RunID:       exec.Run.ID,
		Name:        name,
		ContentType: contentType,
		Path:        local,
	})
	if err != nil {
		return nil, err
	}
	if err := os.Remove(local); err != nil {
		logger.Warn("failed to remove scratch file", slog.Any("error", err))
	}

	if cached {
		return &Result{Note: fmt.Sprintf("%s already downloaded (HTTP 416), stored cached file %s (%d bytes)", safeURL, art.Name, art.SizeBytes)}, nil
	}
	return &Result{Note: fmt.Sprintf("downloaded %s from %s (%d bytes)", art.Name, safeURL, art.SizeBytes)}, nil
}

// downloadName renders the filename template against the last URL path
// segment.
func downloadName(tmpl string, u *url.URL, now func() time.Time) string {
	original := path.Base(u.Path)
	if original == "/" || original == "." {
		original = "download"
	}
	if tmpl == "" {
		tmpl = "${NAME}"
	}
	return template.RenderFilename(tmpl, original, now())
}

func writeBody(local string, body io.Reader, appendTo bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(local, flags, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func wrapRead(err error, host string) error {
	return &errors.TransportError{Op: "GET", Host: host, Cause: err}
}

// mediaType drops parameters from a Content-Type header value.
func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return mt
}
