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
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

// DefaultFileField is the form field carrying the uploaded artifact.
const DefaultFileField = "file"

type httpMultipartConfig struct {
	httpTarget
	artifactSelector
	Fields    map[string]string `json:"fields"`
	FileField string            `json:"file_field"`
}

// HTTPPostMultipart uploads the newest matching artifact as a form file.
type HTTPPostMultipart struct {
	deps *Deps
}

func (a *HTTPPostMultipart) Type() string { return TypeHTTPPostMultipart }

func (a *HTTPPostMultipart) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg httpMultipartConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.FileField == "" {
		cfg.FileField = DefaultFileField
	}

	rawURL, headers, err := a.deps.renderTarget(ctx, exec, cfg.httpTarget)
	if err != nil {
		return nil, err
	}
	fields, err := a.deps.Renderer.RenderMap(ctx, exec.scope(), cfg.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "rendering fields")
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

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, cfg.FileField, art, content))
	}()

	maskedFields := make(map[string]any, len(fields))
	for k, v := range fields {
		maskedFields[k] = exec.mask(v)
	}
	fileRecord := artifactRecord(art)
	fileRecord["field"] = cfg.FileField

	ctx, cancel, timeout, err := withTimeout(ctx, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := a.deps.exchange(ctx, exec, &outbound{
		method:      http.MethodPost,
		url:         rawURL,
		headers:     headers,
		contentType: mw.FormDataContentType(),
		body:        pr,
		record: map[string]any{
			"fields": maskedFields,
			"file":   fileRecord,
		},
	}, cfg.SuccessJQ)
	if err != nil {
		return nil, timeoutErr(ctx, err, http.MethodPost, timeout)
	}
	res.Note = fmt.Sprintf("uploaded %s (%d bytes): %s", art.Name, art.SizeBytes, res.Note)
	return res, nil
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, fileField string, art *store.Artifact, content io.Reader) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(fileField), escapeQuotes(art.Name)))
	h.Set("Content-Type", art.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
