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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

func TestHTTPGet_Download(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/report.csv", r.URL.Path)
		assert.Empty(t, r.Header.Get("Range"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		io.WriteString(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	res, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/files/report.csv"})
	require.NoError(t, err)
	assert.Contains(t, res.Note, "downloaded report.csv")

	a := h.named("run-1", "report.csv")
	assert.Equal(t, "text/csv", a.ContentType)
	assert.Equal(t, "a,b\n1,2\n", h.content(a))

	_, err = os.Stat(filepath.Join(h.scratch, "run-1", "report.csv"))
	assert.True(t, os.IsNotExist(err), "scratch file should be removed after persisting")
}

func TestHTTPGet_FilenameTemplate(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPGet, map[string]any{
		"url":      srv.URL + "/export/report.csv",
		"filename": "${BASENAME}_${YYYY}${MM}${DD}${EXT}",
	})
	require.NoError(t, err)
	h.named("run-1", "report_20240305.csv")
}

func TestHTTPGet_ResumeAppendsPartialContent(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.scratch, "run-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("hello "), 0o640))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=6-", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "world")
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/data.bin", "resume": true})
	require.NoError(t, err)
	assert.Equal(t, "hello world", h.content(h.named("run-1", "data.bin")))
}

func TestHTTPGet_RangeNotSatisfiableUsesCachedFile(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.scratch, "run-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("complete"), 0o640))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	res, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/data.bin", "resume": true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, res.Note, "416")
	assert.Equal(t, "complete", h.content(h.named("run-1", "data.bin")))
}

func TestHTTPGet_WithoutResumeRewrites(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.scratch, "run-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("stale partial"), 0o640))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		io.WriteString(w, "fresh")
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/data.bin"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", h.content(h.named("run-1", "data.bin")))
}

func TestHTTPGet_ErrorStatus(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream exploded")
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/x"})
	require.Error(t, err)

	var te *relayerrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Contains(t, te.Body, "upstream exploded")
	assert.Empty(t, h.rows.byRun("run-1"))
}

func TestHTTPGet_MissingURL(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeHTTPGet, map[string]any{})

	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "url", cfgErr.Key)
}

func TestHTTPGet_Timeout(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPGet, map[string]any{"url": srv.URL + "/slow", "timeout": "50ms"})

	var te *relayerrors.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Duration)
}

func TestHTTPPost_JSONBodyIsMaskedInRequestArtifact(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-s3cr3t", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		assert.Equal(t, "run-1", body["run"])
		assert.Equal(t, "tok-s3cr3t", body["token"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"accepted":true}`)
	}))
	defer srv.Close()

	res, err := h.run(TypeHTTPPost, map[string]any{
		"url":     srv.URL + "/ingest",
		"headers": map[string]any{"Authorization": "Bearer ${SECRET:API_TOKEN}"},
		"body":    map[string]any{"run": "${RUN_ID}", "token": "${SECRET:API_TOKEN}"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Note, "HTTP 200")

	reqText := h.content(h.named("run-1", requestArtifact))
	assert.NotContains(t, reqText, "tok-s3cr3t")
	assert.Contains(t, reqText, "run-1")

	var record requestRecord
	require.NoError(t, json.Unmarshal([]byte(reqText), &record))
	assert.Equal(t, http.MethodPost, record.Method)
	assert.Equal(t, "***", record.Headers["Authorization"])

	assert.Contains(t, h.content(h.named("run-1", responseArtifact)), `{"accepted":true}`)
}

func TestHTTPPost_StringBody(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, "id=int-1", string(data))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPPost, map[string]any{
		"url":          srv.URL,
		"body":         "id=${INTEGRATION_ID}",
		"content_type": "application/x-www-form-urlencoded",
	})
	require.NoError(t, err)
}

func TestHTTPPost_ErrorStatusStillRecordsExchange(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":"bad payload"}`)
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPPost, map[string]any{"url": srv.URL, "body": map[string]any{"a": 1}})

	var te *relayerrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnprocessableEntity, te.StatusCode)
	assert.Contains(t, err.Error(), "bad payload")

	h.named("run-1", requestArtifact)
	assert.Contains(t, h.content(h.named("run-1", responseArtifact)), "HTTP 422")
}

func TestHTTPPost_SuccessJQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"queued","items":[1,2]}`)
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"truthy", `.status == "queued"`, false},
		{"length", `.items | length == 2`, false},
		{"falsy", `.status == "done"`, true},
		{"null", `.missing`, true},
		{"invalid", `.status ==`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.run(TypeHTTPPost, map[string]any{"url": srv.URL, "body": "{}", "success_jq": tt.expr})
			if tt.wantErr {
				var ve *relayerrors.ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHTTPPost_SuccessJQRequiresJSON(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "OK")
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPPost, map[string]any{"url": srv.URL, "success_jq": ".ok"})
	var ve *relayerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "not valid JSON")
}

func TestHTTPPostMultipart_UploadsNewestMatchingArtifact(t *testing.T) {
	h := newHarness(t)
	h.seed("run-0", "report.csv", []byte("old"))
	h.seed("run-0", "other.txt", []byte("ignored"))
	h.seed("run-0", "report.csv", []byte("new"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "acme", r.FormValue("customer"))
		assert.Equal(t, "run-1", r.FormValue("run"))

		f, hdr, err := r.FormFile("upload")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.csv", hdr.Filename)
		assert.Equal(t, "new", string(data))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res, err := h.run(TypeHTTPPostMultipart, map[string]any{
		"url":              srv.URL,
		"fields":           map[string]any{"customer": "acme", "run": "${RUN_ID}"},
		"file_field":       "upload",
		"artifact_pattern": "report*.csv",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Note, "uploaded report.csv")

	reqText := h.content(h.named("run-1", requestArtifact))
	assert.Contains(t, reqText, `"field": "upload"`)
	h.named("run-1", responseArtifact)
}

func TestHTTPPostMultipart_NoMatchingArtifact(t *testing.T) {
	h := newHarness(t)
	h.seed("run-0", "other.txt", []byte("x"))

	_, err := h.run(TypeHTTPPostMultipart, map[string]any{
		"url":              "http://127.0.0.1:1/upload",
		"artifact_pattern": "*.csv",
	})
	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "artifact_pattern", cfgErr.Key)
}

func TestHTTPPostMultipart_LookbackExcludesOldArtifacts(t *testing.T) {
	h := newHarness(t)
	a := h.seed("run-0", "report.csv", []byte("x"))
	a.CreatedAt = fixedNow.Add(-48 * time.Hour)

	_, err := h.run(TypeHTTPPostMultipart, map[string]any{
		"url":              "http://127.0.0.1:1/upload",
		"artifact_pattern": "*.csv",
	})
	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = h.run(TypeHTTPPostMultipart, map[string]any{
		"url":              "http://127.0.0.1:1/upload",
		"artifact_pattern": "*.csv",
		"lookback_hours":   72,
	})
	var te *relayerrors.TransportError
	assert.ErrorAs(t, err, &te, "artifact selected, connection refused")
}

func TestHTTPPut_StreamsArtifact(t *testing.T) {
	h := newHarness(t)
	art := h.seed("run-0", "export.json", []byte(`{"rows":3}`))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, art.SizeBytes, r.ContentLength)
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"rows":3}`, string(data))
	}))
	defer srv.Close()

	res, err := h.run(TypeHTTPPut, map[string]any{
		"url":              srv.URL + "/objects/export.json",
		"source":           "artifact",
		"artifact_pattern": "export.json",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Note, "uploaded export.json")
	assert.Contains(t, h.content(h.named("run-1", requestArtifact)), art.ID)
}

func TestHTTPPut_TemplateBody(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, "stamp 2024-03-05T14:30:15.000Z", string(data))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := h.run(TypeHTTPPut, map[string]any{"url": srv.URL, "body": "stamp ${NOW_ISO}"})
	require.NoError(t, err)
}

func TestHTTPPut_UnknownSource(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeHTTPPut, map[string]any{"url": "http://example.com", "source": "s3"})

	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "source", cfgErr.Key)
}
