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
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/sftp"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func pullConfig(extra map[string]any) map[string]any {
	cfg := map[string]any{
		"host":       "sftp.example.com",
		"username":   "relay",
		"password":   "${SECRET:SFTP_PASSWORD}",
		"remote_dir": "/outbox",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestSFTPPull_NewestMatchingFiles(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/a.csv", []byte("aaa"), fixedNow.Add(-3*time.Hour))
	h.sftp.Put("/outbox/b.csv", []byte("bbb"), fixedNow.Add(-1*time.Hour))
	h.sftp.Put("/outbox/c.csv", []byte("ccc"), fixedNow.Add(-2*time.Hour))
	h.sftp.Put("/outbox/notes.txt", []byte("n"), fixedNow)

	res, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"pattern": "*.csv", "max_files": 2}))
	require.NoError(t, err)
	assert.Contains(t, res.Note, "pulled 2 file(s)")

	arts := h.rows.byRun("run-1")
	require.Len(t, arts, 2)
	assert.Equal(t, "b.csv", arts[0].Name)
	assert.Equal(t, "c.csv", arts[1].Name)
	assert.Equal(t, "bbb", h.content(arts[0]))

	assert.Equal(t, int64(1), h.sftp.Dials(), "one connection per pull")
	assert.Len(t, h.sftp.Paths(), 4, "originals are kept by default")
}

func TestSFTPPull_PatternMetacharactersAreLiteral(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/report[1].csv", []byte("x"), fixedNow)
	h.sftp.Put("/outbox/report1.csv", []byte("y"), fixedNow.Add(time.Minute))

	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"pattern": "report[1].csv", "max_files": 5}))
	require.NoError(t, err)

	arts := h.rows.byRun("run-1")
	require.Len(t, arts, 1)
	assert.Equal(t, "report[1].csv", arts[0].Name)
}

func TestSFTPPull_WhereFilter(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/empty.csv", nil, fixedNow)
	h.sftp.Put("/outbox/fresh.csv", []byte("still writing"), fixedNow.Add(-time.Minute))
	h.sftp.Put("/outbox/ready.csv", []byte("done"), fixedNow.Add(-30*time.Minute))

	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{
		"max_files": 10,
		"where":     `size > 0 && age_minutes >= 5 && ext == ".csv"`,
	}))
	require.NoError(t, err)

	arts := h.rows.byRun("run-1")
	require.Len(t, arts, 1)
	assert.Equal(t, "ready.csv", arts[0].Name)
}

func TestSFTPPull_InvalidWhere(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/a.csv", []byte("a"), fixedNow)

	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"where": "size >"}))
	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "where", cfgErr.Key)
}

func TestSFTPPull_ChecksumVerifiedThenDeleted(t *testing.T) {
	h := newHarness(t)
	data := []byte("payload")
	h.sftp.Put("/outbox/data.csv", data, fixedNow)
	h.sftp.Put("/outbox/data.csv.sha256", []byte(sha256Hex(data)+"  data.csv\n"), fixedNow)

	res, err := h.run(TypeSFTPPull, pullConfig(map[string]any{
		"checksum":        map[string]any{"algorithm": "sha256"},
		"delete_original": true,
		"delete_checksum": true,
	}))
	require.NoError(t, err)
	assert.Contains(t, res.Note, "sha256 verified")

	arts := h.rows.byRun("run-1")
	require.Len(t, arts, 1, "the sidecar itself is never pulled")
	assert.Equal(t, "data.csv", arts[0].Name)
	assert.Empty(t, h.sftp.Paths())
}

func TestSFTPPull_ChecksumMD5(t *testing.T) {
	h := newHarness(t)
	data := []byte("payload")
	sum := md5.Sum(data)
	h.sftp.Put("/outbox/data.csv", data, fixedNow)
	h.sftp.Put("/outbox/data.csv.md5", []byte(hex.EncodeToString(sum[:])), fixedNow)

	res, err := h.run(TypeSFTPPull, pullConfig(map[string]any{
		"checksum": map[string]any{"algorithm": "MD5"},
	}))
	require.NoError(t, err)
	assert.Contains(t, res.Note, "md5 verified")
}

func TestSFTPPull_ChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/data.csv", []byte("corrupted"), fixedNow)
	h.sftp.Put("/outbox/data.csv.sha256", []byte(sha256Hex([]byte("original"))), fixedNow)

	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{
		"checksum":        map[string]any{"algorithm": "sha256"},
		"delete_original": true,
	}))

	var ie *relayerrors.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "data.csv", ie.Name)
	assert.Equal(t, sha256Hex([]byte("corrupted")), ie.Actual)

	assert.Empty(t, h.rows.byRun("run-1"), "nothing is persisted on mismatch")
	_, ok := h.sftp.Get("/outbox/data.csv")
	assert.True(t, ok, "original is kept on mismatch")
}

func TestSFTPPull_MissingSidecarIsNoted(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/data.csv", []byte("x"), fixedNow)

	res, err := h.run(TypeSFTPPull, pullConfig(map[string]any{
		"checksum":        map[string]any{"algorithm": "sha256", "suffix": ".sum"},
		"delete_checksum": true,
	}))
	require.NoError(t, err)
	assert.Contains(t, res.Note, "checksum sidecar missing")
	assert.Len(t, h.rows.byRun("run-1"), 1)
}

func TestSFTPPull_MoveToDatedDirectory(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/data.csv", []byte("x"), fixedNow)

	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"move_to": "archive/${YYYY}/${MM}/${DD}"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/outbox/archive/2024/03/05/data.csv"}, h.sftp.Paths())

	h2 := newHarness(t)
	h2.sftp.Put("/outbox/data.csv", []byte("x"), fixedNow)
	_, err = h2.run(TypeSFTPPull, pullConfig(map[string]any{"move_to": "/done/../done/${YYYY}"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/done/done/2024/data.csv"}, h2.sftp.Paths())
}

func TestSFTPPull_NoMatchingFiles(t *testing.T) {
	h := newHarness(t)
	h.sftp.Put("/outbox/readme.txt", []byte("x"), fixedNow)

	res, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"pattern": "*.csv"}))
	require.NoError(t, err)
	assert.Contains(t, res.Note, `no files matching "*.csv"`)
	assert.Empty(t, h.rows.byRun("run-1"))
}

func TestSFTPPull_DialFailure(t *testing.T) {
	h := newHarness(t)
	h.sftp.DialErr = &relayerrors.TransportError{Op: "ssh handshake", Host: "sftp.example.com", Cause: errors.New("connection reset")}

	_, err := h.run(TypeSFTPPull, pullConfig(nil))
	var te *relayerrors.TransportError
	require.ErrorAs(t, err, &te)
}

func TestSFTPPull_MissingHost(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeSFTPPull, map[string]any{"remote_dir": "/outbox"})

	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "host", cfgErr.Key)
}

func TestSFTPPull_UnsupportedChecksum(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeSFTPPull, pullConfig(map[string]any{"checksum": map[string]any{"algorithm": "crc32"}}))

	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSFTPPush_Content(t *testing.T) {
	h := newHarness(t)

	res, err := h.run(TypeSFTPPush, map[string]any{
		"host":       "sftp.example.com",
		"username":   "relay",
		"remote_dir": "/inbox/${YYYY}",
		"content":    "run ${RUN_ID}",
	})
	require.NoError(t, err)

	remote := "/inbox/2024/payload_20240305143015.txt"
	data, ok := h.sftp.Get(remote)
	require.True(t, ok, "uploaded paths: %v", h.sftp.Paths())
	assert.Equal(t, "run run-1", string(data))
	assert.Contains(t, res.Note, remote)

	var manifest Manifest
	require.NoError(t, json.Unmarshal([]byte(h.content(h.named("run-1", manifestArtifact))), &manifest))
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, remote, manifest.Files[0].RemotePath)
	assert.Equal(t, int64(len("run run-1")), manifest.Files[0].Bytes)
	assert.Equal(t, sha256Hex([]byte("run run-1")), manifest.Files[0].SHA256)
	assert.Empty(t, manifest.Files[0].SourceArtifactID)
}

func TestSFTPPush_LatestArtifactsBoundedParallelism(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 4; i++ {
		h.seed("run-0", fmt.Sprintf("r%d.csv", i), []byte(fmt.Sprintf("row %d", i)))
	}

	_, err := h.run(TypeSFTPPush, map[string]any{
		"host":             "sftp.example.com",
		"mode":             "latest_artifacts",
		"artifact_pattern": "r?.csv",
		"max_files":        3,
		"parallelism":      2,
		"remote_dir":       "/inbox",
		"filename":         "${BASENAME}_${YYYY}${MM}${DD}${EXT}",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/inbox/r2_20240305.csv",
		"/inbox/r3_20240305.csv",
		"/inbox/r4_20240305.csv",
	}, h.sftp.Paths())
	assert.Equal(t, int64(3), h.sftp.Dials(), "one connection per upload")
	assert.LessOrEqual(t, h.sftp.MaxConcurrent(), int64(2))

	var manifest Manifest
	require.NoError(t, json.Unmarshal([]byte(h.content(h.named("run-1", manifestArtifact))), &manifest))
	require.Len(t, manifest.Files, 3)
	for _, f := range manifest.Files {
		assert.NotEmpty(t, f.SourceArtifactID)
	}
}

func TestSFTPPush_LatestArtifactDefaultsToName(t *testing.T) {
	h := newHarness(t)
	h.seed("run-0", "export.json", []byte("{}"))

	_, err := h.run(TypeSFTPPush, map[string]any{
		"host":             "sftp.example.com",
		"mode":             "latest_artifact",
		"artifact_pattern": "*.json",
		"remote_dir":       "/inbox",
	})
	require.NoError(t, err)
	data, ok := h.sftp.Get("/inbox/export.json")
	require.True(t, ok)
	assert.Equal(t, "{}", string(data))
}

func TestSFTPPush_NoArtifact(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeSFTPPush, map[string]any{
		"host":             "sftp.example.com",
		"mode":             "latest_artifact",
		"artifact_pattern": "*.json",
	})
	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, h.sftp.Dials())
}

func TestSFTPPush_UnknownMode(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(TypeSFTPPush, map[string]any{"host": "sftp.example.com", "mode": "mirror"})

	var cfgErr *relayerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "mode", cfgErr.Key)
}

func TestRenderConn_ResolvesSecrets(t *testing.T) {
	h := newHarness(t)
	exec := h.execution(TypeSFTPPull, nil)

	conn, err := h.deps.renderConn(t.Context(), exec, sftp.Config{Host: "sftp.example.com", Password: "${SECRET:SFTP_PASSWORD}"})
	require.NoError(t, err)
	assert.Equal(t, "pw", conn.Password)
	assert.Equal(t, "***", exec.Masker.Mask("pw"))
}
