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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/pkg/errors"
)

// Push modes.
const (
	ModeContent         = "content"
	ModeLatestArtifact  = "latest_artifact"
	ModeLatestArtifacts = "latest_artifacts"
)

const (
	defaultPushFiles       = 5
	defaultPushParallelism = 3

	contentFilename     = "payload_${YYYY}${MM}${DD}${HH}${mm}${ss}.txt"
	contentOriginal     = "payload.txt"
	artifactFilename    = "${NAME}"
	manifestArtifact    = "sftp_push_manifest.json"
	manifestContentType = "application/json"
)

type sftpPushConfig struct {
	sftp.Config
	artifactSelector
	Mode        string `json:"mode"`
	Content     string `json:"content"`
	RemoteDir   string `json:"remote_dir"`
	Filename    string `json:"filename"`
	MaxFiles    int    `json:"max_files"`
	Parallelism int    `json:"parallelism"`
	Timeout     string `json:"timeout"`
}

// ManifestEntry describes one uploaded file.
type ManifestEntry struct {
	RemotePath       string `json:"remote_path"`
	Bytes            int64  `json:"bytes"`
	SHA256           string `json:"sha256"`
	SourceArtifactID string `json:"source_artifact_id,omitempty"`
}

// Manifest is persisted as sftp_push_manifest.json after a push.
type Manifest struct {
	Host  string          `json:"host"`
	Mode  string          `json:"mode"`
	Files []ManifestEntry `json:"files"`
}

// upload is one file to push. Exactly one of content or source is set.
type upload struct {
	remotePath string
	content    []byte
	source     *store.Artifact
}

// SFTPPush uploads rendered content or recent artifacts.
type SFTPPush struct {
	deps *Deps
}

func (a *SFTPPush) Type() string { return TypeSFTPPush }

func (a *SFTPPush) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg sftpPushConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeContent
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultPushParallelism
	}
	conn, err := a.deps.renderConn(ctx, exec, cfg.Config)
	if err != nil {
		return nil, err
	}

	now := a.deps.now()
	remoteDir := template.RenderDir(cfg.RemoteDir, now)

	var uploads []upload
	switch cfg.Mode {
	case ModeContent:
		body, err := a.deps.Renderer.RenderString(ctx, exec.scope(), cfg.Content)
		if err != nil {
			return nil, errors.Wrap(err, "rendering content")
		}
		tmpl := cfg.Filename
		if tmpl == "" {
			tmpl = contentFilename
		}
		uploads = append(uploads, upload{
			remotePath: path.Join(remoteDir, template.RenderFilename(tmpl, contentOriginal, now)),
			content:    []byte(body),
		})
	case ModeLatestArtifact, ModeLatestArtifacts:
		limit := 1
		if cfg.Mode == ModeLatestArtifacts {
			limit = cfg.MaxFiles
			if limit <= 0 {
				limit = defaultPushFiles
			}
		}
		selected, err := a.deps.selectArtifacts(ctx, exec, cfg.artifactSelector, limit)
		if err != nil {
			return nil, err
		}
		tmpl := cfg.Filename
		if tmpl == "" {
			tmpl = artifactFilename
		}
		for _, art := range selected {
			uploads = append(uploads, upload{
				remotePath: path.Join(remoteDir, template.RenderFilename(tmpl, art.Name, now)),
				source:     art,
			})
		}
	default:
		return nil, &errors.ConfigError{Key: "mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}

	ctx, cancel, timeout, err := withTimeout(ctx, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	conn.Timeout = timeout

	entries := make([]ManifestEntry, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)
	for i, up := range uploads {
		g.Go(func() error {
			entry, err := a.push(gctx, exec, conn, remoteDir, up)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, timeoutErr(ctx, err, "sftp push "+conn.Host, timeout)
	}

	manifest, err := json.MarshalIndent(Manifest{Host: conn.Host, Mode: cfg.Mode, Files: entries}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if _, err := a.deps.Artifacts.Persist(context.WithoutCancel(ctx), artifact.Input{
		ProjectID:   exec.ProjectID,
		RunID:       exec.Run.ID,
		Name:        manifestArtifact,
		ContentType: manifestContentType,
		Data:        manifest,
	}); err != nil {
		return nil, err
	}

	paths := make([]string, len(entries))
	var total int64
	for i, e := range entries {
		paths[i] = e.RemotePath
		total += e.Bytes
	}
	return &Result{Note: fmt.Sprintf("pushed %d file(s) to %s (%d bytes): %s",
		len(entries), conn.Host, total, strings.Join(paths, ", "))}, nil
}

// push uploads one file over its own connection.
func (a *SFTPPush) push(ctx context.Context, exec *Execution, conn sftp.Config, remoteDir string, up upload) (ManifestEntry, error) {
	entry := ManifestEntry{RemotePath: up.remotePath}

	var src io.Reader
	if up.source != nil {
		rc, err := a.deps.Artifacts.Open(ctx, up.source)
		if err != nil {
			return entry, errors.Wrapf(err, "opening artifact %s", up.source.Name)
		}
		defer rc.Close()
		src = rc
		entry.SourceArtifactID = up.source.ID
	} else {
		src = bytes.NewReader(up.content)
	}

	sess, err := a.deps.dial(ctx, conn)
	if err != nil {
		return entry, err
	}
	defer sess.Close()

	if err := sess.MkdirAll(remoteDir); err != nil {
		return entry, err
	}
	dst, err := sess.Create(up.remotePath)
	if err != nil {
		return entry, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		dst.Close()
		return entry, &errors.TransportError{Op: "sftp write", Host: conn.Host, Cause: err}
	}
	if err := dst.Close(); err != nil {
		return entry, &errors.TransportError{Op: "sftp write", Host: conn.Host, Cause: err}
	}

	entry.Bytes = n
	entry.SHA256 = hex.EncodeToString(h.Sum(nil))
	exec.logger().Info("file pushed",
		slog.String("remote_path", up.remotePath),
		slog.Int64("bytes", n))
	return entry, nil
}
