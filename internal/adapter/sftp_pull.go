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
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/pkg/errors"
)

// Checksum algorithms accepted for sidecar verification.
const (
	ChecksumSHA256 = "sha256"
	ChecksumMD5    = "md5"
)

// maxSidecarBytes bounds how much of a checksum sidecar is read.
const maxSidecarBytes = 4096

type checksumConfig struct {
	Algorithm string `json:"algorithm"`
	// Suffix is appended to the file name to find the sidecar. Defaults
	// to "." + algorithm.
	Suffix string `json:"suffix"`
}

type sftpPullConfig struct {
	sftp.Config
	RemoteDir      string          `json:"remote_dir"`
	Pattern        string          `json:"pattern"`
	MaxFiles       int             `json:"max_files"`
	Where          string          `json:"where"`
	Checksum       *checksumConfig `json:"checksum"`
	DeleteOriginal bool            `json:"delete_original"`
	DeleteChecksum bool            `json:"delete_checksum"`
	MoveTo         string          `json:"move_to"`
	Timeout        string          `json:"timeout"`
}

func (c *sftpPullConfig) normalize() error {
	if c.RemoteDir == "" {
		c.RemoteDir = "."
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 1
	}
	if c.Checksum != nil {
		c.Checksum.Algorithm = strings.ToLower(c.Checksum.Algorithm)
		switch c.Checksum.Algorithm {
		case ChecksumSHA256, ChecksumMD5:
		case "":
			c.Checksum.Algorithm = ChecksumSHA256
		default:
			return &errors.ConfigError{Key: "checksum.algorithm", Reason: fmt.Sprintf("unsupported algorithm %q", c.Checksum.Algorithm)}
		}
		if c.Checksum.Suffix == "" {
			c.Checksum.Suffix = "." + c.Checksum.Algorithm
		}
	}
	return nil
}

// SFTPPull downloads the newest matching remote files into artifacts.
type SFTPPull struct {
	deps    *Deps
	filters *filterCache
}

func (a *SFTPPull) Type() string { return TypeSFTPPull }

func (a *SFTPPull) Execute(ctx context.Context, exec *Execution) (*Result, error) {
	var cfg sftpPullConfig
	if err := decodeConfig(exec.Integration.AdapterConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	conn, err := a.deps.renderConn(ctx, exec, cfg.Config)
	if err != nil {
		return nil, err
	}

	ctx, cancel, timeout, err := withTimeout(ctx, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	conn.Timeout = timeout

	sess, err := a.deps.dial(ctx, conn)
	if err != nil {
		return nil, timeoutErr(ctx, err, "sftp connect "+conn.Host, timeout)
	}
	defer sess.Close()

	entries, err := sess.List(cfg.RemoteDir)
	if err != nil {
		return nil, err
	}
	selected, present, err := a.selectFiles(entries, &cfg)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return &Result{Note: fmt.Sprintf("no files matching %q in %s:%s", orStar(cfg.Pattern), conn.Host, cfg.RemoteDir)}, nil
	}

	scratch := RunScratchDir(exec.ScratchDir, exec.Run.ID)
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	notes := make([]string, 0, len(selected))
	for _, fi := range selected {
		note, err := a.pullOne(ctx, exec, sess, &cfg, fi, present, scratch)
		if err != nil {
			return nil, timeoutErr(ctx, err, "sftp pull "+conn.Host, timeout)
		}
		notes = append(notes, note)
	}

	return &Result{Note: fmt.Sprintf("pulled %d file(s) from %s:%s: %s",
		len(selected), conn.Host, cfg.RemoteDir, strings.Join(notes, "; "))}, nil
}

// selectFiles applies the glob, the where filter and the max_files bound.
// It also returns the set of names present in the directory.
func (a *SFTPPull) selectFiles(entries []sftp.FileInfo, cfg *sftpPullConfig) ([]sftp.FileInfo, map[string]bool, error) {
	now := a.deps.now()
	present := make(map[string]bool, len(entries))
	var matched []sftp.FileInfo
	for _, fi := range entries {
		if fi.IsDir {
			continue
		}
		present[fi.Name] = true
		if cfg.Checksum != nil && strings.HasSuffix(fi.Name, cfg.Checksum.Suffix) {
			continue
		}
		if !template.MatchName(cfg.Pattern, fi.Name) {
			continue
		}
		ok, err := a.filters.match(cfg.Where, newFileEnv(fi, now))
		if err != nil {
			return nil, nil, err
		}
		if ok {
			matched = append(matched, fi)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].ModTime.Equal(matched[j].ModTime) {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ModTime.After(matched[j].ModTime)
	})
	if len(matched) > cfg.MaxFiles {
		matched = matched[:cfg.MaxFiles]
	}
	return matched, present, nil
}

func (a *SFTPPull) pullOne(ctx context.Context, exec *Execution, sess *session, cfg *sftpPullConfig, fi sftp.FileInfo, present map[string]bool, scratch string) (string, error) {
	remote := path.Join(cfg.RemoteDir, fi.Name)
	local := filepath.Join(scratch, template.SanitizeFilename(fi.Name))
	logger := exec.logger().With(slog.String("remote_path", remote))

	algorithm := ChecksumSHA256
	if cfg.Checksum != nil {
		algorithm = cfg.Checksum.Algorithm
	}
	digest, err := download(sess, remote, local, algorithm)
	if err != nil {
		return "", err
	}
	defer os.Remove(local)

	status := ""
	sidecar := ""
	if cfg.Checksum != nil {
		sidecar = remote + cfg.Checksum.Suffix
		if present[fi.Name+cfg.Checksum.Suffix] {
			expected, err := readSidecar(sess, sidecar)
			if err != nil {
				return "", err
			}
			if !strings.EqualFold(expected, digest) {
				return "", &errors.IntegrityError{Name: fi.Name, Algorithm: algorithm, Expected: expected, Actual: digest}
			}
			status = algorithm + " verified"
		} else {
			status = "checksum sidecar missing"
			sidecar = ""
			logger.Warn("checksum sidecar missing", slog.String("sidecar", remote+cfg.Checksum.Suffix))
		}
	}

	art, err := a.deps.Artifacts.Persist(context.WithoutCancel(ctx), artifact.Input{
		ProjectID: exec.ProjectID,
		RunID:     exec.Run.ID,
		Name:      fi.Name,
		Path:      local,
	})
	if err != nil {
		return "", err
	}

	switch {
	case cfg.DeleteOriginal:
		if err := sess.Remove(remote); err != nil {
			return "", err
		}
	case cfg.MoveTo != "":
		dir := template.RenderDir(cfg.MoveTo, a.deps.now())
		if !path.IsAbs(dir) {
			dir = path.Join(cfg.RemoteDir, dir)
		}
		if err := sess.MkdirAll(dir); err != nil {
			return "", err
		}
		if err := sess.Rename(remote, path.Join(dir, fi.Name)); err != nil {
			return "", err
		}
	}
	if cfg.DeleteChecksum && sidecar != "" {
		if err := sess.Remove(sidecar); err != nil {
			return "", err
		}
	}

	logger.Info("file pulled", slog.Int64("bytes", art.SizeBytes), slog.String("artifact_id", art.ID))
	if status == "" {
		return fmt.Sprintf("%s (%d bytes)", fi.Name, art.SizeBytes), nil
	}
	return fmt.Sprintf("%s (%d bytes, %s)", fi.Name, art.SizeBytes, status), nil
}

// download copies remote to local and returns the hex digest.
func download(sess *session, remote, local, algorithm string) (string, error) {
	src, err := sess.Open(remote)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", local, err)
	}
	h := newHash(algorithm)
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		dst.Close()
		os.Remove(local)
		return "", &errors.TransportError{Op: "sftp read", Host: remote, Cause: err}
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algorithm string) hash.Hash {
	if algorithm == ChecksumMD5 {
		return md5.New()
	}
	return sha256.New()
}

// readSidecar returns the first whitespace-separated token of the sidecar,
// which covers both bare digests and "digest  filename" lines.
func readSidecar(sess *session, p string) (string, error) {
	r, err := sess.Open(p)
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, maxSidecarBytes))
	if err != nil {
		return "", &errors.TransportError{Op: "sftp read", Host: p, Cause: err}
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}

func orStar(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}
