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

// Package artifact captures files produced or downloaded by adapters.
//
// Every Persist call hashes the content, writes it to a fresh run-scoped
// key on a Blob backend and inserts one immutable artifact row. Because the
// key embeds a new artifact ID, repeated calls for the same run never
// overwrite earlier content.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/template"
	"github.com/tombee/relay/pkg/errors"
)

// DefaultContentType is used when the type cannot be guessed.
const DefaultContentType = "application/octet-stream"

// candidateWindow bounds how many rows Latest inspects before filtering
// names in memory.
const candidateWindow = 500

// Input describes one file to persist. Exactly one of Data or Path is used;
// Path wins when both are set.
type Input struct {
	ProjectID   string
	RunID       string
	Name        string
	ContentType string
	Data        []byte
	Path        string
}

// Query selects recent artifacts.
type Query struct {
	ProjectID     string
	IntegrationID string
	// Pattern is a * and ? glob matched against artifact names.
	Pattern string
	Since   time.Time
	Limit   int
}

// Store persists and retrieves artifacts.
type Store struct {
	rows   store.ArtifactStore
	blob   Blob
	logger *slog.Logger
}

// NewStore creates an artifact store.
func NewStore(rows store.ArtifactStore, blob Blob, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rows: rows, blob: blob, logger: logger}
}

// Persist hashes and stores the content, then records the artifact row.
func (s *Store) Persist(ctx context.Context, in Input) (*store.Artifact, error) {
	if in.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "artifact name is required"}
	}

	body, closeBody, err := openInput(in)
	if err != nil {
		return nil, err
	}
	defer closeBody()

	h := sha256.New()
	size, err := io.Copy(h, body)
	if err != nil {
		return nil, fmt.Errorf("failed to hash artifact %s: %w", in.Name, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind artifact %s: %w", in.Name, err)
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = GuessContentType(in.Name)
	}

	a := &store.Artifact{
		ID:          uuid.New().String(),
		RunID:       in.RunID,
		ProjectID:   in.ProjectID,
		Name:        in.Name,
		ContentType: contentType,
		SizeBytes:   size,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	}
	a.StoragePath = storageKey(in.ProjectID, in.RunID, a.ID, in.Name)

	if err := s.blob.Put(ctx, a.StoragePath, body, size, contentType); err != nil {
		return nil, errors.Wrapf(err, "storing artifact %s", in.Name)
	}
	if err := s.rows.InsertArtifact(ctx, a); err != nil {
		return nil, errors.Wrapf(err, "recording artifact %s", in.Name)
	}

	metrics.RecordArtifactBytes(size)
	s.logger.Debug("artifact persisted",
		slog.String("run_id", in.RunID),
		slog.String("name", in.Name),
		slog.Int64("size_bytes", size),
		slog.String("sha256", a.SHA256))
	return a, nil
}

// Open returns the content of a persisted artifact.
func (s *Store) Open(ctx context.Context, a *store.Artifact) (io.ReadCloser, error) {
	return s.blob.Get(ctx, a.StoragePath)
}

// Latest returns up to q.Limit artifacts whose names match q.Pattern,
// newest first.
func (s *Store) Latest(ctx context.Context, q Query) ([]*store.Artifact, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	candidates, err := s.rows.ListArtifacts(ctx, store.ArtifactFilter{
		ProjectID:     q.ProjectID,
		IntegrationID: q.IntegrationID,
		Since:         q.Since,
		Limit:         candidateWindow,
	})
	if err != nil {
		return nil, err
	}

	var out []*store.Artifact
	for _, a := range candidates {
		if !template.MatchName(q.Pattern, a.Name) {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GuessContentType maps a file extension to a MIME type.
func GuessContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return DefaultContentType
}

func openInput(in Input) (io.ReadSeeker, func(), error) {
	if in.Path == "" {
		return bytes.NewReader(in.Data), func() {}, nil
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", in.Path, err)
	}
	return f, func() { f.Close() }, nil
}

func storageKey(projectID, runID, artifactID, name string) string {
	return path.Join(
		template.SanitizeFilename(orUnderscore(projectID)),
		template.SanitizeFilename(orUnderscore(runID)),
		artifactID+"-"+template.SanitizeFilename(name),
	)
}

func orUnderscore(s string) string {
	if s == "" {
		return "_"
	}
	return s
}
