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
	"time"

	"github.com/tombee/relay/internal/artifact"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

// DefaultLookbackHours bounds artifact selection when not configured.
const DefaultLookbackHours = 24

// artifactSelector chooses previously captured artifacts to upload.
type artifactSelector struct {
	Pattern             string   `json:"artifact_pattern"`
	LookbackHours       *float64 `json:"lookback_hours"`
	SourceIntegrationID string   `json:"source_integration_id"`
}

func (s artifactSelector) lookback() time.Duration {
	hours := float64(DefaultLookbackHours)
	if s.LookbackHours != nil && *s.LookbackHours > 0 {
		hours = *s.LookbackHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// selectArtifacts returns up to limit matching artifacts, newest first. No
// match is a ConfigError.
func (d *Deps) selectArtifacts(ctx context.Context, exec *Execution, sel artifactSelector, limit int) ([]*store.Artifact, error) {
	found, err := d.Artifacts.Latest(ctx, artifact.Query{
		ProjectID:     exec.ProjectID,
		IntegrationID: sel.SourceIntegrationID,
		Pattern:       sel.Pattern,
		Since:         d.now().Add(-sel.lookback()),
		Limit:         limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "selecting artifacts")
	}
	if len(found) == 0 {
		pattern := sel.Pattern
		if pattern == "" {
			pattern = "*"
		}
		return nil, &errors.ConfigError{
			Key:    "artifact_pattern",
			Reason: fmt.Sprintf("no artifact matching %q in the last %s", pattern, sel.lookback()),
		}
	}
	return found, nil
}

// artifactRecord describes an uploaded artifact in request.json.
func artifactRecord(a *store.Artifact) map[string]any {
	return map[string]any{
		"artifact_id":  a.ID,
		"name":         a.Name,
		"content_type": a.ContentType,
		"size_bytes":   a.SizeBytes,
		"sha256":       a.SHA256,
	}
}
