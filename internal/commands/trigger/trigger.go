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

// Package trigger implements 'relay trigger'.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/store/sqlstore"
	"github.com/tombee/relay/pkg/errors"
)

// Result is the JSON output of trigger.
type Result struct {
	shared.JSONResponse
	RunID         string    `json:"run_id,omitempty"`
	IntegrationID string    `json:"integration_id"`
	PlannedAt     time.Time `json:"planned_at"`
	Created       bool      `json:"created"`
}

// Store is the subset of the store trigger needs.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*store.Integration, error)
	CreateRun(ctx context.Context, run *store.Run) (bool, error)
}

// NewCommand creates the trigger command.
func NewCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "trigger <integration-id>",
		Short: "Plan a run of an integration now",
		Long: `Insert a planned run for an integration. The next runner tick executes it.

Use this to re-run a failed or missed occurrence. Runs are unique per
integration and planned time, so triggering twice for the same --at is a no-op.`,
		Example: `  relay trigger 7d3c1f0e-5b1a-4c55-a0a1-0f3e8f6f9b2d
  relay trigger 7d3c1f0e-5b1a-4c55-a0a1-0f3e8f6f9b2d --at 2025-03-05T09:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plannedAt := time.Now().UTC().Truncate(time.Second)
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return shared.NewFailedError("invalid --at (want RFC3339)", err)
				}
				plannedAt = t.UTC()
			}

			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			st, err := sqlstore.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return shared.NewFailedError("failed to open database", err)
			}
			defer st.Close()

			res, err := Trigger(cmd.Context(), st, args[0], plannedAt)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), res)
			}
			if !res.Created {
				cmd.Printf("run already planned for %s at %s\n", res.IntegrationID, res.PlannedAt.Format(time.RFC3339))
				return nil
			}
			cmd.Printf("planned run %s for %s at %s\n", res.RunID, res.IntegrationID, res.PlannedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Planned time in RFC3339 (default: now)")
	return cmd
}

// Trigger inserts a planned run for integrationID at plannedAt.
func Trigger(ctx context.Context, st Store, integrationID string, plannedAt time.Time) (*Result, error) {
	if _, err := st.GetIntegration(ctx, integrationID); err != nil {
		if errors.IsNotFound(err) {
			return nil, shared.NewNotFoundError(fmt.Sprintf("integration %s not found", integrationID), err)
		}
		return nil, shared.NewFailedError("failed to load integration", err)
	}

	run := &store.Run{IntegrationID: integrationID, PlannedAt: plannedAt}
	created, err := st.CreateRun(ctx, run)
	if err != nil {
		return nil, shared.NewFailedError("failed to plan run", err)
	}

	res := &Result{
		JSONResponse:  shared.NewJSONResponse("trigger"),
		IntegrationID: integrationID,
		PlannedAt:     plannedAt,
		Created:       created,
	}
	if created {
		res.RunID = run.ID
	}
	return res, nil
}
