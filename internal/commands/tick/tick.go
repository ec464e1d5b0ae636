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

// Package tick implements 'relay tick'.
package tick

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/engine"
	"github.com/tombee/relay/internal/log"
)

// NewCommand creates the tick command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick <plan|sla|run>",
		Short: "Run one planner, SLA or runner tick",
		Long: `Run a single tick of one engine timer and exit.

  plan  insert planned runs for the lookahead window
  sla   mark overdue planned runs missed and refresh next-run times
  run   claim and execute due runs

Leader election is ignored. Do not run 'tick run' beside a serving engine
unless duplicate execution is acceptable.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{engine.TickPlan, engine.TickSLA, engine.TickRun},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, logger, err := shared.BuildEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Error("failed to close engine resources", log.Error(err))
				}
			}()

			if err := c.Engine.TickOnce(ctx, args[0]); err != nil {
				return shared.NewFailedError(args[0]+" tick failed", err)
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), shared.NewJSONResponse("tick "+args[0]))
			}
			cmd.Printf("%s tick completed\n", args[0])
			return nil
		},
	}
}
