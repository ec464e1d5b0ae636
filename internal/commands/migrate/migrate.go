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

// Package migrate implements 'relay migrate'.
package migrate

import (
	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/store/sqlstore"
)

// Result is the JSON output of migrate.
type Result struct {
	shared.JSONResponse
	Driver  string `json:"driver"`
	Version int64  `json:"version"`
}

// NewCommand creates the migrate command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply every pending schema migration to the configured database.

Migrations are embedded in the binary and safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	st, err := sqlstore.Open(ctx, dbCfg)
	if err != nil {
		return shared.NewFailedError("failed to open database", err)
	}
	defer st.Close()

	if err := sqlstore.Migrate(ctx, st.DB(), st.Dialect()); err != nil {
		return shared.NewFailedError("migration failed", err)
	}
	version, err := sqlstore.MigrationVersion(ctx, st.DB(), st.Dialect())
	if err != nil {
		return shared.NewFailedError("failed to read schema version", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), Result{
			JSONResponse: shared.NewJSONResponse("migrate"),
			Driver:       st.Dialect(),
			Version:      version,
		})
	}
	cmd.Printf("%s schema at version %d\n", st.Dialect(), version)
	return nil
}
