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

// Package serve implements 'relay serve'.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/log"
)

// httpShutdownTimeout bounds the ops listener shutdown.
const httpShutdownTimeout = 5 * time.Second

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Run the planner, SLA monitor and runner until interrupted.

When metrics are enabled, /metrics and /healthz are served on metrics.addr.
With leader.enabled, only the instance holding the Postgres advisory lock ticks.

On SIGINT or SIGTERM the engine stops starting new ticks and waits up to
engine.shutdown_timeout for in-flight runs.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cfg, logger, err := shared.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			logger.Error("failed to close engine resources", log.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	var srv *http.Server
	if cfg.Metrics.Enabled {
		var status StatusProvider
		if c.Elector != nil {
			status = c.Elector
		}
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           NewOpsHandler(c.Store.DB(), status, log.WithComponent(logger, "ops")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("ops listener started", slog.String("addr", cfg.Metrics.Addr))
	}

	if c.Elector != nil {
		c.Elector.Start(ctx)
	}
	c.Engine.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
		logger.Error("ops listener failed", log.Error(err))
	}

	if stopErr := c.Engine.Stop(); stopErr != nil {
		logger.Warn("engine stop incomplete", log.Error(stopErr))
	}
	if c.Elector != nil {
		c.Elector.Stop()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("ops listener shutdown error", log.Error(shutdownErr))
		}
	}

	if err != nil {
		return shared.NewFailedError("ops listener failed", err)
	}
	return nil
}
