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

package shared

import (
	"context"
	"log/slog"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/engine"
	"github.com/tombee/relay/internal/log"
)

// LoadConfig loads the configuration named by --config, RELAY_CONFIG or
// the default XDG path. --verbose forces debug logging.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(GetConfigPath()))
	if err != nil {
		return nil, NewConfigError("invalid configuration", err)
	}
	if GetVerbose() {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// NewLogger creates the process logger from cfg.
func NewLogger(cfg *config.Config) *slog.Logger {
	return log.New(cfg.LoggerConfig())
}

// BuildEngine loads the configuration and wires every engine component.
// The caller must Close the result.
func BuildEngine(ctx context.Context) (*engine.Components, *config.Config, *slog.Logger, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := NewLogger(cfg)
	c, err := engine.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, NewFailedError("failed to start engine", err)
	}
	return c, cfg, logger, nil
}
