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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailed},
		{"exit error", NewNotFoundError("integration not found", nil), ExitNotFound},
		{"wrapped exit error", fmt.Errorf("trigger: %w", NewConfigError("bad", nil)), ExitConfigError},
		{"config error", &pkgerrors.ConfigError{Key: "database.dsn", Reason: "is required"}, ExitConfigError},
		{"not found", &pkgerrors.NotFoundError{Resource: "integration", ID: "x"}, ExitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewFailedError("failed to open store", cause)

	assert.Equal(t, "failed to open store: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "no cause", (&ExitError{Message: "no cause"}).Error())
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	code := printError(&buf, NewConfigError("invalid configuration", nil))
	assert.Equal(t, ExitConfigError, code)
	assert.Equal(t, "Error: invalid configuration\n", buf.String())
}

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EmitJSON(&buf, NewJSONResponse("trigger")))
	assert.JSONEq(t, `{"@version":"1.0","command":"trigger","success":true}`, buf.String())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batch_size: 4\n"), 0o600))

	SetConfigPathForTest(path)
	defer SetConfigPathForTest("")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.BatchSize)

	SetConfigPathForTest(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}
