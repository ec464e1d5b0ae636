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

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "relay", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	for _, name := range []string{"verbose", "json", "config"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2025-12-22", b)
}

func newTestTree() *cobra.Command {
	root := NewRootCommand()
	tick := &cobra.Command{Use: "tick <plan|sla|run>", Short: "Run one tick", RunE: func(*cobra.Command, []string) error { return nil }}
	tick.Flags().Bool("dry-run", false, "Do nothing")
	root.AddCommand(tick)
	root.SetHelpCommand(NewHelpCommand(root))
	return root
}

func TestHelpCommand_JSON(t *testing.T) {
	defer shared.SetJSONForTest(false)

	root := newTestTree()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--json", "help", "tick"})
	require.NoError(t, root.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "help tick", resp.Command)
	require.NotNil(t, resp.Target)
	assert.Equal(t, "tick", resp.Target.Name)
	var flags []string
	for _, f := range resp.Target.Flags {
		flags = append(flags, f.Name)
	}
	assert.Contains(t, flags, "dry-run")
}

func TestHelpCommand_AllCommandsJSON(t *testing.T) {
	defer shared.SetJSONForTest(false)

	root := newTestTree()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--json", "help"})
	require.NoError(t, root.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	var names []string
	for _, c := range resp.Commands {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "tick")

	var global []string
	for _, f := range resp.GlobalFlags {
		global = append(global, f.Name)
	}
	assert.ElementsMatch(t, []string{"verbose", "json", "config"}, global)
}

func TestHelpCommand_Unknown(t *testing.T) {
	root := newTestTree()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"help", "nope"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)
}
