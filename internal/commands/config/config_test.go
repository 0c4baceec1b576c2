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

package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/config"
)

// useConfigPath isolates the environment and points --config at a file in
// a temp dir, writing content when non-empty.
func useConfigPath(t *testing.T, content string, useJSON bool) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("POLYBUGGER_LOG_LEVEL", "")
	t.Setenv("POLYBUGGER_MAX_SESSIONS", "")

	path := filepath.Join(dir, "config.yaml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	jsonFlag, _, _ := shared.RegisterFlagPointers()
	*jsonFlag = useJSON
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		*jsonFlag = false
	})
	return path
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigShow_YAML(t *testing.T) {
	path := useConfigPath(t, "sessions:\n  max_sessions: 3\n", false)

	out, err := execute(t, NewConfigCommand(), "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration: "+path)
	assert.Contains(t, out, "max_sessions: 3")
	assert.Contains(t, out, "timeout: 1h0m0s")
}

func TestConfigShow_JSON(t *testing.T) {
	useConfigPath(t, "containers:\n  kube_context: staging\n", true)

	out, err := execute(t, NewConfigCommand(), "show")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	containers := doc["containers"].(map[string]any)
	assert.Equal(t, "staging", containers["kube_context"])
	assert.Equal(t, float64(10), doc["sessions"].(map[string]any)["max_sessions"])
}

func TestConfigShow_DefaultsToShow(t *testing.T) {
	useConfigPath(t, "log:\n  level: warn\n", false)

	out, err := execute(t, NewConfigCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "level: warn")
}

func TestConfigPath(t *testing.T) {
	path := useConfigPath(t, "", false)

	out, err := execute(t, NewConfigCommand(), "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)
}

func TestConfigInit(t *testing.T) {
	path := useConfigPath(t, "", false)

	out, err := execute(t, NewConfigCommand(), "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)

	_, err = execute(t, NewConfigCommand(), "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, NewConfigCommand(), "init", "--force")
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantValid bool
		wantErrs  int
	}{
		{
			name:      "valid",
			content:   "sessions:\n  max_sessions: 2\n",
			wantValid: true,
		},
		{
			name:      "two problems",
			content:   "sessions:\n  max_sessions: -1\nserver:\n  burst: -1\n",
			wantValid: false,
			wantErrs:  2,
		},
		{
			name:      "bad yaml",
			content:   "sessions: [",
			wantValid: false,
			wantErrs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useConfigPath(t, tt.content, true)

			out, err := execute(t, NewConfigCommand(), "validate")

			var result ValidationResult
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Len(t, result.Errors, tt.wantErrs)

			if tt.wantValid {
				assert.NoError(t, err)
				return
			}
			var exitErr *shared.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, shared.ExitConfigError, exitErr.Code)
		})
	}
}

func TestValidate_HumanOutput(t *testing.T) {
	useConfigPath(t, "log:\n  format: xml\n", false)

	out, err := execute(t, NewConfigCommand(), "validate")
	require.Error(t, err)
	assert.Contains(t, out, "Configuration is invalid")
	assert.Contains(t, out, "log.format must be text or json")
	assert.NotContains(t, out, "Error:")
	assert.NotContains(t, out, "Usage:")
}
