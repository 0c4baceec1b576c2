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
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/polybugger/internal/commands/shared"
)

func newHelpTree() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "test",
		Short: "Test command",
	}
	rootCmd.PersistentFlags().String("log-level", "", "Log level")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample subcommand",
		Long:  "This is a sample subcommand for testing",
		Example: `  test sample
  test sample --flag value`,
		Annotations: map[string]string{
			"group": "testing",
		},
		Run: func(*cobra.Command, []string) {},
	}
	sampleCmd.Flags().String("flag", "", "A sample flag")
	sampleCmd.Flags().String("target", "", "Required target")
	_ = sampleCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(sampleCmd)

	sampleCmd.AddCommand(&cobra.Command{
		Use:   "nested",
		Short: "Nested subcommand",
		Run:   func(*cobra.Command, []string) {},
	})

	rootCmd.SetHelpCommand(NewHelpCommand(rootCmd))
	return rootCmd
}

func runHelp(t *testing.T, args ...string) string {
	t.Helper()
	rootCmd := newHelpTree()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"help"}, args...))
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestHelpCommandJSON_AllCommands(t *testing.T) {
	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(runHelp(t, "--json")), &resp))

	assert.Equal(t, "1.0", resp.Version)
	assert.Equal(t, "help", resp.JSONResponse.Command)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Commands)
	assert.Nil(t, resp.Detail)
	require.Len(t, resp.GlobalFlags, 1)
	assert.Equal(t, "log-level", resp.GlobalFlags[0].Name)
}

func TestHelpCommandJSON_SingleCommand(t *testing.T) {
	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(runHelp(t, "sample", "--json")), &resp))

	require.NotNil(t, resp.Detail)
	assert.Equal(t, "sample", resp.Detail.Name)
	assert.Equal(t, "testing", resp.Detail.Group)
	assert.NotEmpty(t, resp.Detail.Examples)
	assert.Empty(t, resp.Commands)
}

func TestHelpCommandJSON_NestedCommand(t *testing.T) {
	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(runHelp(t, "sample", "nested", "--json")), &resp))

	require.NotNil(t, resp.Detail)
	assert.Equal(t, "nested", resp.Detail.Name)
	assert.Equal(t, "test sample nested", resp.Detail.Path)
	assert.Equal(t, "help sample nested", resp.JSONResponse.Command)
}

func TestHelpCommandJSON_Subcommands(t *testing.T) {
	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(runHelp(t, "--json")), &resp))

	var sample *CommandMetadata
	for i := range resp.Commands {
		if resp.Commands[i].Name == "sample" {
			sample = &resp.Commands[i]
		}
	}
	require.NotNil(t, sample)
	require.Len(t, sample.Subcommands, 1)
	assert.Equal(t, "nested", sample.Subcommands[0].Name)
}

func TestHelpCommand_UnknownCommand(t *testing.T) {
	rootCmd := newHelpTree()
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"help", "sampel", "--json"})

	err := rootCmd.Execute()
	require.Error(t, err)

	var exitErr *shared.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, shared.ExitNotFound, exitErr.Code)
	assert.Contains(t, err.Error(), "did you mean sample")
}

func TestHelpCommandHumanOutput(t *testing.T) {
	output := runHelp(t)
	assert.False(t, strings.HasPrefix(strings.TrimSpace(output), "{"), "expected human output, got JSON")
	assert.Contains(t, output, "sample")
}

func TestExtractCommandMetadata(t *testing.T) {
	cmd := &cobra.Command{
		Use:     "testcmd",
		Short:   "Test command",
		Long:    "This is a longer description",
		Example: "testcmd --flag value",
		Aliases: []string{"tc", "test"},
		Annotations: map[string]string{
			"group": "testing",
		},
	}
	cmd.Flags().String("flag", "default", "A test flag")
	cmd.Flags().Bool("bool-flag", false, "A boolean flag")
	cmd.Flags().String("session", "", "Session ID")
	require.NoError(t, cmd.MarkFlagRequired("session"))

	metadata := describe(cmd)

	assert.Equal(t, "testcmd", metadata.Name)
	assert.Equal(t, "Test command", metadata.Short)
	assert.Equal(t, "This is a longer description", metadata.Long)
	assert.Equal(t, "testing", metadata.Group)
	assert.Len(t, metadata.Aliases, 2)
	require.Len(t, metadata.Flags, 3)

	required := map[string]bool{}
	for _, f := range metadata.Flags {
		required[f.Name] = f.Required
	}
	assert.True(t, required["session"])
	assert.False(t, required["flag"])
}

func TestExtractGlobalFlags(t *testing.T) {
	rootCmd := &cobra.Command{Use: "test"}
	rootCmd.PersistentFlags().Bool("json", false, "JSON output")
	rootCmd.PersistentFlags().String("config", "", "Config file")
	rootCmd.PersistentFlags().String("secret", "", "Hidden")
	require.NoError(t, rootCmd.PersistentFlags().MarkHidden("secret"))

	flags := flagsOf(rootCmd.PersistentFlags())
	require.Len(t, flags, 2)

	names := []string{flags[0].Name, flags[1].Name}
	assert.ElementsMatch(t, []string{"json", "config"}, names)
}
