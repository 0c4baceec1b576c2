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
	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/commands/completion"
	"github.com/tombee/polybugger/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for polybugger
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "polybugger",
		Short: "Polybugger - debugging sessions for AI agents over MCP",
		Long: `Polybugger is an MCP server that lets an agent drive debug sessions:
set breakpoints, step through code, inspect variables, and evaluate
expressions in local processes or inside docker, podman, and kubernetes
containers, optionally across an SSH tunnel.

Run 'polybugger serve' from your MCP client configuration to start the server.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, config, logLevel := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/polybugger/config.yaml)")
	cmd.PersistentFlags().StringVar(logLevel, "log-level", "", "Override the log level (trace, debug, info, warn, error)")
	_ = cmd.RegisterFlagCompletionFunc("log-level", completion.CompleteLogLevels)

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
