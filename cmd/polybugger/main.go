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

package main

import (
	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/cli"
	"github.com/tombee/polybugger/internal/commands/completion"
	"github.com/tombee/polybugger/internal/commands/config"
	"github.com/tombee/polybugger/internal/commands/containers"
	"github.com/tombee/polybugger/internal/commands/serve"
	"github.com/tombee/polybugger/internal/commands/sessions"
	versioncmd "github.com/tombee/polybugger/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	if err := newRootCommand().Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := cli.NewRootCommand()

	// Server
	rootCmd.AddCommand(serve.NewCommand())

	// Sessions and containers
	rootCmd.AddCommand(sessions.NewCommand())
	rootCmd.AddCommand(containers.NewCommand())

	// Configuration
	rootCmd.AddCommand(config.NewConfigCommand())
	rootCmd.AddCommand(completion.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	return rootCmd
}
