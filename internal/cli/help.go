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
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/polybugger/internal/commands/shared"
)

// CommandMetadata describes one command in JSON help.
type CommandMetadata struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Short       string            `json:"short"`
	Long        string            `json:"long,omitempty"`
	Usage       string            `json:"usage"`
	Flags       []FlagMetadata    `json:"flags,omitempty"`
	Examples    string            `json:"examples,omitempty"`
	Subcommands []CommandMetadata `json:"subcommands,omitempty"`
	Group       string            `json:"group,omitempty"`
	Aliases     []string          `json:"aliases,omitempty"`
}

// FlagMetadata describes one flag in JSON help.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the JSON response for help command
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Detail      *CommandMetadata  `json:"detail,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand creates the help command. With --json it describes the
// whole command tree, including nested subcommands, for callers that
// script polybugger.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'polybugger help' to see all available commands.
Run 'polybugger help <command> [subcommand]' for help on one command.
Use --json for machine-readable output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			useJSON := shared.GetJSON() || jsonOutput

			target := rootCmd
			if len(args) > 0 {
				found, rest, err := rootCmd.Find(args)
				if err != nil || found == rootCmd || len(rest) > 0 {
					return unknownCommand(rootCmd, args)
				}
				target = found
			}

			if !useJSON {
				return target.Help()
			}

			resp := HelpResponse{GlobalFlags: flagsOf(rootCmd.PersistentFlags())}
			if target == rootCmd {
				resp.JSONResponse = shared.NewJSONResponse("help")
				resp.Commands = visibleCommands(rootCmd)
			} else {
				meta := describe(target)
				resp.JSONResponse = shared.NewJSONResponse("help " + strings.Join(args, " "))
				resp.Detail = &meta
			}
			return shared.EmitJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// unknownCommand reports a failed lookup with cobra's spelling suggestions.
func unknownCommand(rootCmd *cobra.Command, args []string) error {
	msg := fmt.Sprintf("command %q not found", strings.Join(args, " "))
	if suggestions := rootCmd.SuggestionsFor(args[0]); len(suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(suggestions, ", "))
	}
	return shared.NewNotFoundError(msg, nil)
}

func visibleCommands(parent *cobra.Command) []CommandMetadata {
	var out []CommandMetadata
	for _, c := range parent.Commands() {
		if c.Hidden || !c.IsAvailableCommand() && c.Name() != "help" {
			continue
		}
		out = append(out, describe(c))
	}
	return out
}

// describe extracts metadata from a command and its subcommands.
func describe(cmd *cobra.Command) CommandMetadata {
	return CommandMetadata{
		Name:        cmd.Name(),
		Path:        cmd.CommandPath(),
		Short:       cmd.Short,
		Long:        cmd.Long,
		Usage:       cmd.UseLine(),
		Examples:    cmd.Example,
		Aliases:     cmd.Aliases,
		Group:       cmd.Annotations["group"],
		Flags:       flagsOf(cmd.LocalNonPersistentFlags()),
		Subcommands: visibleCommands(cmd),
	}
}

// flagsOf lists the visible flags in fs. Required flags are those marked
// with cobra's MarkFlagRequired.
func flagsOf(fs *pflag.FlagSet) []FlagMetadata {
	var flags []FlagMetadata
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		_, required := flag.Annotations[cobra.BashCompOneRequiredFlag]
		flags = append(flags, FlagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Type:      flag.Value.Type(),
			Usage:     flag.Usage,
			Default:   flag.DefValue,
			Required:  required,
		})
	})
	return flags
}
