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

package completion

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// shell generates a completion script and knows how to install it.
type shell struct {
	generate func(root *cobra.Command, w io.Writer, descriptions bool) error
	install  string
}

var shells = map[string]shell{
	"bash": {
		generate: func(root *cobra.Command, w io.Writer, desc bool) error {
			return root.GenBashCompletionV2(w, desc)
		},
		install: `  $ source <(polybugger completion bash)
  $ polybugger completion bash > ~/.local/share/bash-completion/completions/polybugger`,
	},
	"zsh": {
		generate: func(root *cobra.Command, w io.Writer, desc bool) error {
			if desc {
				return root.GenZshCompletion(w)
			}
			return root.GenZshCompletionNoDesc(w)
		},
		install: `  $ polybugger completion zsh > "${fpath[1]}/_polybugger"   # needs compinit`,
	},
	"fish": {
		generate: func(root *cobra.Command, w io.Writer, desc bool) error {
			return root.GenFishCompletion(w, desc)
		},
		install: `  $ polybugger completion fish > ~/.config/fish/completions/polybugger.fish`,
	},
	"powershell": {
		generate: func(root *cobra.Command, w io.Writer, desc bool) error {
			if desc {
				return root.GenPowerShellCompletionWithDesc(w)
			}
			return root.GenPowerShellCompletion(w)
		},
		install: `  PS> polybugger completion powershell | Out-String | Invoke-Expression`,
	},
}

func shellNames() []string {
	names := make([]string, 0, len(shells))
	for name := range shells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCommand creates the completion command. Besides subcommands and flags,
// the generated scripts complete saved session IDs, container runtimes and
// log levels.
func NewCommand() *cobra.Command {
	var noDescriptions bool
	names := shellNames()

	var long strings.Builder
	long.WriteString("Generate a shell completion script for polybugger.\n\n")
	long.WriteString("Session IDs are completed from the session store, with their name and state.\n")
	for _, name := range names {
		fmt.Fprintf(&long, "\n%s:\n%s\n", name, shells[name].install)
	}

	cmd := &cobra.Command{
		Use: "completion [" + strings.Join(names, "|") + "]",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Short:                 "Generate shell completion scripts",
		Long:                  long.String(),
		DisableFlagsInUseLine: true,
		ValidArgs:             names,
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shells[args[0]].generate(cmd.Root(), cmd.OutOrStdout(), !noDescriptions)
		},
	}
	cmd.Flags().BoolVar(&noDescriptions, "no-descriptions", false, "Omit completion descriptions such as session names")

	return cmd
}
