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
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/session"
)

// storeTimeout bounds how long completion waits on the session store.
const storeTimeout = 500 * time.Millisecond

// SafeCompletionWrapper wraps a completion function with panic recovery.
// On panic or a nil result it returns an empty list.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// OpenStore opens the session store for completion; replaced in tests.
var OpenStore = func() (session.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.OpenStore(cfg)
}

// CompleteSessionIDs completes saved session IDs, described by name and
// state. IDs already on the command line are skipped.
func CompleteSessionIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		store, err := OpenStore()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		records, err := store.List(ctx)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		seen := make(map[string]bool, len(args))
		for _, a := range args {
			seen[a] = true
		}

		completions := make([]string, 0, len(records))
		for _, r := range records {
			if seen[r.ID] || !strings.HasPrefix(r.ID, toComplete) {
				continue
			}
			// Format: "id\tname (state)"
			completions = append(completions, r.ID+"\t"+r.Name+" ("+r.State+")")
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteRuntimes provides completion for --runtime flag values.
func CompleteRuntimes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return container.Supported(), cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteLogLevels provides completion for --log-level flag values.
func CompleteLogLevels(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			"trace\tProtocol-level detail",
			"debug\tDebug output",
			"info\tNormal operation",
			"warn\tWarnings only",
			"error\tErrors only",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
