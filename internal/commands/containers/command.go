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

// Package containers implements commands that look inside containers
// without starting a debug session.
package containers

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/commands/completion"
	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/config"
	"github.com/tombee/polybugger/internal/container"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/remote"
)

// NewCommand creates the containers command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Inspect processes inside containers",
		Annotations: map[string]string{
			"group": "containers",
		},
	}

	cmd.AddCommand(newPSCmd())

	return cmd
}

// newRuntimes builds the runtime pool; replaced in tests.
var newRuntimes = func(cfg *config.Config) (remote.Runtimes, func() error) {
	pool := container.NewPool(container.Options{
		KubeContext: cfg.Containers.KubeContext,
		Kubeconfig:  cfg.Containers.Kubeconfig,
		Logger:      pblog.Discard(),
	})
	return pool, pool.Close
}

type psOptions struct {
	runtime      string
	namespace    string
	podContainer string
	filter       string
}

func newPSCmd() *cobra.Command {
	var opts psOptions

	cmd := &cobra.Command{
		Use:   "ps <container>",
		Short: "List Python processes in a container",
		Long: `List the Python processes running in a container, the same view the
debug_container_list_processes tool returns.

The container is either a name with --runtime, or a runtime:target
reference such as docker:web or k8s:namespace/pod/container.`,
		Example: `  polybugger containers ps docker:web
  polybugger containers ps api --runtime kubernetes --namespace staging
  polybugger containers ps docker:web --filter 'user == "app" && cpu > 5'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			target, err := resolveTarget(args[0], opts)
			if err != nil {
				return err
			}
			filter, err := container.CompileFilter(opts.filter)
			if err != nil {
				return err
			}

			runtimes, closeRuntimes := newRuntimes(cfg)
			defer closeRuntimes()

			pipeline := remote.NewPipeline(remote.Options{
				Runtimes: runtimes,
				Logger:   shared.NewLogger(cfg, cmd.ErrOrStderr()),
			})
			list, err := pipeline.ListProcesses(cmd.Context(), target, filter)
			if err != nil {
				return err
			}
			return writeProcesses(cmd.OutOrStdout(), list, shared.GetJSON())
		},
	}

	cmd.Flags().StringVar(&opts.runtime, "runtime", "", "Container runtime (docker, podman, kubernetes)")
	cmd.Flags().StringVarP(&opts.namespace, "namespace", "n", "", "Kubernetes namespace")
	cmd.Flags().StringVar(&opts.podContainer, "container", "", "Container within a multi-container pod")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Process filter expression (fields: pid, name, cmdline, user, cpu, mem, is_python)")
	_ = cmd.RegisterFlagCompletionFunc("runtime", completion.CompleteRuntimes)

	return cmd
}

func resolveTarget(ref string, opts psOptions) (container.Target, error) {
	if opts.runtime == "" {
		parsed, err := remote.ParseReference(ref)
		if err != nil {
			return container.Target{}, err
		}
		if parsed.Namespace == "" {
			parsed.Namespace = opts.namespace
		}
		if parsed.PodContainer == "" {
			parsed.PodContainer = opts.podContainer
		}
		return parsed.Target(), nil
	}
	kind, err := container.ParseKind(opts.runtime)
	if err != nil {
		return container.Target{}, err
	}
	return container.NewTarget(kind, ref, opts.namespace, opts.podContainer), nil
}

// PSResponse is the JSON output of 'containers ps'.
type PSResponse struct {
	shared.JSONResponse
	*remote.ProcessList
}

func writeProcesses(out io.Writer, list *remote.ProcessList, useJSON bool) error {
	if useJSON {
		return shared.EmitJSON(out, PSResponse{
			JSONResponse: shared.NewJSONResponse("containers ps"),
			ProcessList:  list,
		})
	}

	if list.Total == 0 {
		fmt.Fprintf(out, "No matching processes in %s.\n", list.Container)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tUSER\tCPU%\tMEM%\tCOMMAND")
	for _, p := range list.Processes {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%s\n", p.PID, p.User, p.CPU, p.Mem, p.Cmdline)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out, shared.RenderLabel(fmt.Sprintf("%d process(es) in %s (%s)", list.Total, list.Container, list.Runtime)))
	return nil
}
