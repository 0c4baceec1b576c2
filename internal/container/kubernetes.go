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

package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/tombee/polybugger/internal/jq"
	"github.com/tombee/polybugger/internal/lifecycle"
	pblog "github.com/tombee/polybugger/internal/log"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// KubectlBinary is the Kubernetes CLI.
const KubectlBinary = "kubectl"

// podPhases maps pod status.phase values.
var podPhases = map[string]State{
	"pending":   StateCreated,
	"running":   StateRunning,
	"succeeded": StateExited,
	"failed":    StateDead,
	"unknown":   StateUnknown,
}

// containerStates maps the single key of a containerStatuses[].state object.
var containerStates = map[string]State{
	"running":    StateRunning,
	"terminated": StateExited,
	"waiting":    StateCreated,
}

// MapPodPhase maps a pod phase to a State. Unrecognized values map to
// StateUnknown.
func MapPodPhase(phase string) State {
	if s, ok := podPhases[strings.ToLower(phase)]; ok {
		return s
	}
	return StateUnknown
}

var (
	podPhaseQuery  = jq.MustCompile(`.status.phase // "Unknown"`)
	podIPQuery     = jq.MustCompile(`.status.podIP // ""`)
	podUIDQuery    = jq.MustCompile(`.metadata.uid // ""`)
	podImageQuery  = jq.MustCompile(`(.spec.containers // [])[0].image // ""`)
	podLabelsQuery = jq.MustCompile(`.metadata.labels // {}`)
	podCreated     = jq.MustCompile(`.metadata.creationTimestamp // ""`)
	containerState = jq.MustCompile(
		`.status.containerStatuses[]? | select(.name == $name) | .state // {} | keys[0]`, "$name")
)

// KubernetesRuntime drives kubectl.
type KubernetesRuntime struct {
	kubeContext string
	kubeconfig  string
	runner      lifecycle.Runner
	logger      *slog.Logger
	ops         listenerOps
	forwards    *portForwarder
}

// KubernetesOptions configures a KubernetesRuntime.
type KubernetesOptions struct {
	// Context selects the kubeconfig context. Default: current context
	Context string

	// Kubeconfig is the kubeconfig path. Default: kubectl's default
	Kubeconfig string

	Runner  lifecycle.Runner
	Spawner lifecycle.Spawner

	// FreePort picks local ports for port-forwards. Default: lifecycle.FreePort
	FreePort func() (int, error)

	// ForwardTimeout bounds port-forward readiness. Default: 10s
	ForwardTimeout time.Duration

	Logger *slog.Logger
}

// NewKubernetes creates a kubectl-backed runtime.
func NewKubernetes(opts KubernetesOptions) *KubernetesRuntime {
	if opts.Runner == nil {
		opts.Runner = lifecycle.CommandRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = pblog.Discard()
	}
	logger := opts.Logger.With(slog.String(pblog.RuntimeKey, string(Kubernetes)))

	k := &KubernetesRuntime{
		kubeContext: opts.Context,
		kubeconfig:  opts.Kubeconfig,
		runner:      opts.Runner,
		logger:      logger,
	}
	k.ops = listenerOps{
		exec:        k.Exec,
		kind:        Kubernetes,
		logger:      logger,
		remediation: kubernetesRemediation,
	}
	k.forwards = newPortForwarder(portForwarderOptions{
		binary:   KubectlBinary,
		baseArgs: k.baseArgs(),
		spawner:  opts.Spawner,
		freePort: opts.FreePort,
		timeout:  opts.ForwardTimeout,
		logger:   logger,
	})
	return k
}

// Kind implements Runtime.
func (k *KubernetesRuntime) Kind() Kind { return Kubernetes }

// CLI implements Runtime.
func (k *KubernetesRuntime) CLI() string { return KubectlBinary }

// IsAvailable implements Runtime.
func (k *KubernetesRuntime) IsAvailable(ctx context.Context) bool {
	res, err := k.runner.Run(ctx, KubectlBinary, []string{"version", "--client", "--output=json"},
		lifecycle.RunOptions{Timeout: checkTimeout})
	return err == nil && res.Success()
}

func (k *KubernetesRuntime) baseArgs() []string {
	var args []string
	if k.kubeContext != "" {
		args = append(args, "--context", k.kubeContext)
	}
	if k.kubeconfig != "" {
		args = append(args, "--kubeconfig", k.kubeconfig)
	}
	return args
}

func (k *KubernetesRuntime) run(ctx context.Context, timeout time.Duration, args ...string) (lifecycle.ExecResult, error) {
	full := append(k.baseArgs(), args...)
	k.logger.Debug("running", slog.String("cmd", KubectlBinary+" "+strings.Join(full, " ")))
	res, err := k.runner.Run(ctx, KubectlBinary, full, lifecycle.RunOptions{Timeout: timeout})
	if err != nil {
		return res, pberrors.E(pberrors.CodeContainerError, "failed to run %s", KubectlBinary).WithCause(err)
	}
	return res, nil
}

// GetContainerInfo implements Runtime. When the target names a container
// within the pod, that container's own state overrides the pod phase.
func (k *KubernetesRuntime) GetContainerInfo(ctx context.Context, target Target) (*Info, error) {
	if target.Pod == "" {
		return nil, &pberrors.NotFoundError{Resource: "pod", ID: "(empty)"}
	}
	ns := target.namespace()

	res, err := k.run(ctx, lifecycle.DefaultTimeout, "get", "pod", target.Pod, "-n", ns, "-o", "json")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "NotFound") || strings.Contains(strings.ToLower(res.Stderr), "not found") {
			return nil, &pberrors.NotFoundError{Resource: "pod", ID: ns + "/" + target.Pod}
		}
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to get pod info: %s", strings.TrimSpace(res.Stderr)).
			WithDetail("pod", target.Pod).
			WithDetail("namespace", ns)
	}

	return parsePod(ctx, []byte(res.Stdout), target)
}

func parsePod(ctx context.Context, raw []byte, target Target) (*Info, error) {
	doc, err := jq.Decode(raw)
	if err != nil {
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to parse pod info: %s",
			pberrors.Truncate(string(raw), 200)).WithDetail("pod", target.Pod)
	}

	phase, err := podPhaseQuery.FirstString(ctx, doc)
	if err != nil {
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to read pod phase").WithCause(err)
	}
	info := &Info{
		Name:  target.Pod,
		State: MapPodPhase(phase),
		Ports: make(map[int]int),
	}

	if target.PodContainer != "" {
		key, err := containerState.FirstString(ctx, doc, target.PodContainer)
		if err != nil {
			return nil, pberrors.E(pberrors.CodeContainerError, "failed to read container status").WithCause(err)
		}
		if s, ok := containerStates[key]; ok {
			info.State = s
		}
	}

	uid, _ := podUIDQuery.FirstString(ctx, doc)
	info.ID = truncateID(uid)
	info.IPAddress, _ = podIPQuery.FirstString(ctx, doc)
	info.Image, _ = podImageQuery.FirstString(ctx, doc)

	if labels, _ := podLabelsQuery.First(ctx, doc); labels != nil {
		if m, ok := labels.(map[string]any); ok && len(m) > 0 {
			info.Labels = make(map[string]string, len(m))
			for key, v := range m {
				info.Labels[key] = fmt.Sprint(v)
			}
		}
	}
	if ts, _ := podCreated.FirstString(ctx, doc); ts != "" {
		if created, err := time.Parse(time.RFC3339, ts); err == nil {
			info.Created = created
		}
	}
	return info, nil
}

// Exec implements Runtime. kubectl exec has no workdir or env flags, so
// both are folded into a quoted `sh -c` script. User is ignored.
func (k *KubernetesRuntime) Exec(ctx context.Context, target Target, command []string, opts ExecOptions) (lifecycle.ExecResult, error) {
	info, err := k.GetContainerInfo(ctx, target)
	if err != nil {
		return lifecycle.ExecResult{}, err
	}
	if !info.Running() {
		return lifecycle.ExecResult{}, notRunning(target, info.State)
	}

	script := shellescape.QuoteCommand(command)
	if prefix := envAssignments(opts.Env, ""); prefix != "" {
		script = prefix + " " + script
	}
	if opts.Workdir != "" {
		script = "cd " + shellescape.Quote(opts.Workdir) + " && " + script
	}

	res, err := k.run(ctx, opts.Timeout, k.execArgs(target, script)...)
	recordExec(Kubernetes, res, err)
	return res, err
}

func (k *KubernetesRuntime) execArgs(target Target, script string) []string {
	args := []string{"exec", target.Pod, "-n", target.namespace()}
	if target.PodContainer != "" {
		args = append(args, "-c", target.PodContainer)
	}
	return append(args, "--", "sh", "-c", script)
}

// FindProcesses implements Runtime.
func (k *KubernetesRuntime) FindProcesses(ctx context.Context, target Target) ([]ProcessInfo, error) {
	return k.ops.findProcesses(ctx, target)
}

// CheckListener implements Runtime.
func (k *KubernetesRuntime) CheckListener(ctx context.Context, target Target) (bool, string, error) {
	return k.ops.checkListener(ctx, target)
}

// InstallListener implements Runtime.
func (k *KubernetesRuntime) InstallListener(ctx context.Context, target Target) error {
	return k.ops.installListener(ctx, target)
}

// InjectListener implements Runtime.
func (k *KubernetesRuntime) InjectListener(ctx context.Context, target Target, pid, port int) error {
	return k.ops.injectListener(ctx, target, pid, port)
}

// LaunchWithListener implements Runtime. The process is backgrounded with
// nohup inside the pod.
func (k *KubernetesRuntime) LaunchWithListener(ctx context.Context, target Target, spec LaunchSpec) error {
	if err := k.ops.installListener(ctx, target); err != nil {
		return err
	}

	cmd := listenerCommand(spec)
	script := "nohup " + shellescape.QuoteCommand(cmd) + " > /dev/null 2>&1 &"
	if spec.Workdir != "" {
		script = "cd " + shellescape.Quote(spec.Workdir) + " && " + script
	}
	if exports := envAssignments(spec.Env, "export "); exports != "" {
		script = exports + " " + script
	}

	res, err := k.run(ctx, detachTimeout, k.execArgs(target, script)...)
	recordExec(Kubernetes, res, err)
	if err != nil {
		return err
	}
	if !res.Success() {
		return pberrors.NewExecError(strings.Join(cmd, " "), target.Identifier(), res.ExitCode, res.Stderr)
	}

	k.logger.Info("launched debugpy",
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.Int("port", spec.Port))
	return nil
}

// GetEndpoint implements Runtime by forwarding a local port to the pod.
// Forwards are cached per pod and port while their process lives.
func (k *KubernetesRuntime) GetEndpoint(ctx context.Context, target Target, port int) (Endpoint, error) {
	if target.Pod == "" {
		return Endpoint{}, &pberrors.NotFoundError{Resource: "pod", ID: "(empty)"}
	}
	local, err := k.forwards.forward(ctx, target.namespace(), target.Pod, port)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: "127.0.0.1", Port: local}, nil
}

// Close implements Runtime by stopping all port-forwards.
func (k *KubernetesRuntime) Close() error {
	return k.forwards.closeAll()
}

// envAssignments renders env as sorted, quoted K=V words. With the
// "export " prefix each assignment is its own statement.
func envAssignments(env map[string]string, prefix string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		part := prefix + key + "=" + shellescape.Quote(env[key])
		if prefix != "" {
			part += ";"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

func kubernetesRemediation(Target) []string {
	return []string{
		"Pod lacks SYS_PTRACE capability required for debugger injection.",
		"",
		"Solutions:",
		"1. Add SYS_PTRACE capability to your pod spec:",
		"   securityContext:",
		"     capabilities:",
		"       add: ['SYS_PTRACE']",
		"",
		"2. Use debug_container_launch to start a new debuggable process",
		"3. Pre-install debugpy and call debugpy.listen() in your code",
	}
}
