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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/polybugger/internal/lifecycle"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/metrics"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

const (
	checkTimeout  = 5 * time.Second
	detachTimeout = 10 * time.Second
)

// dockerStates maps `docker inspect` State.Status values.
var dockerStates = map[string]State{
	"created":    StateCreated,
	"running":    StateRunning,
	"paused":     StatePaused,
	"restarting": StateRestarting,
	"removing":   StateRemoving,
	"exited":     StateExited,
	"dead":       StateDead,
}

// MapDockerState maps a docker or podman status string to a State.
// Unrecognized values map to StateUnknown.
func MapDockerState(status string) State {
	if s, ok := dockerStates[strings.ToLower(status)]; ok {
		return s
	}
	return StateUnknown
}

// DockerRuntime drives docker-compatible CLIs. Podman is the same runtime
// configured with the podman binary.
type DockerRuntime struct {
	kind   Kind
	cli    string
	runner lifecycle.Runner
	logger *slog.Logger
	ops    listenerOps
}

// DockerOptions configures a DockerRuntime.
type DockerOptions struct {
	// Kind is Docker or Podman. Default: Docker
	Kind Kind

	// CLI is the executable. Default: the kind's name
	CLI string

	Runner lifecycle.Runner
	Logger *slog.Logger
}

// NewDocker creates a docker-compatible runtime.
func NewDocker(opts DockerOptions) *DockerRuntime {
	if opts.Kind == "" {
		opts.Kind = Docker
	}
	if opts.CLI == "" {
		opts.CLI = string(opts.Kind)
	}
	if opts.Runner == nil {
		opts.Runner = lifecycle.CommandRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = pblog.Discard()
	}

	d := &DockerRuntime{
		kind:   opts.Kind,
		cli:    opts.CLI,
		runner: opts.Runner,
		logger: opts.Logger.With(slog.String(pblog.RuntimeKey, string(opts.Kind))),
	}
	d.ops = listenerOps{
		exec:        d.Exec,
		kind:        d.kind,
		logger:      d.logger,
		remediation: d.remediation,
	}
	return d
}

// Kind implements Runtime.
func (d *DockerRuntime) Kind() Kind { return d.kind }

// CLI implements Runtime.
func (d *DockerRuntime) CLI() string { return d.cli }

// IsAvailable implements Runtime.
func (d *DockerRuntime) IsAvailable(ctx context.Context) bool {
	res, err := d.runner.Run(ctx, d.cli, []string{"version", "--format", "{{.Server.Version}}"},
		lifecycle.RunOptions{Timeout: checkTimeout})
	return err == nil && res.Success()
}

func (d *DockerRuntime) run(ctx context.Context, timeout time.Duration, args ...string) (lifecycle.ExecResult, error) {
	d.logger.Debug("running", slog.String("cmd", d.cli+" "+strings.Join(args, " ")))
	res, err := d.runner.Run(ctx, d.cli, args, lifecycle.RunOptions{Timeout: timeout})
	if err != nil {
		return res, pberrors.E(pberrors.CodeContainerError, "failed to run %s", d.cli).WithCause(err)
	}
	return res, nil
}

// inspectDoc is the subset of `docker inspect` output we read.
type inspectDoc struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// GetContainerInfo implements Runtime.
func (d *DockerRuntime) GetContainerInfo(ctx context.Context, target Target) (*Info, error) {
	ref := target.ref()
	if ref == "" {
		return nil, &pberrors.NotFoundError{Resource: "container", ID: "(empty)"}
	}

	res, err := d.run(ctx, lifecycle.DefaultTimeout, "inspect", "--format", "{{json .}}", ref)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "No such") || strings.Contains(strings.ToLower(res.Stderr), "not found") {
			return nil, &pberrors.NotFoundError{Resource: "container", ID: ref}
		}
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to inspect container: %s", strings.TrimSpace(res.Stderr)).
			WithDetail("container", ref)
	}

	return parseDockerInspect([]byte(res.Stdout), ref)
}

func parseDockerInspect(raw []byte, ref string) (*Info, error) {
	var doc inspectDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to parse container info: %s",
			pberrors.Truncate(string(raw), 200)).WithDetail("container", ref)
	}

	info := &Info{
		ID:     truncateID(doc.ID),
		Name:   strings.TrimPrefix(doc.Name, "/"),
		State:  MapDockerState(doc.State.Status),
		Image:  doc.Config.Image,
		Labels: doc.Config.Labels,
		Ports:  make(map[int]int),
	}
	if doc.State.Status == "" {
		info.State = StateUnknown
	}

	// Map iteration order is random; pick the first address by network name.
	names := make([]string, 0, len(doc.NetworkSettings.Networks))
	for name := range doc.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ip := doc.NetworkSettings.Networks[name].IPAddress; ip != "" {
			info.IPAddress = ip
			break
		}
	}

	for portProto, bindings := range doc.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		containerPort, err := strconv.Atoi(strings.SplitN(portProto, "/", 2)[0])
		if err != nil {
			continue
		}
		if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil && hostPort > 0 {
			info.Ports[containerPort] = hostPort
		}
	}

	if doc.Created != "" {
		if created, err := time.Parse(time.RFC3339Nano, doc.Created); err == nil {
			info.Created = created
		}
	}
	return info, nil
}

// Exec implements Runtime.
func (d *DockerRuntime) Exec(ctx context.Context, target Target, command []string, opts ExecOptions) (lifecycle.ExecResult, error) {
	info, err := d.GetContainerInfo(ctx, target)
	if err != nil {
		return lifecycle.ExecResult{}, err
	}
	if !info.Running() {
		return lifecycle.ExecResult{}, notRunning(target, info.State)
	}

	args := []string{"exec"}
	args = append(args, envFlags(opts.Env)...)
	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	args = append(args, target.ref())
	args = append(args, command...)

	res, err := d.run(ctx, opts.Timeout, args...)
	recordExec(d.kind, res, err)
	return res, err
}

// FindProcesses implements Runtime.
func (d *DockerRuntime) FindProcesses(ctx context.Context, target Target) ([]ProcessInfo, error) {
	return d.ops.findProcesses(ctx, target)
}

// CheckListener implements Runtime.
func (d *DockerRuntime) CheckListener(ctx context.Context, target Target) (bool, string, error) {
	return d.ops.checkListener(ctx, target)
}

// InstallListener implements Runtime.
func (d *DockerRuntime) InstallListener(ctx context.Context, target Target) error {
	return d.ops.installListener(ctx, target)
}

// InjectListener implements Runtime.
func (d *DockerRuntime) InjectListener(ctx context.Context, target Target, pid, port int) error {
	return d.ops.injectListener(ctx, target, pid, port)
}

// LaunchWithListener implements Runtime. The process is started with
// `exec -d` so it outlives the CLI invocation.
func (d *DockerRuntime) LaunchWithListener(ctx context.Context, target Target, spec LaunchSpec) error {
	if err := d.ops.installListener(ctx, target); err != nil {
		return err
	}

	cmd := listenerCommand(spec)
	args := []string{"exec", "-d"}
	args = append(args, envFlags(spec.Env)...)
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	args = append(args, target.ref())
	args = append(args, cmd...)

	res, err := d.run(ctx, detachTimeout, args...)
	recordExec(d.kind, res, err)
	if err != nil {
		return err
	}
	if !res.Success() {
		return pberrors.NewExecError(strings.Join(cmd, " "), target.Identifier(), res.ExitCode, res.Stderr)
	}

	d.logger.Info("launched debugpy",
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.Int("port", spec.Port))
	return nil
}

// GetEndpoint implements Runtime. A published host port wins over the
// container's bridge address.
func (d *DockerRuntime) GetEndpoint(ctx context.Context, target Target, port int) (Endpoint, error) {
	info, err := d.GetContainerInfo(ctx, target)
	if err != nil {
		return Endpoint{}, err
	}
	if hostPort, ok := info.Ports[port]; ok {
		return Endpoint{Host: "127.0.0.1", Port: hostPort}, nil
	}
	if info.IPAddress != "" {
		return Endpoint{Host: info.IPAddress, Port: port}, nil
	}
	return Endpoint{}, pberrors.E(pberrors.CodeNoEndpoint,
		"Cannot determine debugpy endpoint for container %s", target.Identifier()).
		WithDetail("container", target.Identifier()).
		WithDetail("port", port).
		WithDetail("mapped_ports", info.Ports)
}

// Close implements Runtime.
func (d *DockerRuntime) Close() error { return nil }

func (d *DockerRuntime) remediation(Target) []string {
	return []string{
		"Container lacks SYS_PTRACE capability required for debugger injection.",
		"",
		"Solutions:",
		fmt.Sprintf("1. Restart container with: %s run --cap-add=SYS_PTRACE ...", d.cli),
		"2. Use debug_container_launch to start a new debuggable process",
		"3. Pre-install debugpy and call debugpy.listen() in your code",
		"",
		"For docker-compose, add to your service:",
		"  cap_add:",
		"    - SYS_PTRACE",
	}
}

func envFlags(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "-e", k+"="+env[k])
	}
	return flags
}

func notRunning(target Target, state State) error {
	return pberrors.E(pberrors.CodeContainerNotRunning,
		"Container '%s' is not running (state: %s)", target.Identifier(), state).
		WithDetail("container", target.Identifier()).
		WithDetail("state", string(state))
}

func recordExec(kind Kind, res lifecycle.ExecResult, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case res.TimedOut:
		outcome = metrics.OutcomeTimeout
	case !res.Success():
		outcome = metrics.OutcomeFailure
	}
	metrics.RecordExec(string(kind), outcome)
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
