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
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/polybugger/internal/lifecycle"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/tracing"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// DefaultListenerPort is the port the debug listener binds inside targets.
const DefaultListenerPort = 5678

const (
	listTimeout    = 10 * time.Second
	checkTimeout   = 10 * time.Second
	installTimeout = 60 * time.Second
	injectTimeout  = 30 * time.Second
)

// installers are tried in order; the first success wins.
var installers = [][]string{
	{"pip", "install", "--quiet", "debugpy"},
	{"pip3", "install", "--quiet", "debugpy"},
	{"python", "-m", "pip", "install", "--quiet", "debugpy"},
}

// securityMarkers identify a denied ptrace in lowercased injection stderr.
var securityMarkers = []string{"operation not permitted", "ptrace", "eperm"}

// execFunc runs a command inside a target.
type execFunc func(ctx context.Context, target Target, command []string, opts ExecOptions) (lifecycle.ExecResult, error)

// listenerOps implements the runtime-independent listener workflow on top
// of a runtime's exec.
type listenerOps struct {
	exec        execFunc
	kind        Kind
	logger      *slog.Logger
	remediation func(Target) []string
}

func (o listenerOps) findProcesses(ctx context.Context, target Target) ([]ProcessInfo, error) {
	res, err := o.exec(ctx, target, []string{"ps", "aux"}, ExecOptions{Timeout: listTimeout})
	if err != nil {
		return nil, err
	}
	if res.Success() {
		return parsePS(res.Stdout), nil
	}

	o.logger.Debug("ps unavailable, falling back to /proc",
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.String("stderr", strings.TrimSpace(res.Stderr)))

	res, err = o.exec(ctx, target, []string{"sh", "-c", procListScript}, ExecOptions{Timeout: listTimeout})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		o.logger.Warn("failed to list processes",
			slog.String(pblog.ContainerKey, target.Identifier()),
			slog.String("stderr", strings.TrimSpace(res.Stderr)))
		return []ProcessInfo{}, nil
	}
	return parseProcList(res.Stdout), nil
}

func (o listenerOps) checkListener(ctx context.Context, target Target) (bool, string, error) {
	res, err := o.exec(ctx, target,
		[]string{"python", "-c", "import debugpy; print(debugpy.__version__)"},
		ExecOptions{Timeout: checkTimeout})
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}
	return true, strings.TrimSpace(res.Stdout), nil
}

func (o listenerOps) installListener(ctx context.Context, target Target) error {
	installed, version, err := o.checkListener(ctx, target)
	if err != nil {
		return err
	}
	if installed {
		o.logger.Debug("debugpy already installed",
			slog.String(pblog.ContainerKey, target.Identifier()),
			slog.String("version", version))
		return nil
	}

	var last lifecycle.ExecResult
	for _, cmd := range installers {
		last, err = o.exec(ctx, target, cmd, ExecOptions{Timeout: installTimeout})
		if err != nil {
			return err
		}
		if last.Success() {
			o.logger.Info("installed debugpy",
				slog.String(pblog.ContainerKey, target.Identifier()),
				slog.String("installer", cmd[0]))
			return nil
		}
	}
	return pberrors.NewExecError("pip install debugpy", target.Identifier(), last.ExitCode, last.Stderr)
}

func (o listenerOps) injectListener(ctx context.Context, target Target, pid, port int) (err error) {
	ctx, span := tracing.Start(ctx, "container.inject_listener",
		attribute.String("container", target.Identifier()),
		attribute.Int("pid", pid),
		attribute.Int("port", port))
	defer func() { tracing.End(span, err) }()

	if err := o.installListener(ctx, target); err != nil {
		return err
	}

	res, err := o.exec(ctx, target, []string{
		"python", "-m", "debugpy",
		"--listen", fmt.Sprintf("0.0.0.0:%d", port),
		"--pid", strconv.Itoa(pid),
	}, ExecOptions{Timeout: injectTimeout})
	if err != nil {
		return err
	}
	if !res.Success() {
		return o.classifyInjectFailure(target, pid, res)
	}

	o.logger.Info("injected debugpy",
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.Int("pid", pid),
		slog.Int("port", port))
	return nil
}

// classifyInjectFailure separates a denied ptrace from other failures.
func (o listenerOps) classifyInjectFailure(target Target, pid int, res lifecycle.ExecResult) error {
	stderr := strings.ToLower(res.Stderr)
	for _, marker := range securityMarkers {
		if strings.Contains(stderr, marker) {
			return &pberrors.SecurityError{
				Operation:   fmt.Sprintf("debugpy --pid %d", pid),
				Container:   target.Identifier(),
				Reason:      "Cannot inject debugpy: ptrace not permitted",
				Remediation: o.remediation(target),
			}
		}
	}
	return pberrors.NewExecError(fmt.Sprintf("debugpy --pid %d", pid), target.Identifier(), res.ExitCode, res.Stderr)
}

// listenerCommand builds the python command line that runs spec under the
// listener.
func listenerCommand(spec LaunchSpec) []string {
	port := spec.Port
	if port == 0 {
		port = DefaultListenerPort
	}
	cmd := []string{"python", "-m", "debugpy", "--listen", fmt.Sprintf("0.0.0.0:%d", port)}
	if spec.WaitForClient {
		cmd = append(cmd, "--wait-for-client")
	}
	return append(cmd, spec.Command...)
}
