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

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/debug"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/sshtunnel"
	"github.com/tombee/polybugger/internal/tracing"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// DefaultStartupWait is how long a launched listener is given to bind
// before the endpoint is resolved.
const DefaultStartupWait = 2 * time.Second

// Runtimes hands out container runtimes by name. *container.Pool
// implements it.
type Runtimes interface {
	Get(name string) (container.Runtime, error)
}

// Tunneler creates SSH port-forwards. *sshtunnel.Manager implements it.
type Tunneler interface {
	CreateTunnel(ctx context.Context, cfg sshtunnel.Config, remoteHost string, remotePort int) (*sshtunnel.Tunnel, error)
}

// Attacher is the part of a debug session the pipeline drives.
type Attacher interface {
	Attach(ctx context.Context, cfg debug.AttachConfig) error
}

// Options configures a Pipeline.
type Options struct {
	Runtimes Runtimes
	Tunnels  Tunneler

	// StartupWait overrides DefaultStartupWait.
	StartupWait time.Duration

	// Sleep waits for d or until ctx is done. Default: a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Pipeline runs the container attach and launch flows.
type Pipeline struct {
	runtimes    Runtimes
	tunnels     Tunneler
	startupWait time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		runtimes:    opts.Runtimes,
		tunnels:     opts.Tunnels,
		startupWait: opts.StartupWait,
		sleep:       opts.Sleep,
		logger:      opts.Logger,
	}
	if p.startupWait <= 0 {
		p.startupWait = DefaultStartupWait
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.logger == nil {
		p.logger = pblog.Discard()
	}
	p.logger = pblog.WithComponent(p.logger, "remote")
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessList is the result of ListProcesses.
type ProcessList struct {
	Container string                  `json:"container"`
	Runtime   container.Kind          `json:"runtime"`
	Processes []container.ProcessInfo `json:"processes"`
	Total     int                     `json:"total"`
}

// ListProcesses lists python processes in target that match filter. A nil
// filter matches every process.
func (p *Pipeline) ListProcesses(ctx context.Context, target container.Target, filter *container.Filter) (*ProcessList, error) {
	rt, err := p.runtime(ctx, target)
	if err != nil {
		return nil, err
	}
	procs, err := rt.FindProcesses(ctx, target)
	if err != nil {
		return nil, err
	}
	procs, err = filter.Apply(procs)
	if err != nil {
		return nil, err
	}
	if procs == nil {
		procs = []container.ProcessInfo{}
	}
	return &ProcessList{
		Container: target.Identifier(),
		Runtime:   target.Runtime,
		Processes: procs,
		Total:     len(procs),
	}, nil
}

// runtime returns the runtime for target after checking its CLI responds.
func (p *Pipeline) runtime(ctx context.Context, target container.Target) (container.Runtime, error) {
	rt, err := p.runtimes.Get(string(target.Runtime))
	if err != nil {
		return nil, err
	}
	if !rt.IsAvailable(ctx) {
		return nil, pberrors.E(pberrors.CodeRuntimeNotAvailable, "%s CLI not available", target.Runtime).
			WithDetail("runtime", string(target.Runtime)).
			WithDetail("hint", fmt.Sprintf("Ensure %s is installed and accessible", rt.CLI()))
	}
	return rt, nil
}

// AttachOptions configures AttachContainer.
type AttachOptions struct {
	Target container.Target

	// ProcessID selects the process. When zero the process is found by
	// ProcessName and Filter and must be unique.
	ProcessID   int
	ProcessName string
	Filter      *container.Filter

	// Inject starts a debug listener inside the process.
	Inject bool

	// Port is the listener port inside the target. Default: 5678
	Port int

	PathMappings    []debug.PathMapping
	StopOnException bool
	JustMyCode      *bool
}

// Result describes a completed attach or launch.
type Result struct {
	Container string         `json:"container"`
	Runtime   container.Kind `json:"runtime"`
	ProcessID int            `json:"process_id,omitempty"`
	Endpoint  string         `json:"debugpy_endpoint"`
	Tunnel    string         `json:"tunnel,omitempty"`
}

// AttachContainer attaches session to a python process inside a container.
func (p *Pipeline) AttachContainer(ctx context.Context, session Attacher, opts AttachOptions) (res *Result, err error) {
	target := opts.Target
	ctx, span := tracing.Start(ctx, "remote.attach",
		attribute.String("container", target.Identifier()),
		attribute.String("runtime", string(target.Runtime)))
	defer func() { tracing.End(span, err) }()

	rt, err := p.runtime(ctx, target)
	if err != nil {
		return nil, err
	}

	pid := opts.ProcessID
	if pid == 0 {
		pid, err = p.selectProcess(ctx, rt, target, opts.ProcessName, opts.Filter)
		if err != nil {
			return nil, err
		}
	}

	port := opts.Port
	if port == 0 {
		port = container.DefaultListenerPort
	}
	if opts.Inject {
		if err := rt.InjectListener(ctx, target, pid, port); err != nil {
			return nil, err
		}
	}

	res, host, localPort, err := p.connect(ctx, rt, target, port)
	if err != nil {
		return nil, err
	}
	res.ProcessID = pid

	if err := session.Attach(ctx, debug.AttachConfig{
		Host:            host,
		Port:            localPort,
		PathMappings:    opts.PathMappings,
		StopOnException: opts.StopOnException,
		JustMyCode:      opts.JustMyCode,
	}); err != nil {
		return nil, err
	}

	p.logger.Info("attached to container process",
		slog.String(pblog.RuntimeKey, string(target.Runtime)),
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.Int("pid", pid),
		slog.String("endpoint", res.Endpoint))
	return res, nil
}

// selectProcess returns the one process matching name and filter.
func (p *Pipeline) selectProcess(ctx context.Context, rt container.Runtime, target container.Target, name string, filter *container.Filter) (int, error) {
	procs, err := rt.FindProcesses(ctx, target)
	if err != nil {
		return 0, err
	}
	if name != "" {
		needle := strings.ToLower(name)
		matched := procs[:0:0]
		for _, proc := range procs {
			if strings.Contains(strings.ToLower(proc.Cmdline), needle) {
				matched = append(matched, proc)
			}
		}
		procs = matched
	}
	procs, err = filter.Apply(procs)
	if err != nil {
		return 0, err
	}

	switch len(procs) {
	case 0:
		return 0, pberrors.E(pberrors.CodeNoProcess, "No matching Python processes found in %s", target.Identifier()).
			WithDetail("container", target.Identifier()).
			WithDetail("hint", "Use debug_container_list_processes to see available processes")
	case 1:
		return procs[0].PID, nil
	default:
		candidates := make([]map[string]any, 0, len(procs))
		for _, proc := range procs {
			candidates = append(candidates, map[string]any{"pid": proc.PID, "cmdline": proc.Cmdline})
		}
		return 0, pberrors.E(pberrors.CodeMultipleProcesses, "Multiple Python processes found (%d)", len(procs)).
			WithDetail("processes", candidates).
			WithDetail("hint", "Specify process_id to select one")
	}
}

// connect resolves the listener endpoint and tunnels to it when the target
// is behind SSH. It returns the host and port the session should dial.
func (p *Pipeline) connect(ctx context.Context, rt container.Runtime, target container.Target, port int) (*Result, string, int, error) {
	ep, err := rt.GetEndpoint(ctx, target, port)
	if err != nil {
		return nil, "", 0, err
	}
	res := &Result{Container: target.Identifier(), Runtime: target.Runtime}
	host, dialPort := ep.Host, ep.Port

	if target.SSH != nil {
		if p.tunnels == nil {
			return nil, "", 0, pberrors.E(pberrors.CodeSSHError, "SSH tunnelling is not configured")
		}
		t, err := p.tunnels.CreateTunnel(ctx, *target.SSH, ep.Host, ep.Port)
		if err != nil {
			return nil, "", 0, err
		}
		host, dialPort = "127.0.0.1", t.LocalPort
		res.Tunnel = t.Key()
	}
	res.Endpoint = fmt.Sprintf("%s:%d", host, dialPort)
	return res, host, dialPort, nil
}

// LaunchOptions configures LaunchContainer.
type LaunchOptions struct {
	Target container.Target

	// Program or Module selects what to run. Exactly one is required.
	Program string
	Module  string
	Args    []string
	Cwd     string
	Env     map[string]string

	// Port is the listener port inside the target. Default: 5678
	Port int

	PathMappings    []debug.PathMapping
	StopOnException bool
	JustMyCode      *bool
}

// Command returns the python arguments run under the listener.
func (o LaunchOptions) Command() []string {
	var cmd []string
	if o.Module != "" {
		cmd = []string{"-m", o.Module}
	} else {
		cmd = []string{o.Program}
	}
	return append(cmd, o.Args...)
}

// LaunchContainer starts a program under a debug listener inside a
// container and attaches session to it. The program waits for the client
// before running, so nothing executes before breakpoints are sent.
func (p *Pipeline) LaunchContainer(ctx context.Context, session Attacher, opts LaunchOptions) (res *Result, err error) {
	if opts.Program == "" && opts.Module == "" {
		return nil, &pberrors.ValidationError{Field: "program", Message: "either program or module must be specified"}
	}
	target := opts.Target
	ctx, span := tracing.Start(ctx, "remote.launch",
		attribute.String("container", target.Identifier()),
		attribute.String("runtime", string(target.Runtime)))
	defer func() { tracing.End(span, err) }()

	rt, err := p.runtime(ctx, target)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		port = container.DefaultListenerPort
	}
	if err := rt.LaunchWithListener(ctx, target, container.LaunchSpec{
		Command:       opts.Command(),
		Port:          port,
		WaitForClient: true,
		Env:           opts.Env,
		Workdir:       opts.Cwd,
	}); err != nil {
		return nil, err
	}

	if err := p.sleep(ctx, p.startupWait); err != nil {
		return nil, err
	}

	res, host, localPort, err := p.connect(ctx, rt, target, port)
	if err != nil {
		return nil, err
	}
	if err := session.Attach(ctx, debug.AttachConfig{
		Host:            host,
		Port:            localPort,
		PathMappings:    opts.PathMappings,
		StopOnException: opts.StopOnException,
		JustMyCode:      opts.JustMyCode,
	}); err != nil {
		return nil, err
	}

	p.logger.Info("launched in container",
		slog.String(pblog.RuntimeKey, string(target.Runtime)),
		slog.String(pblog.ContainerKey, target.Identifier()),
		slog.String("command", strings.Join(opts.Command(), " ")),
		slog.String("endpoint", res.Endpoint))
	return res, nil
}
