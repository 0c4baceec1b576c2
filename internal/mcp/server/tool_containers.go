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

package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/remote"
	"github.com/tombee/polybugger/internal/sshtunnel"
)

// defaultContainerCwd is the working directory of container launches.
const defaultContainerCwd = "/app"

// targetProps are the arguments every container tool takes.
func targetProps() map[string]any {
	return map[string]any{
		"runtime":        enumProp("Container runtime. May be omitted when container is a runtime:target reference", container.Supported()...),
		"container":      prop("string", "Container ID or name, pod name for Kubernetes, or a reference such as docker:web or k8s:staging/api/worker"),
		"namespace":      prop("string", "Kubernetes namespace (default: default)"),
		"container_name": prop("string", "Container within the pod, for multi-container pods"),
		"ssh_host":       prop("string", "SSH host the container runs on"),
		"ssh_user":       prop("string", "SSH username"),
		"ssh_port":       prop("integer", "SSH port (default: 22)"),
		"ssh_key_path":   prop("string", "Path to the SSH private key"),
		"ssh_jump_host":  prop("string", "Bastion host to jump through"),
		"filter":         prop("string", "Process filter expression, e.g. user == \"app\" && cmdline contains \"gunicorn\""),
	}
}

func withTargetProps(extra map[string]any) map[string]any {
	props := targetProps()
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func (s *Server) registerContainerTools() {
	s.addTool(mcp.Tool{
		Name:        "debug_container_list_processes",
		Description: "List Python processes in a container.",
		InputSchema: objectSchema(targetProps(), "container"),
	}, s.handleContainerListProcesses)

	s.addTool(mcp.Tool{
		Name:        "debug_container_attach",
		Description: "Attach a session to a Python process in a container: find the process, inject debugpy if needed (requires SYS_PTRACE), tunnel over SSH when configured, and attach.",
		InputSchema: objectSchema(withTargetProps(map[string]any{
			"session_id":     sessionIDProp(),
			"process_id":     prop("integer", "PID of the Python process inside the container"),
			"process_name":   prop("string", "Process command line filter (e.g. \"gunicorn\")"),
			"inject_debugpy": prop("boolean", "Start a debugpy listener inside the process (default: true)"),
			"debugpy_port":   prop("integer", "Port debugpy listens on (default: 5678)"),
			"path_mappings":  pathMappingsProp(),
		}), "session_id", "container"),
	}, s.handleContainerAttach)

	s.addTool(mcp.Tool{
		Name:        "debug_container_launch",
		Description: "Launch a Python program under debugpy in a container and attach a session to it. Does not require SYS_PTRACE.",
		InputSchema: objectSchema(withTargetProps(map[string]any{
			"session_id":        sessionIDProp(),
			"program":           prop("string", "Script path inside the container"),
			"module":            prop("string", "Module to run with -m"),
			"args":              arrayProp("string", "Program arguments"),
			"cwd":               prop("string", "Working directory inside the container (default: /app)"),
			"env":               prop("object", "Extra environment variables"),
			"debugpy_port":      prop("integer", "Port debugpy listens on (default: 5678)"),
			"stop_on_exception": prop("boolean", "Stop on raised and uncaught exceptions (default: true)"),
			"path_mappings":     pathMappingsProp(),
		}), "session_id", "container"),
	}, s.handleContainerLaunch)
}

// containerTarget builds the target from the tool arguments.
func containerTarget(request mcp.CallToolRequest) (container.Target, error) {
	ref, err := requireString(request, "container")
	if err != nil {
		return container.Target{}, err
	}
	runtime, err := optString(request, "runtime", "")
	if err != nil {
		return container.Target{}, err
	}
	namespace, err := optString(request, "namespace", "")
	if err != nil {
		return container.Target{}, err
	}
	podContainer, err := optString(request, "container_name", "")
	if err != nil {
		return container.Target{}, err
	}

	var target container.Target
	if runtime == "" && remote.IsReference(ref) {
		parsed, err := remote.ParseReference(ref)
		if err != nil {
			return container.Target{}, err
		}
		if parsed.Namespace == "" {
			parsed.Namespace = namespace
		}
		if parsed.PodContainer == "" {
			parsed.PodContainer = podContainer
		}
		target = parsed.Target()
	} else {
		if runtime == "" {
			return container.Target{}, argError("runtime", "is required unless container is a runtime:target reference")
		}
		kind, err := container.ParseKind(runtime)
		if err != nil {
			return container.Target{}, err
		}
		target = container.NewTarget(kind, ref, namespace, podContainer)
	}

	ssh, err := sshConfig(request)
	if err != nil {
		return container.Target{}, err
	}
	target.SSH = ssh
	return target, nil
}

// sshConfig returns nil unless ssh_host is set.
func sshConfig(request mcp.CallToolRequest) (*sshtunnel.Config, error) {
	host, err := optString(request, "ssh_host", "")
	if err != nil || host == "" {
		return nil, err
	}
	cfg := &sshtunnel.Config{Host: host}
	if cfg.User, err = optString(request, "ssh_user", ""); err != nil {
		return nil, err
	}
	if cfg.Port, err = optInt(request, "ssh_port", 0); err != nil {
		return nil, err
	}
	if cfg.KeyPath, err = optString(request, "ssh_key_path", ""); err != nil {
		return nil, err
	}
	if cfg.JumpHost, err = optString(request, "ssh_jump_host", ""); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func processFilter(request mcp.CallToolRequest) (*container.Filter, error) {
	source, err := optString(request, "filter", "")
	if err != nil || source == "" {
		return nil, err
	}
	return container.CompileFilter(source)
}

func (s *Server) handleContainerListProcesses(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	target, err := containerTarget(request)
	if err != nil {
		return nil, err
	}
	filter, err := processFilter(request)
	if err != nil {
		return nil, err
	}
	return s.remote.ListProcesses(ctx, target, filter)
}

func (s *Server) handleContainerAttach(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	opts := remote.AttachOptions{StopOnException: true}
	if opts.Target, err = containerTarget(request); err != nil {
		return nil, err
	}
	if opts.Filter, err = processFilter(request); err != nil {
		return nil, err
	}
	if opts.ProcessID, err = optInt(request, "process_id", 0); err != nil {
		return nil, err
	}
	if opts.ProcessName, err = optString(request, "process_name", ""); err != nil {
		return nil, err
	}
	if opts.Inject, err = optBool(request, "inject_debugpy", true); err != nil {
		return nil, err
	}
	if opts.Port, err = optInt(request, "debugpy_port", container.DefaultListenerPort); err != nil {
		return nil, err
	}
	if opts.PathMappings, err = pathMappings(request, sess.ProjectRoot()); err != nil {
		return nil, err
	}

	res, err := s.remote.AttachContainer(ctx, sess, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":           "attached",
		"session_id":       sess.ID(),
		"state":            sess.State(),
		"container":        res.Container,
		"runtime":          res.Runtime,
		"process_id":       res.ProcessID,
		"debugpy_endpoint": res.Endpoint,
		"message":          "Attached to container process. Poll events or wait for stopped state.",
	}, nil
}

func (s *Server) handleContainerLaunch(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sess, err := s.sessionFor(request)
	if err != nil {
		return nil, err
	}
	var opts remote.LaunchOptions
	if opts.Program, err = optString(request, "program", ""); err != nil {
		return nil, err
	}
	if opts.Module, err = optString(request, "module", ""); err != nil {
		return nil, err
	}
	if opts.Program == "" && opts.Module == "" {
		return nil, argError("program", "either program or module must be specified")
	}
	if opts.Target, err = containerTarget(request); err != nil {
		return nil, err
	}
	if opts.Args, err = optStrings(request, "args"); err != nil {
		return nil, err
	}
	if opts.Cwd, err = optString(request, "cwd", defaultContainerCwd); err != nil {
		return nil, err
	}
	if opts.Env, err = optStringMap(request, "env"); err != nil {
		return nil, err
	}
	if opts.Port, err = optInt(request, "debugpy_port", container.DefaultListenerPort); err != nil {
		return nil, err
	}
	if opts.StopOnException, err = optBool(request, "stop_on_exception", true); err != nil {
		return nil, err
	}
	if opts.PathMappings, err = pathMappings(request, sess.ProjectRoot()); err != nil {
		return nil, err
	}

	res, err := s.remote.LaunchContainer(ctx, sess, opts)
	if err != nil {
		return nil, err
	}
	program := opts.Program
	if program == "" {
		program = opts.Module
	}
	return map[string]any{
		"status":           "launched",
		"session_id":       sess.ID(),
		"state":            sess.State(),
		"container":        res.Container,
		"runtime":          res.Runtime,
		"program":          program,
		"debugpy_endpoint": res.Endpoint,
		"message":          "Program launched in container. Poll events or wait for stopped state.",
	}, nil
}
