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

package debug

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// LanguagePython selects the debugpy backend.
const LanguagePython = "python"

// DefaultAdapterTimeout bounds how long a local adapter may take to listen.
const DefaultAdapterTimeout = 10 * time.Second

// PythonOptions configures the debugpy backend.
type PythonOptions struct {
	Spawner lifecycle.Spawner

	// Interpreter is used when neither the session nor the launch sets one.
	// Default: python3 when found on PATH, else python.
	Interpreter string

	// FreePort allocates the adapter port. Default: lifecycle.FreePort
	FreePort func() (int, error)

	ReadyTimeout time.Duration
}

// Python drives debugpy.
type Python struct {
	spawner      lifecycle.Spawner
	interpreter  string
	freePort     func() (int, error)
	readyTimeout time.Duration
}

// NewPython returns the debugpy backend.
func NewPython(opts PythonOptions) *Python {
	p := &Python{
		spawner:      opts.Spawner,
		interpreter:  opts.Interpreter,
		freePort:     opts.FreePort,
		readyTimeout: opts.ReadyTimeout,
	}
	if p.spawner == nil {
		p.spawner = lifecycle.ExecSpawner{}
	}
	if p.interpreter == "" {
		p.interpreter = "python"
		if lifecycle.LookPath("python3") {
			p.interpreter = "python3"
		}
	}
	if p.freePort == nil {
		p.freePort = lifecycle.FreePort
	}
	if p.readyTimeout <= 0 {
		p.readyTimeout = DefaultAdapterTimeout
	}
	return p
}

// Language implements Backend.
func (p *Python) Language() string { return LanguagePython }

// AdapterID implements Backend.
func (p *Python) AdapterID() string { return "debugpy" }

// StartAdapter runs `python -m debugpy.adapter` on a free loopback port.
func (p *Python) StartAdapter(ctx context.Context, opts AdapterOptions) (*Adapter, error) {
	python := opts.PythonPath
	if python == "" {
		python = p.interpreter
	}

	port, err := p.freePort()
	if err != nil {
		return nil, err
	}
	args := []string{"-m", "debugpy.adapter", "--host", "127.0.0.1", "--port", strconv.Itoa(port)}
	proc, err := p.spawner.Spawn(ctx, python, args, lifecycle.SpawnOptions{Dir: opts.Cwd})
	if err != nil {
		return nil, fmt.Errorf("start debugpy adapter: %w", err)
	}

	addr := lifecycle.LocalAddr(port)
	if err := lifecycle.WaitForPort(ctx, addr, proc, lifecycle.DefaultPollInterval, p.readyTimeout); err != nil {
		stderr := strings.TrimSpace(pberrors.Truncate(proc.Stderr(), 500))
		proc.Close()
		if errors.Is(err, lifecycle.ErrProcessExited) && stderr != "" {
			return nil, fmt.Errorf("debugpy adapter exited: %s", stderr)
		}
		return nil, fmt.Errorf("debugpy adapter not ready: %w", err)
	}
	return &Adapter{Addr: addr, Process: proc}, nil
}

// LaunchArguments implements Backend.
func (p *Python) LaunchArguments(cfg LaunchConfig) map[string]any {
	args := map[string]any{
		"request":     "launch",
		"args":        nonNil(cfg.Args),
		"cwd":         cfg.Cwd,
		"env":         envOrEmpty(cfg.Env),
		"stopOnEntry": cfg.StopOnEntry,
		"console":     "internalConsole",
		"justMyCode":  justMyCode(cfg.JustMyCode),
	}
	if cfg.Module != "" {
		args["module"] = cfg.Module
	} else {
		args["program"] = cfg.Program
	}
	if cfg.PythonPath != "" {
		args["python"] = []string{cfg.PythonPath}
	}
	return args
}

// AttachArguments implements Backend.
func (p *Python) AttachArguments(cfg AttachConfig) map[string]any {
	args := map[string]any{
		"request":    "attach",
		"justMyCode": justMyCode(cfg.JustMyCode),
	}
	if cfg.ProcessID != 0 {
		args["processId"] = cfg.ProcessID
	} else {
		args["connect"] = map[string]any{"host": cfg.Host, "port": cfg.Port}
	}
	if len(cfg.PathMappings) > 0 {
		mappings := make([]map[string]string, len(cfg.PathMappings))
		for i, m := range cfg.PathMappings {
			mappings[i] = map[string]string{"localRoot": m.LocalRoot, "remoteRoot": m.RemoteRoot}
		}
		args["pathMappings"] = mappings
	}
	return args
}

// ExceptionFilters implements Backend.
func (p *Python) ExceptionFilters(stopOnException bool) []string {
	if stopOnException {
		return []string{"raised", "uncaught"}
	}
	return []string{}
}

// pythonInspect is a single expression so it runs through evaluate. The
// json round trip replaces NaN and infinities with null.
const pythonInspect = `(lambda json, v, n, st: json.dumps(json.loads(json.dumps({` +
	`"type": type(v).__module__ + "." + type(v).__qualname__, ` +
	`"length": len(v) if hasattr(v, "__len__") and getattr(v, "ndim", 1) != 0 else None, ` +
	`"shape": [int(d) for d in v.shape] if isinstance(getattr(v, "shape", None), tuple) else None, ` +
	`"columns": [str(c) for c in list(v.columns)[:100]] if hasattr(v, "columns") else None, ` +
	`"dtypes": {str(k): str(d) for k, d in list(v.dtypes.items())[:100]} if hasattr(getattr(v, "dtypes", None), "items") else None, ` +
	`"dtype": str(v.dtype) if hasattr(v, "dtype") else None, ` +
	`"keys": [str(k) for k in list(v.keys())[:n]] if isinstance(v, dict) else None, ` +
	`"preview": v.head(n).to_string() if hasattr(v, "head") and hasattr(v, "to_string") ` +
	`else {str(k): repr(x)[:200] for k, x in list(v.items())[:n]} if isinstance(v, dict) ` +
	`else [repr(x)[:200] for x in list(v)[:n]] if isinstance(v, (list, tuple, set, frozenset)) ` +
	`else repr(v[:n]) if getattr(v, "ndim", 0) >= 1 else repr(v)[:500], ` +
	`"statistics": None if not st ` +
	`else json.loads(v.describe().to_json()) if hasattr(v, "describe") and hasattr(v, "to_json") ` +
	`else {"min": float(v.min()), "max": float(v.max()), "mean": float(v.mean())} ` +
	`if getattr(getattr(v, "dtype", None), "kind", "") in ("i", "u", "f") and getattr(v, "size", 0) > 0 ` +
	`else {"min": min(v), "max": max(v), "mean": sum(v) / len(v)} ` +
	`if isinstance(v, (list, tuple)) and v and all(type(x) in (int, float) for x in v) else None` +
	`}, default=str), parse_constant=lambda c: None)))(__import__("json"), %s, %d, %s)`

// InspectExpression implements VariableInspector.
func (p *Python) InspectExpression(name string, rows int, statistics bool) string {
	st := "False"
	if statistics {
		st = "True"
	}
	return fmt.Sprintf(pythonInspect, name, rows, st)
}

// DecodeInspection implements VariableInspector. debugpy reports a str
// result as its repr.
func (p *Python) DecodeInspection(result string) ([]byte, error) {
	if strings.HasPrefix(result, "{") {
		return []byte(result), nil
	}
	s, err := unquotePython(result)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// unquotePython reverses repr() of a str.
func unquotePython(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return "", fmt.Errorf("not a string literal: %s", pberrors.Truncate(s, 80))
	}
	body := s[1 : len(s)-1]

	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(body) {
			return "", errors.New("trailing backslash in string literal")
		}
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'x', 'u':
			width := 2
			if body[i] == 'u' {
				width = 4
			}
			if i+width >= len(body) {
				return "", fmt.Errorf("short \\%c escape", body[i])
			}
			r, err := strconv.ParseUint(body[i+1:i+1+width], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad \\%c escape: %w", body[i], err)
			}
			b.WriteRune(rune(r))
			i += width
		default:
			b.WriteByte(body[i])
		}
	}
	return b.String(), nil
}

func justMyCode(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func envOrEmpty(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}
