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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/polybugger/internal/lifecycle"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// DefaultForwardTimeout bounds how long a new port-forward may take to
// accept connections.
const DefaultForwardTimeout = 10 * time.Second

type portForwarderOptions struct {
	binary   string
	baseArgs []string
	spawner  lifecycle.Spawner
	freePort func() (int, error)
	timeout  time.Duration
	logger   *slog.Logger
}

type forward struct {
	localPort int
	proc      lifecycle.Handle
}

// portForwarder caches `kubectl port-forward` processes keyed by
// namespace/pod:port.
type portForwarder struct {
	opts portForwarderOptions

	mu       sync.Mutex
	forwards map[string]*forward
	group    singleflight.Group
}

func newPortForwarder(opts portForwarderOptions) *portForwarder {
	if opts.spawner == nil {
		opts.spawner = lifecycle.ExecSpawner{}
	}
	if opts.freePort == nil {
		opts.freePort = lifecycle.FreePort
	}
	if opts.timeout <= 0 {
		opts.timeout = DefaultForwardTimeout
	}
	return &portForwarder{opts: opts, forwards: make(map[string]*forward)}
}

// forward returns the local port forwarded to pod:remotePort, starting a
// port-forward if no live one exists. Concurrent callers for the same key
// share one spawn; other keys are not blocked by it.
func (p *portForwarder) forward(ctx context.Context, namespace, pod string, remotePort int) (int, error) {
	key := fmt.Sprintf("%s/%s:%d", namespace, pod, remotePort)

	if port, ok := p.lookup(key); ok {
		return port, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if port, ok := p.lookup(key); ok {
			return port, nil
		}
		fw, err := p.start(ctx, namespace, pod, remotePort)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.forwards[key] = fw
		p.mu.Unlock()
		return fw.localPort, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// lookup returns the cached live forward for key, evicting a dead one.
func (p *portForwarder) lookup(key string) (int, bool) {
	p.mu.Lock()
	fw, ok := p.forwards[key]
	if ok && !fw.proc.Alive() {
		delete(p.forwards, key)
		ok = false
	}
	p.mu.Unlock()

	if !ok {
		if fw != nil {
			_ = fw.proc.Close()
		}
		return 0, false
	}
	return fw.localPort, true
}

func (p *portForwarder) start(ctx context.Context, namespace, pod string, remotePort int) (*forward, error) {
	localPort, err := p.opts.freePort()
	if err != nil {
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to allocate local port").WithCause(err)
	}

	args := append(append([]string{}, p.opts.baseArgs...),
		"port-forward", "pod/"+pod, "-n", namespace, fmt.Sprintf("%d:%d", localPort, remotePort))

	p.opts.logger.Info("starting port-forward",
		slog.Int("local_port", localPort),
		slog.String("pod", namespace+"/"+pod),
		slog.Int("remote_port", remotePort))

	proc, err := p.opts.spawner.Spawn(ctx, p.opts.binary, args, lifecycle.SpawnOptions{})
	if err != nil {
		return nil, pberrors.E(pberrors.CodeContainerError, "failed to start port-forward").WithCause(err).
			WithDetail("pod", pod).
			WithDetail("port", remotePort)
	}

	err = lifecycle.WaitForPort(ctx, lifecycle.LocalAddr(localPort), proc, lifecycle.DefaultPollInterval, p.opts.timeout)
	if err != nil {
		stderr := proc.Stderr()
		_ = proc.Close()
		switch {
		case errors.Is(err, lifecycle.ErrProcessExited):
			return nil, pberrors.E(pberrors.CodeContainerError, "Port-forward failed: %s",
				strings.TrimSpace(pberrors.Truncate(stderr, 500))).
				WithDetail("pod", pod).
				WithDetail("port", remotePort)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, pberrors.E(pberrors.CodeContainerError, "Port-forward timeout").
				WithDetail("pod", pod).
				WithDetail("port", remotePort)
		}
	}
	return &forward{localPort: localPort, proc: proc}, nil
}

func (p *portForwarder) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.forwards)
}

func (p *portForwarder) closeAll() error {
	p.mu.Lock()
	forwards := p.forwards
	p.forwards = make(map[string]*forward)
	p.mu.Unlock()

	var errs []error
	for _, fw := range forwards {
		if err := fw.proc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
