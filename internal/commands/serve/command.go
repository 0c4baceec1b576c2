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

// Package serve implements the command that runs the MCP server over stdio.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/config"
	"github.com/tombee/polybugger/internal/container"
	"github.com/tombee/polybugger/internal/debug"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/mcp/server"
	"github.com/tombee/polybugger/internal/metrics"
	"github.com/tombee/polybugger/internal/remote"
	"github.com/tombee/polybugger/internal/session"
	"github.com/tombee/polybugger/internal/sshtunnel"
	"github.com/tombee/polybugger/internal/tracing"
)

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the polybugger MCP server",
		Long: `Start the polybugger MCP (Model Context Protocol) server on stdio.

The server exposes debug session tools to an AI assistant: create sessions,
launch or attach to Python programs, set breakpoints, step, inspect
variables, evaluate expressions, and debug processes inside docker, podman,
or kubernetes containers, optionally over an SSH tunnel.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "polybugger": {
        "command": "polybugger",
        "args": ["serve"]
      }
    }
  }

Logs are written to stderr. stdout carries only MCP protocol messages.`,
		Annotations: map[string]string{
			"group": "server",
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, ephemeral)
		},
	}

	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep session records in memory only")

	return cmd
}

func runServe(cmd *cobra.Command, ephemeral bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if ephemeral {
		cfg.Persistence.Enabled = false
	}
	logger := shared.NewLogger(cfg, cmd.ErrOrStderr())

	if shared.IsTerminal(os.Stdin) {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderWarn(
			"stdin is a terminal. 'polybugger serve' speaks MCP on stdio and is meant to be started by an MCP client."))
	}

	versionStr, _, _ := shared.GetVersion()

	cfg.Tracing.Output = cmd.ErrOrStderr()
	shutdownTracing, err := tracing.Setup(cfg.Tracing, "polybugger", versionStr)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	st, err := newStack(cfg, versionStr, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	gctx, done := context.WithCancel(gctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, logger)
		})
	}
	g.Go(func() error {
		// The metrics listener stops when the MCP client goes away.
		defer done()
		return st.run(gctx)
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := st.close(shutdownCtx); err != nil {
		logger.Error("shutdown failed", pblog.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", pblog.Error(err))
	}
	return runErr
}

// stack is the set of long-lived components behind the server.
type stack struct {
	store    session.Store
	sessions *session.Manager
	pool     *container.Pool
	tunnels  *sshtunnel.Manager
	server   *server.Server
	logger   *slog.Logger
}

func newStack(cfg *config.Config, version string, logger *slog.Logger) (*stack, error) {
	store, err := shared.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	registry := debug.NewRegistry(debug.NewPython(debug.PythonOptions{
		Interpreter:  cfg.Python.Interpreter,
		ReadyTimeout: cfg.Python.AdapterTimeout,
	}))

	sessions := session.NewManager(session.Config{
		MaxSessions:      cfg.Sessions.MaxSessions,
		SessionTimeout:   cfg.Sessions.Timeout,
		CleanupInterval:  cfg.Sessions.CleanupInterval,
		EventQueueSize:   cfg.Sessions.EventQueueSize,
		OutputLimit:      cfg.Sessions.OutputLimit,
		RequestTimeout:   cfg.Sessions.RequestTimeout,
		HandshakeTimeout: cfg.Sessions.HandshakeTimeout,
	}, store, registry, pblog.WithComponent(logger, "session"))

	pool := container.NewPool(container.Options{
		KubeContext: cfg.Containers.KubeContext,
		Kubeconfig:  cfg.Containers.Kubeconfig,
		Logger:      pblog.WithComponent(logger, "container"),
	})

	tunnels := sshtunnel.NewManager(sshtunnel.Options{
		Binary:       cfg.SSH.Binary,
		ReadyTimeout: cfg.SSH.ReadyTimeout,
		Logger:       pblog.WithComponent(logger, "ssh"),
	})

	pipeline := remote.NewPipeline(remote.Options{
		Runtimes:    pool,
		Tunnels:     tunnels,
		StartupWait: cfg.Containers.StartupWait,
		Logger:      pblog.WithComponent(logger, "remote"),
	})

	srv, err := server.NewServer(server.ServerConfig{
		Name:     "polybugger",
		Version:  version,
		Sessions: sessions,
		Remote:   pipeline,
		RateLimit: server.RateLimitConfig{
			CallsPerSecond:    cfg.Server.CallsPerSecond,
			Burst:             cfg.Server.Burst,
			LaunchesPerMinute: cfg.Server.LaunchesPerMinute,
		},
		Logger: pblog.WithComponent(logger, "mcp"),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}

	return &stack{
		store:    store,
		sessions: sessions,
		pool:     pool,
		tunnels:  tunnels,
		server:   srv,
		logger:   logger,
	}, nil
}

// run loads recoverable sessions and serves MCP until ctx is done or the
// client disconnects.
func (s *stack) run(ctx context.Context) error {
	if err := s.sessions.Start(ctx); err != nil {
		return err
	}
	return s.server.Run(ctx)
}

// close persists live sessions and releases every external resource.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.tunnels.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("closing tunnels: %w", err))
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing runtimes: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// serveMetrics serves Prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return serveMetricsOn(ctx, ln, logger)
}

func serveMetricsOn(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
