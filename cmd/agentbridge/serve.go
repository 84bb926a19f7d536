package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marrasen/agentbridge"
	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/internal/observability"
	"github.com/marrasen/agentbridge/ipc"
)

func newServeCommand(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in front of the runtime socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.HTTPAddr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http_addr")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := c.logger

	tp, err := observability.NewTracerProvider(ctx, c.cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	client, err := ipc.Dial(ctx, c.cfg.SocketPath, ipc.ClientOptions{
		Logger: logger,
		OnRestart: func(prev, next ipc.Ack) {
			logger.Warn("agent runtime restarted", zap.Int("prev_pid", prev.PID), zap.Int("pid", next.PID))
		},
	})
	if err != nil {
		return fmt.Errorf("connect to runtime: %w", err)
	}
	defer client.Close()
	runtime := agent.NewIPCRuntime(client, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := c.orchestratorOptions()
	opts.Metrics = agentbridge.MustNewMetrics(reg)
	opts.Tracer = tp.Tracer()
	orch := agentbridge.New(runtime, opts)

	srv := agentbridge.NewServer(orch, agentbridge.ServerOptions{Logger: logger})
	srv.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpServer := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", c.cfg.HTTPAddr), zap.String("socket", c.cfg.SocketPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-runtime.Done():
		runErr = errors.New("lost connection to the agent runtime")
		logger.Error("runtime connection closed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(sctx, logger, srv, httpServer, orch)
	return runErr
}

// shutdown drains the HTTP server and the orchestrator together. Open task
// streams only end once the orchestrator fails their tasks.
func shutdown(ctx context.Context, logger *zap.Logger, srv *agentbridge.Server, httpServer *http.Server, orch *agentbridge.Orchestrator) {
	srv.Stop()
	var g errgroup.Group
	g.Go(func() error {
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("orchestrator shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
}
