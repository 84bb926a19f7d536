package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/agent/sim"
	"github.com/marrasen/agentbridge/ipc"
)

func newMockRuntimeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mock-runtime",
		Short: "Serve a scripted agent runtime on the socket",
		Long: `Serve a scripted agent runtime on socket_path. Every task narrates its
query word by word and completes; queries ending in "?" ask a follow-up first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mockRuntime(cmd.Context())
		},
	}
}

func (c *cli) mockRuntime(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := sim.New(sim.WithLogger(c.logger))
	host := agent.NewHost(rt, c.logger)
	server := ipc.NewServer(c.cfg.SocketPath, host, ipc.ServerOptions{Logger: c.logger})
	host.Attach(server)
	defer host.Close()

	if err := server.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	select {
	case <-ctx.Done():
		c.logger.Info("stopping mock runtime", zap.Int("clients", server.ClientCount()))
	case err := <-errCh:
		return err
	}
	return server.Close()
}
