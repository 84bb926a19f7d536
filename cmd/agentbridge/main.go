// Command agentbridge runs the orchestration bridge in front of an agent
// runtime's IPC socket.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge"
	"github.com/marrasen/agentbridge/internal/config"
	"github.com/marrasen/agentbridge/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	configFile string
	dir        string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "agentbridge",
		Short: "Concurrency-limited task orchestration for an agent runtime",
		Long: `agentbridge submits queries to an agent runtime over its IPC socket,
runs a bounded number of them at once and streams their progress.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initialize()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "YAML config file (default: ./agentbridge.yaml if present)")
	root.PersistentFlags().StringVar(&c.dir, "dir", ".", "directory holding .env files and agentbridge.yaml")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newRunCommand(c))
	root.AddCommand(newMockRuntimeCommand(c))
	root.AddCommand(newConfigCommand(c))
	root.AddCommand(newVersionCommand())
	return root
}

func (c *cli) initialize() error {
	cfg, err := config.Load(config.LoadOptions{Dir: c.dir, File: c.configFile})
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// orchestratorOptions maps the loaded configuration onto Orchestrator options.
func (c *cli) orchestratorOptions() agentbridge.Options {
	return agentbridge.Options{
		MaxConcurrency:  c.cfg.MaxConcurrency,
		Timeout:         c.cfg.Timeout,
		Retention:       c.cfg.Retention,
		RetentionSize:   c.cfg.RetentionSize,
		CancelOnTimeout: c.cfg.CancelOnTimeout,
		Configuration:   c.cfg.Agent.Configuration,
		Logger:          c.logger,
	}
}

func newConfigCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbridge %s\n", version)
		},
	}
}

// shutdownTimeout bounds graceful shutdown of servers and tasks.
const shutdownTimeout = 30 * time.Second
