package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marrasen/agentbridge"
	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/ipc"
	"github.com/marrasen/agentbridge/stream"
)

// queryFile is the --file format: either a plain list of queries or a
// mapping with queries and an optional runtime configuration.
type queryFile struct {
	Queries       []string       `yaml:"queries"`
	Configuration map[string]any `yaml:"configuration"`
}

func (q *queryFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&q.Queries)
	}
	type plain queryFile
	return node.Decode((*plain)(q))
}

func readQueryFile(path string) (queryFile, error) {
	var qf queryFile
	data, err := os.ReadFile(path)
	if err != nil {
		return qf, err
	}
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return qf, fmt.Errorf("parse %s: %w", path, err)
	}
	return qf, nil
}

func newRunCommand(c *cli) *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run [query...]",
		Short: "Submit queries and print their frames and a summary",
		Long: `Submit each argument as a query, plus any queries from --file, and wait
until all of them finish. At most max_concurrency run at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := append([]string(nil), args...)
			var opts []agentbridge.SubmitOption
			if file != "" {
				qf, err := readQueryFile(file)
				if err != nil {
					return err
				}
				queries = append(queries, qf.Queries...)
				if len(qf.Configuration) > 0 {
					opts = append(opts, agentbridge.WithConfiguration(qf.Configuration))
				}
			}
			if len(queries) == 0 {
				return fmt.Errorf("no queries given")
			}
			return c.run(cmd.Context(), cmd.OutOrStdout(), queries, asJSON, opts)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with queries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print frames as JSON lines")
	return cmd
}

func (c *cli) run(ctx context.Context, out io.Writer, queries []string, asJSON bool, opts []agentbridge.SubmitOption) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ipc.Dial(ctx, c.cfg.SocketPath, ipc.ClientOptions{Logger: c.logger})
	if err != nil {
		return fmt.Errorf("connect to runtime: %w", err)
	}
	defer client.Close()

	orch := agentbridge.New(agent.NewIPCRuntime(client, c.logger), c.orchestratorOptions())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		orch.Shutdown(sctx)
	}()

	p := &framePrinter{out: out, json: asJSON}
	_, err = orch.SubmitMany(ctx, queries, append(opts, agentbridge.WithStream(p.print))...)
	fmt.Fprintln(out)
	fmt.Fprint(out, orch.Summary())
	return err
}

// framePrinter writes frames of concurrent tasks without interleaving lines.
type framePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func (p *framePrinter) print(_ context.Context, f stream.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if err := json.MarshalWrite(p.out, f); err != nil {
			return err
		}
		_, err := io.WriteString(p.out, "\n")
		return err
	}
	_, err := fmt.Fprintf(p.out, "[%s] %s%s\n", f.TaskID, f.Type, describe(f))
	return err
}

func describe(f stream.Frame) string {
	switch d := f.Data.(type) {
	case stream.CreatedData:
		return " " + d.Query
	case stream.MessageData:
		if d.Partial || d.Message.Text == "" {
			return ""
		}
		kind := d.Message.Say
		if d.Message.Type == agent.MessageAsk {
			kind = d.Message.Ask
		}
		return fmt.Sprintf(" %s: %s", kind, strings.TrimSpace(d.Message.Text))
	case stream.ToolFailedData:
		return fmt.Sprintf(" %s: %s", d.Tool, d.Error)
	case stream.ClosedData:
		return fmt.Sprintf(" (%s)", d.Reason)
	}
	return ""
}
