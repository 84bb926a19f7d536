package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/agent/sim"
	"github.com/marrasen/agentbridge/ipc"
)

func TestReadQueryFile(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.yaml")
	require.NoError(t, os.WriteFile(list, []byte("- first\n- second\n"), 0o600))
	qf, err := readQueryFile(list)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, qf.Queries)

	mapping := filepath.Join(dir, "map.yaml")
	require.NoError(t, os.WriteFile(mapping, []byte("queries: [a, b]\nconfiguration:\n  mode: code\n"), 0o600))
	qf, err = readQueryFile(mapping)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, qf.Queries)
	assert.Equal(t, "code", qf.Configuration["mode"])
}

func TestVersionSkipsConfig(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "agentbridge dev\n", out.String())
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--dir", t.TempDir()})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "max_concurrency: 3")
}

func TestRunAgainstMockRuntime(t *testing.T) {
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "ab")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "rt.sock")

	rt := sim.New()
	host := agent.NewHost(rt, nil)
	server := ipc.NewServer(socket, host)
	host.Attach(server)
	require.NoError(t, server.Listen())
	go server.Serve()
	t.Cleanup(func() {
		host.Close()
		server.Close()
	})

	t.Setenv("AGENTBRIDGE_SOCKET_PATH", socket)
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--dir", t.TempDir(), "hello there", "second query"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, root.ExecuteContext(ctx))

	text := out.String()
	assert.Contains(t, text, "TASK_CREATED hello there")
	assert.Contains(t, text, "completion_result: Finished: second query")
	assert.Equal(t, 2, strings.Count(text, "STREAM_CLOSED (task_completed)"))
	assert.Contains(t, text, "2 tasks: 2 completed")
}
