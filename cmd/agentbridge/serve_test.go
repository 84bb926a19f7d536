package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge"
	"github.com/marrasen/agentbridge/agent/sim"
)

func TestShutdownEndsOpenStreamsPromptly(t *testing.T) {
	rt := sim.New(sim.WithBehavior(func(ctx context.Context, task *sim.Task) {
		task.Created()
		task.Started()
		<-ctx.Done()
	}))
	orch := agentbridge.New(rt, agentbridge.Options{})
	srv := agentbridge.NewServer(orch, agentbridge.ServerOptions{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := &http.Server{Handler: srv}
	go httpServer.Serve(ln)

	body := make(chan string, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/tasks/stream", "application/json", strings.NewReader(`{"query":"hold on"}`))
		if err != nil {
			body <- err.Error()
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body <- string(data)
	}()
	require.Eventually(t, func() bool { return orch.Stats().Active == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	start := time.Now()
	shutdown(ctx, zap.NewNop(), srv, httpServer, orch)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case text := <-body:
		assert.Contains(t, text, "STREAM_CLOSED")
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
}
