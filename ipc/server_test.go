package ipc

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a path short enough for the unix socket limit.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

type recordingHandler struct {
	mu   sync.Mutex
	cmds []*TaskCommand
}

func (h *recordingHandler) HandleCommand(_ context.Context, cmd *TaskCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
}

func (h *recordingHandler) commands() []*TaskCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*TaskCommand(nil), h.cmds...)
}

func startServer(t *testing.T, path string, handler CommandHandler, opts ...ServerOptions) *Server {
	t.Helper()
	srv := NewServer(path, handler, opts...)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestAckIsFirstMessage(t *testing.T) {
	path := socketPath(t)
	srv := startServer(t, path, &recordingHandler{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			ev, _ := NewTaskEvent("taskStarted", "t-1", "t-1")
			srv.Publish(ev)
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 5; i++ {
		nc, err := net.Dial("unix", path)
		require.NoError(t, err)

		dec := NewDecoder(nc)
		first, err := dec.Decode()
		require.NoError(t, err)
		ack, ok := first.(*Ack)
		require.True(t, ok, "first message was %T", first)
		assert.NotEmpty(t, ack.ClientID)
		assert.Equal(t, os.Getpid(), ack.PID)

		// Every later message is an event; no second Ack.
		_ = nc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		for {
			msg, err := dec.Decode()
			if err != nil {
				break
			}
			_, isAck := msg.(*Ack)
			require.False(t, isAck)
		}
		nc.Close()
	}
}

func TestRelayOnlyToTargetClient(t *testing.T) {
	path := socketPath(t)
	srv := startServer(t, path, &recordingHandler{})

	ctx := context.Background()
	a, err := Dial(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	require.NotEqual(t, a.ClientID(), b.ClientID())
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	relayed, err := NewTaskEvent("taskCreated", "t-a", "t-a")
	require.NoError(t, err)
	relayed.RelayClientID = a.ClientID()
	require.NoError(t, srv.Publish(relayed))

	broadcast, err := NewTaskEvent("taskStarted", "t-x", "t-x")
	require.NoError(t, err)
	require.NoError(t, srv.Publish(broadcast))

	next := func(c *Client) *TaskEvent {
		select {
		case ev := <-c.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}

	assert.Equal(t, "taskCreated", next(a).EventName)
	assert.Equal(t, "taskStarted", next(a).EventName)
	assert.Equal(t, "taskStarted", next(b).EventName, "b must not see a's relayed event")
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	path := socketPath(t)
	handler := &recordingHandler{}
	startServer(t, path, handler)

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer nc.Close()

	dec := NewDecoder(nc)
	msg, err := dec.Decode()
	require.NoError(t, err)
	ack := msg.(*Ack)

	w := bufio.NewWriter(nc)
	w.WriteString("this is not json\n")
	w.WriteString(`{"type":"Telemetry","origin":"client","data":{}}` + "\n")
	line, err := Encode(NewCancelTask("someone-else", "t-1"))
	require.NoError(t, err)
	w.Write(append(line, '\n'))
	require.NoError(t, w.Flush())

	require.Eventually(t, func() bool { return len(handler.commands()) == 1 }, time.Second, 5*time.Millisecond)
	cmd := handler.commands()[0]
	assert.Equal(t, CommandCancelTask, cmd.CommandName)
	assert.Equal(t, ack.ClientID, cmd.ClientID)
}

func TestConnectAndDisconnectHooks(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path, &recordingHandler{})
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	srv.OnConnect(func(_ context.Context, ev *Connect) error {
		connected <- ev.ClientID
		return nil
	})
	srv.OnDisconnect(func(_ context.Context, ev *Disconnect) {
		disconnected <- ev.ClientID
	})
	require.NoError(t, srv.Listen())
	go srv.Serve()
	defer srv.Close()

	c, err := Dial(context.Background(), path, ClientOptions{ReconnectMaxAttempts: -1})
	require.NoError(t, err)
	id := <-connected
	assert.Equal(t, c.ClientID(), id)

	c.Close()
	select {
	case got := <-disconnected:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook not called")
	}
}

func TestClientDetectsServerRestart(t *testing.T) {
	path := socketPath(t)
	first := startServer(t, path, &recordingHandler{}, ServerOptions{PID: 100})

	restarts := make(chan [2]Ack, 1)
	c, err := Dial(context.Background(), path, ClientOptions{
		ReconnectInterval:    10 * time.Millisecond,
		ReconnectMaxInterval: 20 * time.Millisecond,
		OnRestart:            func(prev, next Ack) { restarts <- [2]Ack{prev, next} },
	})
	require.NoError(t, err)
	defer c.Close()
	oldID := c.ClientID()

	require.NoError(t, first.Close())
	handler := &recordingHandler{}
	startServer(t, path, handler, ServerOptions{PID: 200})

	select {
	case got := <-restarts:
		assert.Equal(t, 100, got[0].PID)
		assert.Equal(t, 200, got[1].PID)
	case <-time.After(3 * time.Second):
		t.Fatal("restart not detected")
	}
	assert.NotEqual(t, oldID, c.ClientID())

	require.NoError(t, c.Send(NewCloseTask("", "t-1")))
	require.Eventually(t, func() bool { return len(handler.commands()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, c.ClientID(), handler.commands()[0].ClientID)
}

func TestSendAfterCloseFails(t *testing.T) {
	path := socketPath(t)
	startServer(t, path, &recordingHandler{})

	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(NewCancelTask("", "t")), ErrClosed)

	_, open := <-c.Events()
	assert.False(t, open)
}
