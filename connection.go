package agentbridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"
)

// Conn is one watcher connection, over WebSocket or SSE.
type Conn struct {
	transport transport
	server    *Server
	id        uint64
	publicID  string
	request   *http.Request
	ctx       context.Context
	dropped   atomic.Int64
	mu        sync.Mutex
	closed    bool
}

func newConn(t transport, server *Server, id uint64, publicID string, r *http.Request, ctx context.Context) *Conn {
	c := &Conn{
		transport: t,
		server:    server,
		id:        id,
		publicID:  publicID,
		request:   r,
	}
	c.ctx = withConnection(ctx, c)
	return c
}

// ID returns the server-local connection number.
func (c *Conn) ID() uint64 { return c.id }

// ConnectionID returns the id announced to the client.
func (c *Conn) ConnectionID() string { return c.publicID }

// Request returns the HTTP request that opened the connection.
func (c *Conn) Request() *http.Request { return c.request }

// Context returns the connection's context.
func (c *Conn) Context() context.Context { return c.ctx }

// Dropped returns how many messages were dropped because the client was slow.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

func (c *Conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.transport.Send(data); err != nil {
		if errors.Is(err, errTransportFull) && c.dropped.Add(1)%100 == 1 {
			c.server.logger.Warn("watcher too slow, dropping messages",
				zap.String("connection_id", c.publicID),
				zap.Int64("dropped", c.dropped.Load()))
		}
		return err
	}
	return nil
}

func (c *Conn) sendError(code int, message string) {
	c.sendJSON(ErrorMessage{Type: TypeError, Code: code, Message: message})
}

// handleIncomingMessage dispatches a raw message from any transport.
func (c *Conn) handleIncomingMessage(data []byte) {
	var msg IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(CodeParseError, "invalid JSON")
		return
	}

	switch msg.Type {
	case TypePing:
		c.sendJSON(PongMessage{Type: TypePong})
	default:
		c.sendError(CodeInvalidRequest, "unknown message type")
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.Close()
}

func (c *Conn) closeGracefully() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.CloseGracefully()
}
