package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandHandler receives the commands clients send. Commands from one
// client are delivered in order, one at a time.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *TaskCommand)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *TaskCommand)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd *TaskCommand) { f(ctx, cmd) }

// ConnectHook is called when a client connects, before its Ack is sent.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, ev *Connect) error

// DisconnectHook is called after a client has gone away.
type DisconnectHook func(ctx context.Context, ev *Disconnect)

// ServerOptions configures the IPC server.
type ServerOptions struct {
	// SendBuffer is the per-client outbound queue length. Default: 256
	SendBuffer int
	// MaxLineSize bounds inbound lines. Default: DefaultMaxLineSize
	MaxLineSize int
	// PID and PPID are reported in the Ack. Default: the current process.
	PID  int
	PPID int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		SendBuffer:  256,
		MaxLineSize: DefaultMaxLineSize,
		PID:         os.Getpid(),
		PPID:        os.Getppid(),
	}
}

// Server accepts agent clients on a unix socket, relays runtime events to them
// and forwards their commands to a CommandHandler.
type Server struct {
	path            string
	handler         CommandHandler
	options         ServerOptions
	logger          *zap.Logger
	ln              net.Listener
	conns           map[string]*serverConn
	mu              sync.RWMutex
	register        chan *serverConn
	unregister      chan *serverConn
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	closed          atomic.Bool
	stopped         chan struct{}
}

// NewServer creates a server for the socket at path. An optional
// ServerOptions can be passed to configure server behavior.
func NewServer(path string, handler CommandHandler, opts ...ServerOptions) *Server {
	options := defaultServerOptions()
	if len(opts) > 0 {
		opt := opts[0]
		if opt.SendBuffer > 0 {
			options.SendBuffer = opt.SendBuffer
		}
		if opt.MaxLineSize > 0 {
			options.MaxLineSize = opt.MaxLineSize
		}
		if opt.PID > 0 {
			options.PID = opt.PID
		}
		if opt.PPID > 0 {
			options.PPID = opt.PPID
		}
		options.Logger = opt.Logger
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		path:       path,
		handler:    handler,
		options:    options,
		logger:     logger.Named("ipc.server"),
		conns:      make(map[string]*serverConn),
		register:   make(chan *serverConn),
		unregister: make(chan *serverConn),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	go s.run()
	return s
}

// OnConnect registers a hook called for every new client. Hooks run in
// registration order; the first error rejects the client.
func (s *Server) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook called after a client is removed.
func (s *Server) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

// Listen binds the socket, removing a stale socket file left by a previous
// process.
func (s *Server) Listen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.path, err)
	}
	s.ln = ln
	s.logger.Info("listening", zap.String("socket", s.path))
	return nil
}

// Serve accepts clients until Close is called. It returns nil after Close.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("ipc: Serve called before Listen")
	}
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	conn := newServerConn(uuid.NewString(), nc, s)
	if err := s.runConnectHooks(&Connect{ClientID: conn.id}); err != nil {
		s.logger.Info("connection rejected", zap.String("client_id", conn.id), zap.Error(err))
		nc.Close()
		return
	}

	// The Ack is queued before the connection joins the relay set so that it
	// is always the first line the client reads.
	ack, err := Encode(&Ack{ClientID: conn.id, PID: s.options.PID, PPID: s.options.PPID})
	if err != nil {
		s.logger.Error("encode ack", zap.Error(err))
		nc.Close()
		return
	}
	conn.enqueue(ack)

	select {
	case s.register <- conn:
	case <-s.stopped:
		nc.Close()
		return
	}
	if s.closed.Load() {
		nc.Close()
	}
	s.logger.Debug("client connected", zap.String("client_id", conn.id))

	go conn.writePump()
	conn.readPump()
}

// Publish delivers ev to its relay client, or to every client when
// RelayClientID is empty. A client whose queue is full is disconnected.
func (s *Server) Publish(ev *TaskEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	var slow []*serverConn
	s.mu.RLock()
	if ev.RelayClientID != "" {
		if conn, ok := s.conns[ev.RelayClientID]; ok && !conn.enqueue(data) {
			slow = append(slow, conn)
		}
	} else {
		for _, conn := range s.conns {
			if !conn.enqueue(data) {
				slow = append(slow, conn)
			}
		}
	}
	s.mu.RUnlock()

	for _, conn := range slow {
		s.logger.Warn("client too slow, disconnecting",
			zap.String("client_id", conn.id),
			zap.String("event", ev.EventName))
		conn.nc.Close()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close stops accepting, disconnects every client and removes the socket file.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.mu.RLock()
	for _, conn := range s.conns {
		conn.nc.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
	close(s.stopped)
	if s.ln != nil {
		_ = os.Remove(s.path)
	}
	return err
}

func (s *Server) runConnectHooks(ev *Connect) error {
	for _, hook := range s.connectHooks {
		if err := hook(s.ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runDisconnectHooks(ev *Disconnect) {
	for _, hook := range s.disconnectHooks {
		hook(s.ctx, ev)
	}
}

func (s *Server) run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.conns[conn.id] = conn
			s.mu.Unlock()
		case conn := <-s.unregister:
			s.mu.Lock()
			_, existed := s.conns[conn.id]
			if existed {
				delete(s.conns, conn.id)
			}
			s.mu.Unlock()

			if existed {
				conn.close()
				s.runDisconnectHooks(&Disconnect{ClientID: conn.id})
				s.logger.Debug("client disconnected", zap.String("client_id", conn.id))
			}
		case <-s.stopped:
			return
		}
	}
}

// serverConn is one connected client.
type serverConn struct {
	id     string
	nc     net.Conn
	server *Server
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newServerConn(id string, nc net.Conn, server *Server) *serverConn {
	return &serverConn{
		id:     id,
		nc:     nc,
		server: server,
		send:   make(chan []byte, server.options.SendBuffer),
	}
}

// enqueue reports false when the queue is full.
func (c *serverConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *serverConn) readPump() {
	defer func() {
		c.server.unregister <- c
		c.nc.Close()
	}()

	dec := NewDecoder(c.nc)
	dec.SetMaxLineSize(c.server.options.MaxLineSize)
	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *ParseError
			switch {
			case errors.As(err, &perr):
				c.server.logger.Warn("malformed message", zap.String("client_id", c.id), zap.Error(err))
				continue
			case errors.Is(err, ErrUnknownMessageType):
				c.server.logger.Debug("ignoring message", zap.String("client_id", c.id), zap.Error(err))
				continue
			}
			return
		}

		cmd, ok := msg.(*TaskCommand)
		if !ok {
			c.server.logger.Debug("ignoring message", zap.String("client_id", c.id), zap.String("type", string(msg.Type())))
			continue
		}
		if cmd.ClientID != c.id {
			c.server.logger.Debug("command client id mismatch",
				zap.String("client_id", c.id),
				zap.String("claimed", cmd.ClientID))
			cmd.ClientID = c.id
		}
		c.server.handler.HandleCommand(c.server.ctx, cmd)
	}
}

func (c *serverConn) writePump() {
	defer c.nc.Close()

	enc := NewEncoder(c.nc)
	for data := range c.send {
		if err := enc.WriteLine(data); err != nil {
			return
		}
	}
}

func (c *serverConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
