package agentbridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/stream"
)

// ConnectHook is called when a watcher connects.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, conn *Conn) error

// DisconnectHook is called when a watcher connection is closed.
type DisconnectHook func(ctx context.Context, conn *Conn)

// ServerOptions configures the server behavior.
type ServerOptions struct {
	// KeepAliveInterval is the SSE keep-alive comment interval. Default: 15s
	KeepAliveInterval time.Duration
	// SendBuffer is the per-watcher outgoing message buffer. Default: 256
	SendBuffer int
	// MaxBodySize limits request bodies. Default: 1 MiB
	MaxBodySize int64
	Logger      *zap.Logger
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		KeepAliveInterval: 15 * time.Second,
		SendBuffer:        256,
		MaxBodySize:       1 << 20,
		Logger:            zap.NewNop(),
	}
}

// Server exposes an Orchestrator over HTTP. Task calls are plain JSON or SSE
// requests; watchers follow every frame over WebSocket or SSE.
type Server struct {
	orch            *Orchestrator
	mux             *http.ServeMux
	handler         http.Handler
	middleware      []Middleware
	upgrader        websocket.Upgrader
	conns           map[*Conn]struct{}
	mu              sync.RWMutex
	register        chan *Conn
	unregister      chan *Conn
	nextConnID      uint64 // atomic counter for connection IDs
	options         ServerOptions
	logger          *zap.Logger
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
	stopping        atomic.Bool
	unwatch         func()
}

// NewServer creates a server for orch.
// An optional ServerOptions can be passed to configure server behavior.
func NewServer(orch *Orchestrator, opts ...ServerOptions) *Server {
	options := defaultServerOptions()
	if len(opts) > 0 {
		// Merge provided options with defaults
		opt := opts[0]
		if opt.KeepAliveInterval > 0 {
			options.KeepAliveInterval = opt.KeepAliveInterval
		}
		if opt.SendBuffer > 0 {
			options.SendBuffer = opt.SendBuffer
		}
		if opt.MaxBodySize > 0 {
			options.MaxBodySize = opt.MaxBodySize
		}
		if opt.Logger != nil {
			options.Logger = opt.Logger
		}
	}

	s := &Server{
		orch: orch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins by default
			},
		},
		conns:      make(map[*Conn]struct{}),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		options:    options,
		logger:     options.Logger.Named("http"),
	}
	s.routes()
	s.unwatch = orch.Watch(s.broadcastFrame)
	go s.run()
	return s
}

func (s *Server) routes() {
	h := newSSEHandler(s)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("POST /tasks/stream", h.handleSubmitStream)
	mux.HandleFunc("POST /tasks/batch", s.handleBatch)
	mux.HandleFunc("POST /tasks/{id}/messages", s.handleContinue)
	mux.HandleFunc("POST /tasks/{id}/messages/stream", h.handleContinueStream)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/close", s.handleClose)
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /summary", s.handleSummary)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /events", h.handleWatch)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux = mux
	s.handler = s.buildHandler()
}

// Handle mounts an extra handler, such as /metrics, on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// OnConnect registers a hook to be called when a watcher connects.
// Hooks are called in the order they are registered.
// If a hook returns an error, the connection is rejected and subsequent hooks are not called.
func (s *Server) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook to be called when a watcher disconnects.
func (s *Server) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

// runConnectHooks executes all connect hooks in order.
// Returns the first error encountered, or nil if all hooks succeed.
func (s *Server) runConnectHooks(ctx context.Context, conn *Conn) error {
	for _, hook := range s.connectHooks {
		if err := hook(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// runDisconnectHooks executes all disconnect hooks in order.
func (s *Server) runDisconnectHooks(conn *Conn) {
	for _, hook := range s.disconnectHooks {
		hook(conn.ctx, conn)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := atomic.AddUint64(&s.nextConnID, 1)
	wsT := newWSTransport(ws, s.options.SendBuffer)
	conn := newConn(wsT, s, connID, uuid.NewString(), r, r.Context())

	// Run connect hooks before starting message processing
	if err := s.runConnectHooks(conn.ctx, conn); err != nil {
		perr := toProtocolError(err)
		data, _ := json.Marshal(ErrorMessage{Type: TypeError, Code: perr.Code, Message: perr.Message})
		ws.WriteMessage(websocket.TextMessage, data)
		ws.Close()
		return
	}

	// The connected message is queued before registering, so it precedes
	// every frame.
	conn.sendJSON(ConnectedMessage{Type: TypeConnected, ConnectionID: conn.publicID})
	s.register <- conn

	go wsT.writePump()
	wsT.readPump(conn)
}

func (s *Server) broadcastFrame(f stream.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.conns {
		conn.sendJSON(FrameMessage{Type: TypeFrame, Frame: f})
	}
}

// ConnectionCount returns the number of active watcher connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()
		case conn := <-s.unregister:
			s.mu.Lock()
			_, existed := s.conns[conn]
			if existed {
				delete(s.conns, conn)
			}
			s.mu.Unlock()

			if existed {
				s.runDisconnectHooks(conn)
				conn.close()
			}
		}
	}
}

// Stop closes every watcher connection and refuses new requests. Pending
// task requests finish on their own; shut the orchestrator down to end them.
func (s *Server) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	s.unwatch()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.closeGracefully()
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, ErrInvalidParams("query is required"))
		return
	}
	run, err := s.orch.Submit(r.Context(), req.Query, req.options()...)
	if err != nil && !errors.Is(err, ErrSubmissionFailed) {
		writeError(w, err)
		return
	}
	// A refused submission still produced a failed run.
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, ErrInvalidParams("queries is required"))
		return
	}
	var opts []SubmitOption
	if len(req.Configuration) > 0 {
		opts = append(opts, WithConfiguration(req.Configuration))
	}
	runs, err := s.orch.SubmitMany(r.Context(), req.Queries, opts...)
	resp := BatchResponse{Runs: runs}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []SubmitOption
	if len(req.Images) > 0 {
		opts = append(opts, WithImages(req.Images...))
	}
	run, err := s.orch.Continue(r.Context(), r.PathValue("id"), req.Text, opts...)
	if err != nil && !errors.Is(err, ErrSubmissionFailed) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CloseTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.orch.Get(r.PathValue("id"))
	if !ok {
		writeError(w, ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(s.orch.Summary()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		writeError(w, ErrShutdown)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Stats    Stats  `json:"stats"`
		Watchers int    `json:"watchers"`
	}{"ok", s.orch.Stats(), s.ConnectionCount()})
}

// decode reads a JSON body into v, answering the request itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.stopping.Load() {
		writeError(w, ErrShutdown)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, s.options.MaxBodySize)
	if err := json.UnmarshalRead(body, v); err != nil {
		writeError(w, WrapError(CodeParseError, "invalid JSON", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.MarshalWrite(w, v)
}

func writeError(w http.ResponseWriter, err error) {
	perr := toProtocolError(err)
	writeJSON(w, perr.HTTPStatus(), ErrorMessage{Type: TypeError, Code: perr.Code, Message: perr.Error()})
}
