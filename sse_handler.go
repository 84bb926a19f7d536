package agentbridge

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/stream"
	"github.com/marrasen/agentbridge/tasks"
)

// sseHandler serves the SSE endpoints: per-call frame streams and the
// all-task watcher feed.
type sseHandler struct {
	server *Server
}

func newSSEHandler(s *Server) *sseHandler {
	return &sseHandler{server: s}
}

// open starts an SSE response.
func (h *sseHandler) open(w http.ResponseWriter) (*sseTransport, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return newSSETransport(w, flusher), true
}

func (h *sseHandler) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.server.decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, ErrInvalidParams("query is required"))
		return
	}
	h.serveCycle(w, r, func(ctx context.Context, opts ...SubmitOption) (tasks.Run, error) {
		return h.server.orch.Submit(ctx, req.Query, append(req.options(), opts...)...)
	})
}

func (h *sseHandler) handleContinueStream(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !h.server.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	// Refuse up front so the error is a plain HTTP error, not a stream.
	run, ok := h.server.orch.Get(id)
	switch {
	case !ok:
		writeError(w, ErrTaskNotFound)
		return
	case run.Status != tasks.StatusAwaitingInput:
		if run.Status.IsTerminal() {
			writeError(w, ErrTaskFinished)
		} else {
			writeError(w, ErrNotAwaitingInput)
		}
		return
	}
	var opts []SubmitOption
	if len(req.Images) > 0 {
		opts = append(opts, WithImages(req.Images...))
	}
	h.serveCycle(w, r, func(ctx context.Context, extra ...SubmitOption) (tasks.Run, error) {
		return h.server.orch.Continue(ctx, id, req.Text, append(opts, extra...)...)
	})
}

// serveCycle streams the frames of one Submit or Continue call until its
// STREAM_CLOSED frame, sending keep-alive comments while the task is quiet.
func (h *sseHandler) serveCycle(w http.ResponseWriter, r *http.Request, call func(context.Context, ...SubmitOption) (tasks.Run, error)) {
	sseT, ok := h.open(w)
	if !ok {
		return
	}
	defer sseT.Close()

	var frames, inFlight atomic.Int64
	cb := func(ctx context.Context, f stream.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		inFlight.Add(1)
		defer inFlight.Add(-1)
		frames.Add(1)
		return sseT.sendEvent(string(f.Type), data)
	}

	type result struct {
		run tasks.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := call(r.Context(), WithStream(cb))
		done <- result{run, err}
	}()

	keepAlive := time.NewTicker(h.server.options.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case res := <-done:
			if inFlight.Load() > 0 {
				// A write to a client that stopped reading outlived the
				// cycle. Unblock it so the stream can close.
				_ = http.NewResponseController(w).SetWriteDeadline(time.Now())
				return
			}
			// Errors that happened before any frame, such as a shutdown or a
			// caller timeout while queued, are reported as an error event.
			if res.err != nil && !errors.Is(res.err, ErrSubmissionFailed) && frames.Load() == 0 {
				perr := toProtocolError(res.err)
				data, _ := json.Marshal(ErrorMessage{Type: TypeError, Code: perr.Code, Message: perr.Error()})
				sseT.sendEvent(string(TypeError), data)
			}
			return
		case <-keepAlive.C:
			sseT.sendComment("keep-alive")
		}
	}
}

// handleWatch streams every frame of every task to the client.
func (h *sseHandler) handleWatch(w http.ResponseWriter, r *http.Request) {
	s := h.server
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	sseT, ok := h.open(w)
	if !ok {
		return
	}
	queued := newQueuedTransport(sseT, s.options.SendBuffer)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	conn := newConn(queued, s, connID, uuid.NewString(), r, r.Context())

	// Run connect hooks
	if err := s.runConnectHooks(conn.ctx, conn); err != nil {
		perr := toProtocolError(err)
		data, _ := json.Marshal(ErrorMessage{Type: TypeError, Code: perr.Code, Message: perr.Message})
		sseT.sendEvent(string(TypeError), data)
		return
	}

	// Send connected event with connection ID
	conn.sendJSON(ConnectedMessage{Type: TypeConnected, ConnectionID: conn.publicID})
	s.register <- conn
	s.logger.Debug("watcher connected", zap.String("connection_id", conn.publicID))

	// Keep-alive loop, blocks until client disconnects
	keepAlive := time.NewTicker(s.options.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client disconnected: close transport first to drain in-flight writes
			// before the HTTP server finalizes the response writer.
			sseT.Close()
			s.unregister <- conn
			return
		case <-sseT.done:
			// Transport was closed (e.g. by server shutdown)
			s.unregister <- conn
			return
		case data := <-queued.queue:
			sseT.Send(data)
		case <-keepAlive.C:
			sseT.sendComment("keep-alive")
		}
	}
}
