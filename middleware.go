package agentbridge

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Request contains information about the incoming HTTP request.
type Request struct {
	ID     string // Request ID for correlation
	Method string
	Start  time.Time
}

// Middleware wraps an http.Handler to add cross-cutting behavior.
type Middleware func(next http.Handler) http.Handler

// Use adds middleware to the chain. Middleware is executed in the order it
// is added, inside the server's own request-id, recovery and access-log
// layers. Call Use before serving requests.
func (s *Server) Use(mw ...Middleware) {
	s.middleware = append(s.middleware, mw...)
	s.handler = s.buildHandler()
}

// buildHandler creates the middleware chain around the mux. Built-in
// middleware is outermost.
func (s *Server) buildHandler() http.Handler {
	all := append([]Middleware{requestContext, s.recoverer, s.accessLog}, s.middleware...)
	var h http.Handler = s.mux
	for i := len(all) - 1; i >= 0; i-- {
		h = all[i](h)
	}
	return h
}

// requestContext attaches a Request, reusing the caller's request id if sent.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		req := &Request{ID: id, Method: r.Method, Start: time.Now()}
		next.ServeHTTP(w, r.WithContext(withRequest(r.Context(), req)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			s.logger.Error("handler panic",
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			writeError(w, ErrInternal(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
		}
		if req := RequestFromContext(r.Context()); req != nil {
			fields = append(fields,
				zap.String("request_id", req.ID),
				zap.String("route", r.Pattern),
				zap.Duration("duration", time.Since(req.Start)))
		}
		s.logger.Debug("request", fields...)
	})
}

// statusRecorder captures the response status. It keeps the streaming
// interfaces SSE and WebSocket handlers rely on.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("agentbridge: response writer does not support hijacking")
	}
	if !r.wroteHeader {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
