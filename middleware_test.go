package agentbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMiddlewareChainExecutionOrder(t *testing.T) {
	ts, server, _ := setupTestServer(t)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				record(name + "-before")
				next.ServeHTTP(w, r)
				record(name + "-after")
			})
		}
	}
	server.Use(mw("mw1"), mw("mw2"))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	expected := []string{"mw1-before", "mw2-before", "mw2-after", "mw1-after"}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected order %v, got %v", expected, order)
	}
}

func TestMiddlewareSeesRequest(t *testing.T) {
	ts, server, _ := setupTestServer(t)

	seen := make(chan *Request, 1)
	server.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen <- RequestFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get(RequestIDHeader); got != "req-42" {
		t.Errorf("Expected request id echoed, got %q", got)
	}
	r := <-seen
	if r == nil || r.ID != "req-42" || r.Method != http.MethodGet {
		t.Errorf("Unexpected request in context: %+v", r)
	}

	resp, err = http.Get(ts.URL + "/tasks")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	<-seen
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}
}

func TestMiddlewarePanicRecovered(t *testing.T) {
	ts, server, _ := setupTestServer(t)
	server.Handle("GET /boom", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	resp, err := http.Get(ts.URL + "/boom")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var msg ErrorMessage
	decodeBody(t, resp, &msg)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if msg.Code != CodeInternalError {
		t.Errorf("Expected code %d, got %d", CodeInternalError, msg.Code)
	}

	// The server keeps serving.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestHookContextContainsConnection(t *testing.T) {
	ts, server, _ := setupTestServer(t)

	got := make(chan *Conn, 1)
	server.OnConnect(func(ctx context.Context, conn *Conn) error {
		if Connection(ctx) != conn {
			t.Error("Connection(ctx) should return the connecting watcher")
		}
		got <- conn
		return nil
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer ws.Close()

	select {
	case conn := <-got:
		if conn.ConnectionID() == "" {
			t.Error("Expected a connection id")
		}
		if RequestFromContext(conn.Context()) == nil {
			t.Error("Expected the upgrade request in the connection context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect hook not called")
	}
}

func TestStatusRecorderKeepsStreaming(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusTeapot)
	rec.Flush()

	if rec.status != http.StatusAccepted {
		t.Errorf("Expected first status kept, got %d", rec.status)
	}
	if !w.Flushed {
		t.Error("Expected Flush to reach the underlying writer")
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Expected hijack to fail on a recorder")
	}
}
