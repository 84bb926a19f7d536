package agentbridge

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-json-experiment/json"
)

var errStreamClosed = errors.New("agentbridge: stream closed")

// sseTransport wraps an http.ResponseWriter for SSE output.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
	done    chan struct{} // closed when the SSE stream ends
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher) *sseTransport {
	return &sseTransport{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// Send writes data as an event named after its "type" field.
func (t *sseTransport) Send(data []byte) error {
	return t.sendEvent(extractMessageType(data), data)
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// CloseGracefully is Close; SSE has no close frame.
func (t *sseTransport) CloseGracefully() error {
	return t.Close()
}

// sendEvent sends a named SSE event. An empty name sends a bare data event.
func (t *sseTransport) sendEvent(event string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errStreamClosed
	}
	if event != "" {
		fmt.Fprintf(t.w, "event: %s\n", event)
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// sendComment sends an SSE comment (used for keep-alive).
func (t *sseTransport) sendComment(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	fmt.Fprintf(t.w, ": %s\n\n", text)
	t.flusher.Flush()
}

// extractMessageType extracts the "type" field from a JSON message.
func extractMessageType(data []byte) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.Type
}
