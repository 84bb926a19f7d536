package agentbridge

import (
	"errors"
	"sync"
)

// errTransportFull is returned by Send when a watcher is not keeping up.
var errTransportFull = errors.New("agentbridge: transport buffer full")

// transport is the internal interface for watcher connection I/O.
// Both WebSocket and SSE transports implement this.
type transport interface {
	// Send sends data to the client without blocking. Must be safe for
	// concurrent use.
	Send(data []byte) error
	// Close closes the transport.
	Close() error
	// CloseGracefully sends a close frame (if supported) before closing.
	CloseGracefully() error
}

// queuedTransport buffers sends in front of a transport whose writes block,
// so a slow client never stalls the sender. The owner drains queue.
type queuedTransport struct {
	transport
	queue  chan []byte
	mu     sync.Mutex
	closed bool
}

func newQueuedTransport(t transport, buffer int) *queuedTransport {
	return &queuedTransport{transport: t, queue: make(chan []byte, buffer)}
}

func (q *queuedTransport) Send(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	select {
	case q.queue <- data:
		return nil
	default:
		return errTransportFull
	}
}

func (q *queuedTransport) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.transport.Close()
}

func (q *queuedTransport) CloseGracefully() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.transport.CloseGracefully()
}
