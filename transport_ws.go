package agentbridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// wsTransport wraps a WebSocket connection as a transport.
type wsTransport struct {
	ws     *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newWSTransport(ws *websocket.Conn, buffer int) *wsTransport {
	return &wsTransport{
		ws:   ws,
		send: make(chan []byte, buffer),
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	select {
	case t.send <- data:
		return nil
	default:
		return errTransportFull
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.send)
	}
	return nil
}

func (t *wsTransport) CloseGracefully() error {
	// Send a WebSocket close frame to notify the client
	_ = t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(5*time.Second),
	)
	return t.Close()
}

// readPump reads messages from the WebSocket and dispatches them to the connection.
func (t *wsTransport) readPump(conn *Conn) {
	defer func() {
		conn.server.unregister <- conn
		t.ws.Close()
	}()

	t.ws.SetReadLimit(64 << 10)
	t.ws.SetReadDeadline(time.Now().Add(pongWait))
	t.ws.SetPongHandler(func(string) error {
		return t.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.handleIncomingMessage(data)
	}
}

// writePump writes messages from the send channel to the WebSocket.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.ws.Close()
	}()

	for {
		select {
		case data, ok := <-t.send:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
