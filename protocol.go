package agentbridge

import (
	"github.com/marrasen/agentbridge/stream"
	"github.com/marrasen/agentbridge/tasks"
)

// MessageType represents the type of a watcher protocol message.
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeFrame     MessageType = "frame"
	TypeSummary   MessageType = "summary"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

// IncomingMessage represents a message from a watcher to the server.
type IncomingMessage struct {
	Type MessageType `json:"type"`
}

// ConnectedMessage is the first message on every watcher connection.
type ConnectedMessage struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId"`
}

// FrameMessage carries one task frame to watchers.
type FrameMessage struct {
	Type  MessageType  `json:"type"`
	Frame stream.Frame `json:"frame"`
}

// ErrorMessage reports a protocol error to a watcher.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

// PongMessage represents a pong response to a client ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// SubmitRequest is the body of POST /tasks and POST /tasks/stream.
type SubmitRequest struct {
	Query         string         `json:"query"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Images        []string       `json:"images,omitempty"`
	NewTab        bool           `json:"newTab,omitzero"`
}

// BatchRequest is the body of POST /tasks/batch.
type BatchRequest struct {
	Queries       []string       `json:"queries"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// BatchResponse maps task ids to runs.
type BatchResponse struct {
	Runs   map[string]tasks.Run `json:"runs"`
	Errors []string             `json:"errors,omitempty"`
}

// MessageRequest is the body of POST /tasks/{id}/messages.
type MessageRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

func (r SubmitRequest) options() []SubmitOption {
	var opts []SubmitOption
	if len(r.Configuration) > 0 {
		opts = append(opts, WithConfiguration(r.Configuration))
	}
	if len(r.Images) > 0 {
		opts = append(opts, WithImages(r.Images...))
	}
	if r.NewTab {
		opts = append(opts, WithNewTab())
	}
	return opts
}
