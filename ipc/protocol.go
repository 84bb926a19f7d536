package ipc

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// MessageType discriminates IPC messages on the wire.
type MessageType string

const (
	TypeConnect     MessageType = "Connect"
	TypeDisconnect  MessageType = "Disconnect"
	TypeAck         MessageType = "Ack"
	TypeTaskCommand MessageType = "TaskCommand"
	TypeTaskEvent   MessageType = "TaskEvent"
)

// Origin identifies which side of the socket produced a message.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// CommandName identifies a TaskCommand variant.
type CommandName string

const (
	CommandStartNewTask CommandName = "StartNewTask"
	CommandCancelTask   CommandName = "CancelTask"
	CommandCloseTask    CommandName = "CloseTask"
	CommandSendMessage  CommandName = "SendMessage"
)

// Message is one IPC message. It is implemented by *Connect, *Disconnect,
// *Ack, *TaskCommand and *TaskEvent.
type Message interface {
	Type() MessageType
	Origin() Origin
}

// Connect is the local event raised when the server accepts a client.
// Servers never write it to the socket.
type Connect struct {
	ClientID string `json:"clientId"`
}

// Disconnect is the local event raised when a client goes away.
type Disconnect struct {
	ClientID string `json:"clientId"`
}

// Ack is the first message a client receives after connecting.
type Ack struct {
	ClientID string `json:"clientId"`
	PID      int    `json:"pid"`
	PPID     int    `json:"ppid"`
}

// TaskCommand is a client request to start, cancel, close or message a task.
// Data holds the raw command payload; use the typed accessors to read it.
type TaskCommand struct {
	ClientID    string
	CommandName CommandName
	TaskID      string
	Data        jsontext.Value
}

// TaskEvent relays one agent runtime event. Payload is a JSON array whose
// positions match the event's declared fields. An empty RelayClientID means
// the event is broadcast to every client.
type TaskEvent struct {
	RelayClientID string
	EventName     string
	Payload       jsontext.Value
	TaskID        string
}

func (*Connect) Type() MessageType     { return TypeConnect }
func (*Connect) Origin() Origin        { return OriginServer }
func (*Disconnect) Type() MessageType  { return TypeDisconnect }
func (*Disconnect) Origin() Origin     { return OriginServer }
func (*Ack) Type() MessageType         { return TypeAck }
func (*Ack) Origin() Origin            { return OriginServer }
func (*TaskCommand) Type() MessageType { return TypeTaskCommand }
func (*TaskCommand) Origin() Origin    { return OriginClient }
func (*TaskEvent) Type() MessageType   { return TypeTaskEvent }
func (*TaskEvent) Origin() Origin      { return OriginServer }

// StartNewTaskData is the payload of a StartNewTask command.
type StartNewTaskData struct {
	Configuration map[string]any `json:"configuration"`
	Text          string         `json:"text"`
	Images        []string       `json:"images,omitempty"`
	NewTab        bool           `json:"newTab,omitzero"`
}

// SendMessageData is the payload of a SendMessage command.
type SendMessageData struct {
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
}

// envelope is the outer wire shape shared by every message type.
type envelope struct {
	Type          MessageType    `json:"type"`
	Origin        Origin         `json:"origin"`
	ClientID      string         `json:"clientId,omitempty"`
	RelayClientID string         `json:"relayClientId,omitempty"`
	Data          jsontext.Value `json:"data,omitzero"`
}

type commandBody struct {
	CommandName CommandName    `json:"commandName"`
	TaskID      string         `json:"taskId,omitempty"`
	Data        jsontext.Value `json:"data,omitzero"`
}

type eventBody struct {
	EventName string         `json:"eventName"`
	Payload   jsontext.Value `json:"payload"`
	TaskID    string         `json:"taskId,omitempty"`
}

// NewStartNewTask builds a StartNewTask command.
func NewStartNewTask(clientID string, data StartNewTaskData) (*TaskCommand, error) {
	if data.Configuration == nil {
		data.Configuration = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode StartNewTask: %w", err)
	}
	return &TaskCommand{ClientID: clientID, CommandName: CommandStartNewTask, Data: raw}, nil
}

// NewCancelTask builds a CancelTask command.
func NewCancelTask(clientID, taskID string) *TaskCommand {
	return &TaskCommand{ClientID: clientID, CommandName: CommandCancelTask, Data: quote(taskID)}
}

// NewCloseTask builds a CloseTask command.
func NewCloseTask(clientID, taskID string) *TaskCommand {
	return &TaskCommand{ClientID: clientID, CommandName: CommandCloseTask, Data: quote(taskID)}
}

// NewSendMessage builds a SendMessage command addressed to taskID.
func NewSendMessage(clientID, taskID string, data SendMessageData) (*TaskCommand, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode SendMessage: %w", err)
	}
	return &TaskCommand{ClientID: clientID, CommandName: CommandSendMessage, TaskID: taskID, Data: raw}, nil
}

// NewTaskEvent builds a TaskEvent whose payload is the JSON array of args.
func NewTaskEvent(eventName, taskID string, args ...any) (*TaskEvent, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode %s payload: %w", eventName, err)
	}
	return &TaskEvent{EventName: eventName, Payload: raw, TaskID: taskID}, nil
}

// StartNewTask decodes the payload of a StartNewTask command.
func (c *TaskCommand) StartNewTask() (StartNewTaskData, error) {
	var data StartNewTaskData
	if c.CommandName != CommandStartNewTask {
		return data, fmt.Errorf("ipc: %s is not a StartNewTask command", c.CommandName)
	}
	if err := json.Unmarshal(c.Data, &data); err != nil {
		return data, fmt.Errorf("ipc: decode StartNewTask: %w", err)
	}
	return data, nil
}

// SendMessage decodes the payload of a SendMessage command.
func (c *TaskCommand) SendMessage() (SendMessageData, error) {
	var data SendMessageData
	if c.CommandName != CommandSendMessage {
		return data, fmt.Errorf("ipc: %s is not a SendMessage command", c.CommandName)
	}
	if len(c.Data) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(c.Data, &data); err != nil {
		return data, fmt.Errorf("ipc: decode SendMessage: %w", err)
	}
	return data, nil
}

// TargetTaskID returns the task a CancelTask, CloseTask or SendMessage
// command is addressed to.
func (c *TaskCommand) TargetTaskID() (string, error) {
	switch c.CommandName {
	case CommandSendMessage:
		return c.TaskID, nil
	case CommandCancelTask, CommandCloseTask:
		var id string
		if err := json.Unmarshal(c.Data, &id); err != nil {
			return "", fmt.Errorf("ipc: decode %s task id: %w", c.CommandName, err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("ipc: %s has no target task", c.CommandName)
	}
}

// Encode serializes msg as a single-line JSON object without the trailing
// newline.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Type(), Origin: msg.Origin()}
	var (
		body any
		err  error
	)
	switch m := msg.(type) {
	case *Connect:
		body = m
	case *Disconnect:
		body = m
	case *Ack:
		body = m
	case *TaskCommand:
		env.ClientID = m.ClientID
		body = commandBody{CommandName: m.CommandName, TaskID: m.TaskID, Data: m.Data}
	case *TaskEvent:
		env.RelayClientID = m.RelayClientID
		payload := m.Payload
		if len(payload) == 0 {
			payload = jsontext.Value("[]")
		}
		body = eventBody{EventName: m.EventName, Payload: payload, TaskID: m.TaskID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	if env.Data, err = json.Marshal(body); err != nil {
		return nil, fmt.Errorf("ipc: encode %s: %w", env.Type, err)
	}
	return json.Marshal(env)
}

// Decode parses one line into a Message. Malformed input yields a
// *ParseError; an unrecognised type yields ErrUnknownMessageType. Neither is
// fatal to the connection.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, newParseError(line, err)
	}
	if env.Type == "" {
		return nil, newParseError(line, fmt.Errorf("missing message type"))
	}

	switch env.Type {
	case TypeConnect, TypeDisconnect, TypeAck:
		if env.Origin != OriginServer {
			return nil, newParseError(line, fmt.Errorf("%w: %s from %q", ErrInvalidOrigin, env.Type, env.Origin))
		}
		var msg Message
		switch env.Type {
		case TypeConnect:
			msg = &Connect{}
		case TypeDisconnect:
			msg = &Disconnect{}
		default:
			msg = &Ack{}
		}
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, newParseError(line, err)
		}
		return msg, nil

	case TypeTaskCommand:
		if env.Origin != OriginClient {
			return nil, newParseError(line, fmt.Errorf("%w: %s from %q", ErrInvalidOrigin, env.Type, env.Origin))
		}
		var body commandBody
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, newParseError(line, err)
		}
		if body.CommandName == "" {
			return nil, newParseError(line, fmt.Errorf("missing commandName"))
		}
		return &TaskCommand{
			ClientID:    env.ClientID,
			CommandName: body.CommandName,
			TaskID:      body.TaskID,
			Data:        body.Data,
		}, nil

	case TypeTaskEvent:
		if env.Origin != OriginServer {
			return nil, newParseError(line, fmt.Errorf("%w: %s from %q", ErrInvalidOrigin, env.Type, env.Origin))
		}
		var body eventBody
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, newParseError(line, err)
		}
		if body.EventName == "" {
			return nil, newParseError(line, fmt.Errorf("missing eventName"))
		}
		return &TaskEvent{
			RelayClientID: env.RelayClientID,
			EventName:     body.EventName,
			Payload:       body.Payload,
			TaskID:        body.TaskID,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func quote(s string) jsontext.Value {
	raw, _ := json.Marshal(s)
	return raw
}
