package agent

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/marrasen/agentbridge/ipc"
)

// EventName is the runtime's name for an event kind.
type EventName string

const (
	EventMessage               EventName = "message"
	EventTaskCreated           EventName = "taskCreated"
	EventTaskStarted           EventName = "taskStarted"
	EventTaskModeSwitched      EventName = "taskModeSwitched"
	EventTaskPaused            EventName = "taskPaused"
	EventTaskUnpaused          EventName = "taskUnpaused"
	EventTaskAskResponded      EventName = "taskAskResponded"
	EventTaskAborted           EventName = "taskAborted"
	EventTaskSpawned           EventName = "taskSpawned"
	EventTaskCompleted         EventName = "taskCompleted"
	EventTaskTokenUsageUpdated EventName = "taskTokenUsageUpdated"
	EventTaskToolFailed        EventName = "taskToolFailed"
	// EventTaskStartFailed is sent by Host, not by runtimes, to the client
	// whose StartNewTask the runtime refused.
	EventTaskStartFailed EventName = "taskStartFailed"
)

// Event is one runtime lifecycle event. Concrete types are the value types
// declared in this file.
type Event interface {
	EventName() EventName
	TaskID() string
}

// Message is a single chat message produced by a task. Fields the runtime
// adds beyond the known ones are preserved in Unknown.
type Message struct {
	Timestamp int64          `json:"ts"`
	Type      string         `json:"type"`
	Ask       string         `json:"ask,omitempty"`
	Say       string         `json:"say,omitempty"`
	Text      string         `json:"text,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Partial   bool           `json:"partial,omitzero"`
	Unknown   jsontext.Value `json:",unknown"`
}

// Message types.
const (
	MessageAsk = "ask"
	MessageSay = "say"
)

// inputAsks are the ask kinds that block a task until the user replies.
var inputAsks = map[string]bool{
	"followup":                      true,
	"command":                       true,
	"tool":                          true,
	"use_mcp_server":                true,
	"browser_action_launch":         true,
	"resume_task":                   true,
	"resume_completed_task":         true,
	"mistake_limit_reached":         true,
	"api_req_failed":                true,
	"auto_approval_max_req_reached": true,
}

// RequiresInput reports whether m is a complete ask the task cannot get past
// without a reply.
func (m Message) RequiresInput() bool {
	return m.Type == MessageAsk && !m.Partial && inputAsks[m.Ask]
}

// TokenUsage is cumulative usage for a task.
type TokenUsage struct {
	TotalTokensIn    int64   `json:"totalTokensIn"`
	TotalTokensOut   int64   `json:"totalTokensOut"`
	TotalCacheWrites int64   `json:"totalCacheWrites,omitzero"`
	TotalCacheReads  int64   `json:"totalCacheReads,omitzero"`
	TotalCost        float64 `json:"totalCost"`
	ContextTokens    int64   `json:"contextTokens"`
}

// ToolUsage counts attempts and failures per tool name.
type ToolUsage map[string]ToolStats

type ToolStats struct {
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`
}

type TaskCreated struct{ ID string }

type TaskStarted struct{ ID string }

// MessageEvent carries a created or updated chat message.
type MessageEvent struct {
	ID      string
	Action  string
	Message Message
}

type ModeSwitched struct {
	ID   string
	Mode string
}

type TaskPaused struct{ ID string }

type TaskUnpaused struct{ ID string }

type AskResponded struct{ ID string }

type TaskAborted struct{ ID string }

// TaskSpawned reports that ID started a subtask ChildID.
type TaskSpawned struct {
	ID      string
	ChildID string
}

type TaskCompleted struct {
	ID        string
	Usage     TokenUsage
	ToolUsage ToolUsage
}

type TokenUsageUpdated struct {
	ID    string
	Usage TokenUsage
}

type ToolFailed struct {
	ID    string
	Tool  string
	Error string
}

// StartFailed carries no task id. It answers the oldest pending start of
// the client it is relayed to.
type StartFailed struct{ Error string }

// UnknownEvent is any event this package does not model. The raw payload is
// kept so it can be relayed unchanged.
type UnknownEvent struct {
	ID      string
	Name    string
	Payload jsontext.Value
}

func (e TaskCreated) EventName() EventName       { return EventTaskCreated }
func (e TaskCreated) TaskID() string             { return e.ID }
func (e TaskStarted) EventName() EventName       { return EventTaskStarted }
func (e TaskStarted) TaskID() string             { return e.ID }
func (e MessageEvent) EventName() EventName      { return EventMessage }
func (e MessageEvent) TaskID() string            { return e.ID }
func (e ModeSwitched) EventName() EventName      { return EventTaskModeSwitched }
func (e ModeSwitched) TaskID() string            { return e.ID }
func (e TaskPaused) EventName() EventName        { return EventTaskPaused }
func (e TaskPaused) TaskID() string              { return e.ID }
func (e TaskUnpaused) EventName() EventName      { return EventTaskUnpaused }
func (e TaskUnpaused) TaskID() string            { return e.ID }
func (e AskResponded) EventName() EventName      { return EventTaskAskResponded }
func (e AskResponded) TaskID() string            { return e.ID }
func (e TaskAborted) EventName() EventName       { return EventTaskAborted }
func (e TaskAborted) TaskID() string             { return e.ID }
func (e TaskSpawned) EventName() EventName       { return EventTaskSpawned }
func (e TaskSpawned) TaskID() string             { return e.ID }
func (e TaskCompleted) EventName() EventName     { return EventTaskCompleted }
func (e TaskCompleted) TaskID() string           { return e.ID }
func (e TokenUsageUpdated) EventName() EventName { return EventTaskTokenUsageUpdated }
func (e TokenUsageUpdated) TaskID() string       { return e.ID }
func (e ToolFailed) EventName() EventName        { return EventTaskToolFailed }
func (e ToolFailed) TaskID() string              { return e.ID }
func (e StartFailed) EventName() EventName       { return EventTaskStartFailed }
func (e StartFailed) TaskID() string             { return "" }
func (e UnknownEvent) EventName() EventName      { return EventName(e.Name) }
func (e UnknownEvent) TaskID() string            { return e.ID }

type messagePayload struct {
	TaskID  string  `json:"taskId"`
	Action  string  `json:"action"`
	Message Message `json:"message"`
}

// Decode converts a wire TaskEvent into a typed Event. Unrecognised event
// names decode to UnknownEvent rather than failing.
func Decode(ev *ipc.TaskEvent) (Event, error) {
	var args []jsontext.Value
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &args); err != nil {
			return nil, fmt.Errorf("agent: decode %s payload: %w", ev.EventName, err)
		}
	}
	d := decoder{name: ev.EventName, args: args, fallback: ev.TaskID}

	switch EventName(ev.EventName) {
	case EventMessage:
		var p messagePayload
		if err := d.arg(0, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" {
			p.TaskID = ev.TaskID
		}
		return MessageEvent{ID: p.TaskID, Action: p.Action, Message: p.Message}, nil
	case EventTaskCreated:
		id, err := d.taskID()
		return TaskCreated{ID: id}, err
	case EventTaskStarted:
		id, err := d.taskID()
		return TaskStarted{ID: id}, err
	case EventTaskPaused:
		id, err := d.taskID()
		return TaskPaused{ID: id}, err
	case EventTaskUnpaused:
		id, err := d.taskID()
		return TaskUnpaused{ID: id}, err
	case EventTaskAskResponded:
		id, err := d.taskID()
		return AskResponded{ID: id}, err
	case EventTaskAborted:
		id, err := d.taskID()
		return TaskAborted{ID: id}, err
	case EventTaskModeSwitched:
		e := ModeSwitched{}
		var err error
		if e.ID, err = d.taskID(); err != nil {
			return nil, err
		}
		err = d.arg(1, &e.Mode)
		return e, err
	case EventTaskSpawned:
		e := TaskSpawned{}
		var err error
		if e.ID, err = d.taskID(); err != nil {
			return nil, err
		}
		err = d.arg(1, &e.ChildID)
		return e, err
	case EventTaskCompleted:
		e := TaskCompleted{}
		var err error
		if e.ID, err = d.taskID(); err != nil {
			return nil, err
		}
		if err := d.arg(1, &e.Usage); err != nil {
			return nil, err
		}
		if len(args) > 2 {
			if err := d.arg(2, &e.ToolUsage); err != nil {
				return nil, err
			}
		}
		return e, nil
	case EventTaskTokenUsageUpdated:
		e := TokenUsageUpdated{}
		var err error
		if e.ID, err = d.taskID(); err != nil {
			return nil, err
		}
		err = d.arg(1, &e.Usage)
		return e, err
	case EventTaskToolFailed:
		e := ToolFailed{}
		var err error
		if e.ID, err = d.taskID(); err != nil {
			return nil, err
		}
		if err := d.arg(1, &e.Tool); err != nil {
			return nil, err
		}
		err = d.arg(2, &e.Error)
		return e, err
	case EventTaskStartFailed:
		e := StartFailed{}
		err := d.arg(0, &e.Error)
		return e, err
	default:
		return UnknownEvent{
			ID:      ev.TaskID,
			Name:    ev.EventName,
			Payload: append(jsontext.Value(nil), ev.Payload...),
		}, nil
	}
}

type decoder struct {
	name     string
	args     []jsontext.Value
	fallback string
}

func (d decoder) arg(i int, v any) error {
	if i >= len(d.args) {
		return fmt.Errorf("agent: %s: missing argument %d", d.name, i)
	}
	if err := json.Unmarshal(d.args[i], v); err != nil {
		return fmt.Errorf("agent: %s: argument %d: %w", d.name, i, err)
	}
	return nil
}

// taskID reads the leading task id argument, falling back to the envelope's
// taskId when the payload omits it.
func (d decoder) taskID() (string, error) {
	if len(d.args) == 0 {
		if d.fallback == "" {
			return "", fmt.Errorf("agent: %s: missing task id", d.name)
		}
		return d.fallback, nil
	}
	var id string
	if err := d.arg(0, &id); err != nil {
		return "", err
	}
	return id, nil
}

// Encode converts a typed Event into its wire form.
func Encode(e Event) (*ipc.TaskEvent, error) {
	name := string(e.EventName())
	id := e.TaskID()
	switch ev := e.(type) {
	case MessageEvent:
		return ipc.NewTaskEvent(name, id, messagePayload{TaskID: ev.ID, Action: ev.Action, Message: ev.Message})
	case ModeSwitched:
		return ipc.NewTaskEvent(name, id, ev.ID, ev.Mode)
	case TaskSpawned:
		return ipc.NewTaskEvent(name, id, ev.ID, ev.ChildID)
	case TaskCompleted:
		if ev.ToolUsage == nil {
			return ipc.NewTaskEvent(name, id, ev.ID, ev.Usage)
		}
		return ipc.NewTaskEvent(name, id, ev.ID, ev.Usage, ev.ToolUsage)
	case TokenUsageUpdated:
		return ipc.NewTaskEvent(name, id, ev.ID, ev.Usage)
	case ToolFailed:
		return ipc.NewTaskEvent(name, id, ev.ID, ev.Tool, ev.Error)
	case StartFailed:
		return ipc.NewTaskEvent(name, "", ev.Error)
	case UnknownEvent:
		return &ipc.TaskEvent{EventName: name, TaskID: id, Payload: ev.Payload}, nil
	default:
		return ipc.NewTaskEvent(name, id, id)
	}
}
