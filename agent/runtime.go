// Package agent defines the boundary to the agent runtime: its typed event
// vocabulary, the Runtime interface the orchestrator drives, an IPC-backed
// Runtime, and a Host that serves any Runtime over the IPC protocol.
package agent

import (
	"context"
	"errors"
)

// ErrUnknownTask is returned by runtimes for a task id they do not hold.
var ErrUnknownTask = errors.New("agent: unknown task")

// ErrStartFailed is returned by IPCRuntime.StartNewTask when the host
// reports that the runtime refused the start.
var ErrStartFailed = errors.New("agent: start failed")

// StartRequest describes a new task.
type StartRequest struct {
	Text          string
	Configuration map[string]any
	Images        []string
	NewTab        bool
}

// Runtime is an agent runtime. Events for every task arrive through the
// subscriber functions, in the order the runtime emits them per task.
// Subscribers must not block.
type Runtime interface {
	// StartNewTask starts a task and returns the id the runtime assigned.
	StartNewTask(ctx context.Context, req StartRequest) (string, error)
	// SendMessage answers a task that is waiting for input.
	SendMessage(ctx context.Context, taskID, text string, images []string) error
	// CancelTask asks the runtime to abort a task. The runtime reports the
	// outcome with a taskAborted event.
	CancelTask(ctx context.Context, taskID string) error
	// CloseTask releases the runtime's resources for a task.
	CloseTask(ctx context.Context, taskID string) error
	// Subscribe registers fn for every event and returns a function that
	// removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
}
