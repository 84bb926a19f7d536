package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/marrasen/agentbridge/agent"
)

// PlaceholderPrefix marks ids given to runs the runtime never accepted.
const PlaceholderPrefix = "local-"

// Run is the bridge's view of one submitted task.
type Run struct {
	LocalID    string            `json:"localId"`
	TaskID     string            `json:"taskId,omitempty"`
	Query      string            `json:"query"`
	Status     Status            `json:"status"`
	Mode       string            `json:"mode,omitempty"`
	LastResult string            `json:"lastResult,omitempty"`
	Error      string            `json:"error,omitempty"`
	FailedTool string            `json:"failedTool,omitempty"`
	Reason     Reason            `json:"reason,omitempty"`
	Usage      *agent.TokenUsage `json:"usage,omitempty"`
	ToolUsage  agent.ToolUsage   `json:"toolUsage,omitempty"`
	Events     int               `json:"events"`
	StartedAt  time.Time         `json:"startedAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	EndedAt    time.Time         `json:"endedAt,omitzero"`
}

// ID returns the runtime task id, or the local id before one is bound.
func (r Run) ID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.LocalID
}

// IsPlaceholder reports whether the run never received a runtime id.
func (r Run) IsPlaceholder() bool {
	return strings.HasPrefix(r.TaskID, PlaceholderPrefix)
}

// Duration is the time from submission to the end, or to now while running.
func (r Run) Duration(now time.Time) time.Duration {
	if !r.EndedAt.IsZero() {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Result is the human-readable outcome. It is never empty for a terminal run.
func (r Run) Result() string {
	switch r.Status {
	case StatusCompleted:
		if r.LastResult != "" {
			return r.LastResult
		}
		return "Task completed."
	case StatusFailed:
		switch {
		case r.FailedTool != "" && r.Error != "":
			return fmt.Sprintf("Tool %s failed: %s", r.FailedTool, r.Error)
		case r.FailedTool != "":
			return fmt.Sprintf("Tool %s failed.", r.FailedTool)
		case r.Error != "":
			return r.Error
		}
		return "Task failed."
	case StatusCancelled:
		if r.LastResult != "" {
			return "Task cancelled. Last output: " + r.LastResult
		}
		return "Task cancelled."
	case StatusAwaitingInput:
		if r.LastResult != "" {
			return r.LastResult
		}
		return "Waiting for input."
	}
	if r.LastResult != "" {
		return r.LastResult
	}
	return fmt.Sprintf("Task is %s.", r.Status)
}

// Failure is a terminal failure raised by the bridge itself, such as a
// submission error. It travels the same path as runtime events so that it is
// ordered with them.
type Failure struct {
	ID      string
	Reason  Reason
	Message string
}

const EventFailure agent.EventName = "bridgeFailure"

func (f Failure) EventName() agent.EventName { return EventFailure }
func (f Failure) TaskID() string             { return f.ID }

// Apply runs one event through the state machine. Events for a terminal run
// are discarded and a second terminal event never overwrites the first.
func (r *Run) Apply(ev agent.Event, now time.Time) Change {
	from := r.Status
	if from.IsTerminal() {
		return Change{From: from, To: from, Outcome: OutcomeDiscarded}
	}

	updated := false
	switch e := ev.(type) {
	case agent.TaskCreated:
		if from == StatusPending {
			r.Status = StatusCreated
		}
	case agent.TaskStarted:
		if from == StatusPending || from == StatusCreated {
			r.Status = StatusRunning
		}
	case agent.MessageEvent:
		if e.Message.Text != "" {
			r.LastResult = e.Message.Text
		}
		updated = true
		if e.Message.RequiresInput() {
			r.Status = StatusAwaitingInput
		}
	case agent.AskResponded:
		if from == StatusAwaitingInput {
			r.Status = StatusRunning
		}
	case agent.TaskUnpaused:
		if from == StatusAwaitingInput {
			r.Status = StatusRunning
		}
	case agent.ModeSwitched:
		r.Mode = e.Mode
		updated = true
	case agent.TokenUsageUpdated:
		usage := e.Usage
		r.Usage = &usage
		updated = true
	case agent.TaskCompleted:
		usage := e.Usage
		r.Usage = &usage
		if e.ToolUsage != nil {
			r.ToolUsage = e.ToolUsage
		}
		r.Status = StatusCompleted
		r.Reason = ReasonCompleted
	case agent.TaskAborted:
		r.Status = StatusCancelled
		r.Reason = ReasonCancelled
	case agent.ToolFailed:
		r.Status = StatusFailed
		r.Reason = ReasonToolFailed
		r.FailedTool = e.Tool
		r.Error = e.Error
	case Failure:
		r.Status = StatusFailed
		r.Reason = e.Reason
		r.Error = e.Message
	default:
		// taskSpawned, taskPaused and unknown events leave the run as is.
		return Change{From: from, To: from, Outcome: OutcomeIgnored}
	}

	r.Events++
	switch {
	case r.Status != from:
		r.UpdatedAt = now
		if r.Status.IsTerminal() {
			r.EndedAt = now
		}
		return Change{From: from, To: r.Status, Outcome: OutcomeTransitioned}
	case updated:
		r.UpdatedAt = now
		return Change{From: from, To: from, Outcome: OutcomeUpdated}
	}
	return Change{From: from, To: from, Outcome: OutcomeIgnored}
}
