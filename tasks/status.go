// Package tasks tracks the lifecycle of agent tasks: the status state
// machine, the Run record each submission produces, and the Registry that
// owns every Run.
package tasks

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusCreated       Status = "created"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusCreated,
		StatusRunning,
		StatusAwaitingInput,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// Reason records why a Run reached its terminal state.
type Reason string

const (
	ReasonCompleted        Reason = "completed"
	ReasonCancelled        Reason = "cancelled"
	ReasonToolFailed       Reason = "tool_failed"
	ReasonTimeout          Reason = "timeout"
	ReasonSubmissionFailed Reason = "submission_failed"
	ReasonShutdown         Reason = "shutdown"
)

// Outcome classifies what applying an event did to a Run.
type Outcome int

const (
	// OutcomeIgnored means the event had no effect.
	OutcomeIgnored Outcome = iota
	// OutcomeUpdated means fields changed but the status did not.
	OutcomeUpdated
	// OutcomeTransitioned means the status changed.
	OutcomeTransitioned
	// OutcomeDiscarded means the Run was already terminal.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeTransitioned:
		return "transitioned"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "ignored"
	}
}

// Change describes the effect of one event on a Run.
type Change struct {
	From    Status
	To      Status
	Outcome Outcome
}

// Changed reports whether the Run was modified.
func (c Change) Changed() bool {
	return c.Outcome == OutcomeUpdated || c.Outcome == OutcomeTransitioned
}
