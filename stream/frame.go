package stream

import (
	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/tasks"
)

// FrameType identifies the kind of an output frame.
type FrameType string

const (
	FrameTaskCreated   FrameType = "TASK_CREATED"
	FrameMessage       FrameType = "MESSAGE"
	FrameTaskResumed   FrameType = "TASK_RESUMED"
	FrameToolFailed    FrameType = "TOOL_FAILED"
	FrameTaskCompleted FrameType = "TASK_COMPLETED"
	FrameStreamClosed  FrameType = "STREAM_CLOSED"
)

// CloseReason explains why a stream closed.
type CloseReason string

const (
	CloseFollowupQuestion CloseReason = "followup_question"
	CloseTaskCompleted    CloseReason = "task_completed"
	CloseError            CloseReason = "error"
	CloseTimeout          CloseReason = "timeout"
)

// Frame is one unit of client-facing output. Seq increases by one per frame
// of the same task.
type Frame struct {
	Type   FrameType    `json:"type"`
	TaskID string       `json:"taskId"`
	Seq    uint64       `json:"seq"`
	Status tasks.Status `json:"status"`
	Data   any          `json:"data,omitzero"`
}

type CreatedData struct {
	Query string `json:"query"`
}

type MessageData struct {
	Action  string        `json:"action"`
	Partial bool          `json:"partial"`
	Message agent.Message `json:"message"`
}

type ToolFailedData struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

type CompletedData struct {
	UsageStats *agent.TokenUsage `json:"usageStats,omitempty"`
	ToolUsage  agent.ToolUsage   `json:"toolUsage,omitempty"`
}

type ClosedData struct {
	Reason CloseReason `json:"reason"`
	Result string      `json:"result"`
}

// closeReason maps a settled run to the reason its cycle ends with.
func closeReason(run tasks.Run) CloseReason {
	switch run.Status {
	case tasks.StatusAwaitingInput:
		return CloseFollowupQuestion
	case tasks.StatusCompleted, tasks.StatusCancelled:
		return CloseTaskCompleted
	case tasks.StatusFailed:
		if run.Reason == tasks.ReasonTimeout {
			return CloseTimeout
		}
		return CloseError
	}
	return ""
}

// project returns the frames an applied event produces, without sequence
// numbers.
func project(ev agent.Event, run tasks.Run, change tasks.Change) []Frame {
	var frames []Frame
	frame := func(t FrameType, data any) {
		frames = append(frames, Frame{Type: t, TaskID: run.ID(), Status: run.Status, Data: data})
	}

	if change.Outcome == tasks.OutcomeTransitioned && change.From == tasks.StatusPending && !change.To.IsTerminal() {
		frame(FrameTaskCreated, CreatedData{Query: run.Query})
	}

	switch e := ev.(type) {
	case agent.MessageEvent:
		frame(FrameMessage, MessageData{Action: e.Action, Partial: e.Message.Partial, Message: e.Message})
	case agent.AskResponded, agent.TaskUnpaused:
		if change.From == tasks.StatusAwaitingInput && change.To == tasks.StatusRunning {
			frame(FrameTaskResumed, nil)
		}
	case agent.ToolFailed:
		if change.Outcome == tasks.OutcomeTransitioned {
			frame(FrameToolFailed, ToolFailedData{Tool: e.Tool, Error: e.Error})
		}
	case agent.TaskCompleted:
		if change.Outcome == tasks.OutcomeTransitioned {
			frame(FrameTaskCompleted, CompletedData{UsageStats: run.Usage, ToolUsage: run.ToolUsage})
		}
	}
	return frames
}
