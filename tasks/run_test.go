package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/agentbridge/agent"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func runAt(status Status) *Run {
	return &Run{LocalID: "l", TaskID: "t", Status: status, StartedAt: t0, UpdatedAt: t0}
}

func ask(kind string) agent.MessageEvent {
	return agent.MessageEvent{ID: "t", Action: "created", Message: agent.Message{Type: agent.MessageAsk, Ask: kind, Text: "question?"}}
}

func say(text string) agent.MessageEvent {
	return agent.MessageEvent{ID: "t", Action: "created", Message: agent.Message{Type: agent.MessageSay, Say: "text", Text: text}}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    Status
		ev      agent.Event
		to      Status
		outcome Outcome
	}{
		{"created from pending", StatusPending, agent.TaskCreated{ID: "t"}, StatusCreated, OutcomeTransitioned},
		{"created twice", StatusCreated, agent.TaskCreated{ID: "t"}, StatusCreated, OutcomeIgnored},
		{"created while running", StatusRunning, agent.TaskCreated{ID: "t"}, StatusRunning, OutcomeIgnored},
		{"started from pending", StatusPending, agent.TaskStarted{ID: "t"}, StatusRunning, OutcomeTransitioned},
		{"started from created", StatusCreated, agent.TaskStarted{ID: "t"}, StatusRunning, OutcomeTransitioned},
		{"started while awaiting", StatusAwaitingInput, agent.TaskStarted{ID: "t"}, StatusAwaitingInput, OutcomeIgnored},
		{"followup ask", StatusRunning, ask("followup"), StatusAwaitingInput, OutcomeTransitioned},
		{"ask from created", StatusCreated, ask("command"), StatusAwaitingInput, OutcomeTransitioned},
		{"completion_result ask", StatusRunning, ask("completion_result"), StatusRunning, OutcomeUpdated},
		{"say", StatusRunning, say("hello"), StatusRunning, OutcomeUpdated},
		{"responded", StatusAwaitingInput, agent.AskResponded{ID: "t"}, StatusRunning, OutcomeTransitioned},
		{"unpaused", StatusAwaitingInput, agent.TaskUnpaused{ID: "t"}, StatusRunning, OutcomeTransitioned},
		{"responded while running", StatusRunning, agent.AskResponded{ID: "t"}, StatusRunning, OutcomeIgnored},
		{"completed", StatusRunning, agent.TaskCompleted{ID: "t"}, StatusCompleted, OutcomeTransitioned},
		{"completed from pending", StatusPending, agent.TaskCompleted{ID: "t"}, StatusCompleted, OutcomeTransitioned},
		{"aborted", StatusAwaitingInput, agent.TaskAborted{ID: "t"}, StatusCancelled, OutcomeTransitioned},
		{"tool failed", StatusRunning, agent.ToolFailed{ID: "t", Tool: "x"}, StatusFailed, OutcomeTransitioned},
		{"timeout", StatusCreated, Failure{ID: "t", Reason: ReasonTimeout}, StatusFailed, OutcomeTransitioned},
		{"mode", StatusRunning, agent.ModeSwitched{ID: "t", Mode: "code"}, StatusRunning, OutcomeUpdated},
		{"usage", StatusRunning, agent.TokenUsageUpdated{ID: "t"}, StatusRunning, OutcomeUpdated},
		{"spawned", StatusRunning, agent.TaskSpawned{ID: "t", ChildID: "c"}, StatusRunning, OutcomeIgnored},
		{"paused", StatusRunning, agent.TaskPaused{ID: "t"}, StatusRunning, OutcomeIgnored},
		{"unknown", StatusRunning, agent.UnknownEvent{ID: "t", Name: "x"}, StatusRunning, OutcomeIgnored},
		{"after completed", StatusCompleted, agent.TaskStarted{ID: "t"}, StatusCompleted, OutcomeDiscarded},
		{"after failed", StatusFailed, agent.TaskCompleted{ID: "t"}, StatusFailed, OutcomeDiscarded},
		{"after cancelled", StatusCancelled, say("late"), StatusCancelled, OutcomeDiscarded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := runAt(tc.from)
			change := run.Apply(tc.ev, t0.Add(time.Second))
			assert.Equal(t, tc.to, run.Status)
			assert.Equal(t, tc.outcome, change.Outcome)
			assert.Equal(t, tc.from, change.From)
			assert.Equal(t, tc.to, change.To)
		})
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	run := runAt(StatusRunning)
	run.Apply(agent.ToolFailed{ID: "t", Tool: "execute_command", Error: "exit 1"}, t0.Add(time.Millisecond))
	ended := run.EndedAt

	change := run.Apply(agent.TaskCompleted{ID: "t", Usage: agent.TokenUsage{TotalTokensIn: 10}}, t0.Add(5*time.Millisecond))
	assert.Equal(t, OutcomeDiscarded, change.Outcome)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, ReasonToolFailed, run.Reason)
	assert.Equal(t, "execute_command", run.FailedTool)
	assert.Nil(t, run.Usage)
	assert.Equal(t, ended, run.EndedAt)

	again := run.Apply(Failure{ID: "t", Reason: ReasonTimeout, Message: "late"}, t0.Add(time.Hour))
	assert.Equal(t, OutcomeDiscarded, again.Outcome)
	assert.Equal(t, "exit 1", run.Error)
}

func TestApplyTracksFields(t *testing.T) {
	run := runAt(StatusPending)
	now := t0
	step := func(ev agent.Event) {
		now = now.Add(time.Second)
		run.Apply(ev, now)
	}
	step(agent.TaskCreated{ID: "t"})
	step(agent.TaskStarted{ID: "t"})
	step(agent.ModeSwitched{ID: "t", Mode: "architect"})
	step(say("drafting"))
	step(agent.TokenUsageUpdated{ID: "t", Usage: agent.TokenUsage{TotalTokensIn: 3}})
	step(agent.TaskSpawned{ID: "t", ChildID: "c"})
	step(agent.TaskCompleted{ID: "t", Usage: agent.TokenUsage{TotalTokensIn: 4}, ToolUsage: agent.ToolUsage{"read_file": {Attempts: 1}}})

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "architect", run.Mode)
	assert.Equal(t, "drafting", run.LastResult)
	require.NotNil(t, run.Usage)
	assert.Equal(t, int64(4), run.Usage.TotalTokensIn)
	assert.Equal(t, 1, run.ToolUsage["read_file"].Attempts)
	assert.Equal(t, 6, run.Events)
	assert.Equal(t, t0.Add(7*time.Second), run.EndedAt)
	assert.Equal(t, 7*time.Second, run.Duration(time.Time{}))
}

func TestResultIsNeverEmptyWhenTerminal(t *testing.T) {
	for _, s := range Statuses() {
		run := Run{Status: s}
		assert.NotEmpty(t, run.Result(), s)
	}

	run := Run{Status: StatusFailed, FailedTool: "browser_action", Error: "timeout"}
	assert.Equal(t, "Tool browser_action failed: timeout", run.Result())

	run = Run{Status: StatusCompleted, LastResult: "All done"}
	assert.Equal(t, "All done", run.Result())
}

func TestPlaceholderID(t *testing.T) {
	assert.True(t, Run{TaskID: PlaceholderPrefix + "abc"}.IsPlaceholder())
	assert.False(t, Run{TaskID: "abc"}.IsPlaceholder())
	assert.Equal(t, "loc", Run{LocalID: "loc"}.ID())
}
