package agent

import (
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/agentbridge/ipc"
)

func wire(name, taskID, payload string) *ipc.TaskEvent {
	return &ipc.TaskEvent{EventName: name, TaskID: taskID, Payload: jsontext.Value(payload)}
}

func TestDecodeRuntimePayloads(t *testing.T) {
	cases := []struct {
		name string
		in   *ipc.TaskEvent
		want Event
	}{
		{"created", wire("taskCreated", "", `["t1"]`), TaskCreated{ID: "t1"}},
		{"started falls back to envelope id", wire("taskStarted", "t1", `[]`), TaskStarted{ID: "t1"}},
		{"mode", wire("taskModeSwitched", "t1", `["t1","architect"]`), ModeSwitched{ID: "t1", Mode: "architect"}},
		{"spawned", wire("taskSpawned", "t1", `["t1","t2"]`), TaskSpawned{ID: "t1", ChildID: "t2"}},
		{"aborted", wire("taskAborted", "t1", `["t1"]`), TaskAborted{ID: "t1"}},
		{"responded", wire("taskAskResponded", "t1", `["t1"]`), AskResponded{ID: "t1"}},
		{"tool failed", wire("taskToolFailed", "t1", `["t1","write_to_file","disk full"]`),
			ToolFailed{ID: "t1", Tool: "write_to_file", Error: "disk full"}},
		{"completed without tool usage", wire("taskCompleted", "t1", `["t1",{"totalTokensIn":5,"totalTokensOut":7,"totalCost":0.25,"contextTokens":12}]`),
			TaskCompleted{ID: "t1", Usage: TokenUsage{TotalTokensIn: 5, TotalTokensOut: 7, TotalCost: 0.25, ContextTokens: 12}}},
		{"completed with tool usage", wire("taskCompleted", "t1", `["t1",{"totalTokensIn":1,"totalTokensOut":1,"totalCost":0,"contextTokens":1},{"read_file":{"attempts":3,"failures":1}}]`),
			TaskCompleted{
				ID:        "t1",
				Usage:     TokenUsage{TotalTokensIn: 1, TotalTokensOut: 1, ContextTokens: 1},
				ToolUsage: ToolUsage{"read_file": {Attempts: 3, Failures: 1}},
			}},
		{"usage", wire("taskTokenUsageUpdated", "t1", `["t1",{"totalTokensIn":9,"totalTokensOut":1,"totalCost":0.1,"contextTokens":10}]`),
			TokenUsageUpdated{ID: "t1", Usage: TokenUsage{TotalTokensIn: 9, TotalTokensOut: 1, TotalCost: 0.1, ContextTokens: 10}}},
		{"start failed", wire("taskStartFailed", "", `["rate limited"]`), StartFailed{Error: "rate limited"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeMessageKeepsUnknownFields(t *testing.T) {
	ev := wire("message", "t1",
		`[{"taskId":"t1","action":"created","message":{"ts":1700000000000,"type":"say","say":"reasoning","text":"thinking","checkpoint":{"hash":"abc"},"isProtected":true}}]`)

	got, err := Decode(ev)
	require.NoError(t, err)
	msg, ok := got.(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "t1", msg.ID)
	assert.Equal(t, "created", msg.Action)
	assert.Equal(t, "reasoning", msg.Message.Say)
	assert.Equal(t, "thinking", msg.Message.Text)

	out, err := json.Marshal(msg.Message)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ts":1700000000000,"type":"say","say":"reasoning","text":"thinking","checkpoint":{"hash":"abc"},"isProtected":true}`,
		string(out))
}

func TestDecodeUnknownEvent(t *testing.T) {
	got, err := Decode(wire("taskInteraction", "t1", `["t1",{"x":1}]`))
	require.NoError(t, err)
	assert.Equal(t, UnknownEvent{ID: "t1", Name: "taskInteraction", Payload: jsontext.Value(`["t1",{"x":1}]`)}, got)
	assert.Equal(t, EventName("taskInteraction"), got.EventName())
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	_, err := Decode(wire("taskToolFailed", "t1", `["t1"]`))
	assert.Error(t, err)

	_, err = Decode(wire("taskCreated", "", `[]`))
	assert.Error(t, err)

	_, err = Decode(wire("taskCreated", "", `{"not":"an array"}`))
	assert.Error(t, err)
}

func TestEncodeMatchesDecode(t *testing.T) {
	events := []Event{
		TaskCreated{ID: "t"},
		ModeSwitched{ID: "t", Mode: "code"},
		ToolFailed{ID: "t", Tool: "x", Error: "y"},
		TaskCompleted{ID: "t", Usage: TokenUsage{TotalTokensIn: 1}},
	}
	for _, ev := range events {
		w, err := Encode(ev)
		require.NoError(t, err)
		assert.Equal(t, "t", w.TaskID)
		got, err := Decode(w)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestRequiresInput(t *testing.T) {
	cases := []struct {
		msg  Message
		want bool
	}{
		{Message{Type: MessageAsk, Ask: "followup"}, true},
		{Message{Type: MessageAsk, Ask: "command"}, true},
		{Message{Type: MessageAsk, Ask: "api_req_failed"}, true},
		{Message{Type: MessageAsk, Ask: "followup", Partial: true}, false},
		{Message{Type: MessageAsk, Ask: "completion_result"}, false},
		{Message{Type: MessageAsk, Ask: "command_output"}, false},
		{Message{Type: MessageSay, Say: "followup"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.msg.RequiresInput(), "%+v", tc.msg)
	}
}
