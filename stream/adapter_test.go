package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/tasks"
)

type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) callback(_ context.Context, f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) types() []FrameType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []FrameType
	for _, f := range l.frames {
		out = append(out, f.Type)
	}
	return out
}

func (l *frameLog) last() Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames[len(l.frames)-1]
}

func newBoundAdapter(t *testing.T, opts Options) (*Adapter, *tasks.Registry, string) {
	t.Helper()
	reg := tasks.NewRegistry()
	run := reg.Insert("do the thing")
	_, err := reg.Bind(run.LocalID, "t1")
	require.NoError(t, err)
	return NewAdapter(run.LocalID, reg, opts), reg, run.LocalID
}

func runAsync(ctx context.Context, a *Adapter) <-chan tasks.Run {
	out := make(chan tasks.Run, 1)
	go func() { out <- a.Run(ctx) }()
	return out
}

func waitRun(t *testing.T, ch <-chan tasks.Run) tasks.Run {
	t.Helper()
	select {
	case run := <-ch:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not finish")
		return tasks.Run{}
	}
}

func say(text string) agent.MessageEvent {
	return agent.MessageEvent{ID: "t1", Action: "created", Message: agent.Message{Type: agent.MessageSay, Say: "text", Text: text}}
}

func TestFramesFollowEventOrder(t *testing.T) {
	a, _, _ := newBoundAdapter(t, Options{})
	log := &frameLog{}
	cycle, err := a.Begin(context.Background(), log.callback)
	require.NoError(t, err)

	a.Post(agent.TaskCreated{ID: "t1"})
	a.Post(agent.TaskStarted{ID: "t1"})
	a.Post(say("step one"))
	a.Post(agent.TaskSpawned{ID: "t1", ChildID: "t2"})
	a.Post(say("step two"))
	a.Post(agent.TaskCompleted{ID: "t1", Usage: agent.TokenUsage{TotalTokensIn: 3}})

	final := waitRun(t, runAsync(context.Background(), a))
	assert.Equal(t, tasks.StatusCompleted, final.Status)

	run, err := cycle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, run.Status)

	assert.Equal(t, []FrameType{FrameTaskCreated, FrameMessage, FrameMessage, FrameTaskCompleted, FrameStreamClosed}, log.types())
	for i, f := range log.frames {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, "t1", f.TaskID)
	}
	closed := log.last()
	assert.Equal(t, ClosedData{Reason: CloseTaskCompleted, Result: "step two"}, closed.Data)
	completed := log.frames[3].Data.(CompletedData)
	require.NotNil(t, completed.UsageStats)
	assert.Equal(t, int64(3), completed.UsageStats.TotalTokensIn)
}

func TestFollowupClosesCycleAndResumes(t *testing.T) {
	a, _, _ := newBoundAdapter(t, Options{})
	first := &frameLog{}
	c1, err := a.Begin(context.Background(), first.callback)
	require.NoError(t, err)
	done := runAsync(context.Background(), a)

	a.Post(agent.TaskCreated{ID: "t1"})
	a.Post(agent.MessageEvent{ID: "t1", Action: "created", Message: agent.Message{Type: agent.MessageAsk, Ask: "followup", Text: "Which file?"}})

	run, err := c1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusAwaitingInput, run.Status)
	_, reason := c1.Result()
	assert.Equal(t, CloseFollowupQuestion, reason)
	assert.Equal(t, []FrameType{FrameTaskCreated, FrameMessage, FrameStreamClosed}, first.types())

	// Messages while waiting do not close the next cycle early.
	second := &frameLog{}
	c2, err := a.Begin(context.Background(), second.callback)
	require.NoError(t, err)
	a.Post(say("still waiting"))
	a.Post(agent.AskResponded{ID: "t1"})
	a.Post(agent.TaskCompleted{ID: "t1"})

	run, err = c2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, run.Status)
	assert.Equal(t, []FrameType{FrameMessage, FrameTaskResumed, FrameTaskCompleted, FrameStreamClosed}, second.types())
	assert.Equal(t, uint64(7), second.last().Seq, "seq continues across cycles")

	waitRun(t, done)
	_, err = a.Begin(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestTimeoutFailsRun(t *testing.T) {
	a, reg, localID := newBoundAdapter(t, Options{Timeout: 20 * time.Millisecond})
	log := &frameLog{}
	cycle, err := a.Begin(context.Background(), log.callback)
	require.NoError(t, err)
	a.Post(agent.TaskCreated{ID: "t1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	final := waitRun(t, runAsync(ctx, a))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, tasks.ReasonTimeout, final.Reason)
	assert.Equal(t, "Task timed out after 20ms", final.Error)

	run, _ := cycle.Result()
	assert.Equal(t, tasks.StatusFailed, run.Status)
	assert.Equal(t, FrameStreamClosed, log.last().Type)
	assert.Equal(t, CloseTimeout, log.last().Data.(ClosedData).Reason)

	stored, ok := reg.Get(localID)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusFailed, stored.Status)
}

func TestStalledCallbackDoesNotHoldTimeout(t *testing.T) {
	var stalls atomic.Int32
	a, _, _ := newBoundAdapter(t, Options{
		Timeout: 50 * time.Millisecond,
		Hooks: Hooks{OnCallbackError: func(err error) {
			if errors.Is(err, ErrCallbackStalled) {
				stalls.Add(1)
			}
		}},
	})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var calls atomic.Int32
	cb := func(_ context.Context, f Frame) error {
		calls.Add(1)
		if f.Type == FrameMessage {
			// A client that stopped reading: ignores ctx.
			<-release
		}
		return nil
	}
	cycle, err := a.Begin(context.Background(), cb)
	require.NoError(t, err)
	a.Post(agent.TaskCreated{ID: "t1"})
	a.Post(say("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	final := waitRun(t, runAsync(ctx, a))
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, tasks.ReasonTimeout, final.Reason)

	run, err := cycle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, run.Status)
	assert.Equal(t, int32(1), stalls.Load())
	assert.Equal(t, int32(2), calls.Load(), "a detached callback gets no STREAM_CLOSED")
}

func TestShutdownFailsRunWithError(t *testing.T) {
	a, _, _ := newBoundAdapter(t, Options{})
	log := &frameLog{}
	_, err := a.Begin(context.Background(), log.callback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, a)
	cancel()
	final := waitRun(t, done)
	assert.Equal(t, tasks.ReasonShutdown, final.Reason)
	assert.Equal(t, CloseError, log.last().Data.(ClosedData).Reason)
}

func TestToolFailureThenCompletionStaysFailed(t *testing.T) {
	var discarded atomic.Int32
	a, _, _ := newBoundAdapter(t, Options{Hooks: Hooks{OnDiscard: func(agent.Event) { discarded.Add(1) }}})
	log := &frameLog{}
	_, err := a.Begin(context.Background(), log.callback)
	require.NoError(t, err)

	a.Post(agent.TaskStarted{ID: "t1"})
	a.Post(agent.ToolFailed{ID: "t1", Tool: "apply_diff", Error: "patch rejected"})
	a.Post(agent.TaskCompleted{ID: "t1"})

	final := waitRun(t, runAsync(context.Background(), a))
	assert.Equal(t, tasks.StatusFailed, final.Status)
	assert.Equal(t, "apply_diff", final.FailedTool)
	assert.Equal(t, []FrameType{FrameTaskCreated, FrameToolFailed, FrameStreamClosed}, log.types())
	assert.Equal(t, ClosedData{Reason: CloseError, Result: "Tool apply_diff failed: patch rejected"}, log.last().Data)
}

func TestCallbackFailuresDoNotAbortTask(t *testing.T) {
	var failures atomic.Int32
	a, _, _ := newBoundAdapter(t, Options{Hooks: Hooks{OnCallbackError: func(error) { failures.Add(1) }}})

	calls := 0
	cb := func(ctx context.Context, f Frame) error {
		calls++
		switch calls {
		case 1:
			return errors.New("client went away")
		case 2:
			panic("renderer bug")
		}
		return nil
	}
	_, err := a.Begin(context.Background(), cb)
	require.NoError(t, err)

	a.Post(agent.TaskCreated{ID: "t1"})
	a.Post(say("hello"))
	a.Post(agent.TaskCompleted{ID: "t1"})

	final := waitRun(t, runAsync(context.Background(), a))
	assert.Equal(t, tasks.StatusCompleted, final.Status)
	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, 4, calls)
}

func TestObserversSeeFramesWithoutCycle(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    []FrameType
		changes int
	)
	a, _, _ := newBoundAdapter(t, Options{Hooks: Hooks{
		OnFrame: func(f Frame) {
			mu.Lock()
			seen = append(seen, f.Type)
			mu.Unlock()
		},
		OnChange: func(tasks.Run, tasks.Change) { changes++ },
	}})

	a.Post(agent.TaskCreated{ID: "t1"})
	a.Post(agent.TaskAborted{ID: "t1"})
	final := waitRun(t, runAsync(context.Background(), a))
	assert.Equal(t, tasks.StatusCancelled, final.Status)
	assert.Equal(t, []FrameType{FrameTaskCreated}, seen, "no cycle means no STREAM_CLOSED")
	assert.Equal(t, 2, changes)
}

func TestBeginWaitsForOpenCycle(t *testing.T) {
	a, _, _ := newBoundAdapter(t, Options{})
	c1, err := a.Begin(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Begin(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.Abandon(c1)
	select {
	case <-c1.Done():
	default:
		t.Fatal("abandoned cycle not closed")
	}
	_, err = a.Begin(context.Background(), nil)
	assert.NoError(t, err)
}
