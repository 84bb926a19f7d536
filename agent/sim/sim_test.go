package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/agentbridge/agent"
)

type recorder struct {
	mu     sync.Mutex
	events []agent.Event
}

func (r *recorder) add(ev agent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []agent.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.EventName
	for _, ev := range r.events {
		out = append(out, ev.EventName())
	}
	return out
}

func TestDefaultBehaviorCompletes(t *testing.T) {
	rt := New()
	rec := &recorder{}
	defer rt.Subscribe(rec.add)()

	_, err := rt.StartNewTask(context.Background(), agent.StartRequest{Text: "two words"})
	require.NoError(t, err)
	rt.Wait()

	names := rec.names()
	require.NotEmpty(t, names)
	assert.Equal(t, agent.EventTaskCreated, names[0])
	assert.Equal(t, agent.EventTaskStarted, names[1])
	assert.Equal(t, agent.EventTaskCompleted, names[len(names)-1])
	assert.Equal(t, 1, rt.Peak())
	assert.Equal(t, 0, rt.Active())
}

func TestCancelEmitsAbortOnce(t *testing.T) {
	rt := New(WithBehavior(func(ctx context.Context, t *Task) {
		t.Created()
		<-ctx.Done()
	}))
	rec := &recorder{}
	defer rt.Subscribe(rec.add)()

	id, err := rt.StartNewTask(context.Background(), agent.StartRequest{Text: "x"})
	require.NoError(t, err)
	require.NoError(t, rt.CancelTask(context.Background(), id))
	require.NoError(t, rt.CancelTask(context.Background(), id))
	rt.Wait()

	assert.Equal(t, []agent.EventName{agent.EventTaskCreated, agent.EventTaskAborted}, rec.names())
}

func TestCloseSuppressesEvents(t *testing.T) {
	rt := New(WithBehavior(func(ctx context.Context, t *Task) {
		<-ctx.Done()
		t.Say("text", "too late")
	}))
	rec := &recorder{}
	defer rt.Subscribe(rec.add)()

	id, err := rt.StartNewTask(context.Background(), agent.StartRequest{})
	require.NoError(t, err)
	require.NoError(t, rt.CloseTask(context.Background(), id))
	rt.Wait()
	assert.Empty(t, rec.names())

	err = rt.SendMessage(context.Background(), id, "hi", nil)
	assert.ErrorIs(t, err, agent.ErrUnknownTask)
}

func TestStartError(t *testing.T) {
	boom := errors.New("no provider configured")
	rt := New(WithStartError(func(req agent.StartRequest) error {
		if req.Text == "bad" {
			return boom
		}
		return nil
	}))

	_, err := rt.StartNewTask(context.Background(), agent.StartRequest{Text: "bad"})
	assert.ErrorIs(t, err, boom)
	_, err = rt.StartNewTask(context.Background(), agent.StartRequest{Text: "good"})
	assert.NoError(t, err)
	rt.Wait()
}

func TestFollowupWaitsForReply(t *testing.T) {
	rt := New()
	rec := &recorder{}
	defer rt.Subscribe(rec.add)()

	id, err := rt.StartNewTask(context.Background(), agent.StartRequest{Text: "why?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		names := rec.names()
		return len(names) > 0 && names[len(names)-1] == agent.EventMessage && rt.Active() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.SendMessage(context.Background(), id, "because", nil))
	rt.Wait()

	names := rec.names()
	assert.Contains(t, names, agent.EventTaskAskResponded)
	assert.Equal(t, agent.EventTaskCompleted, names[len(names)-1])
}

func TestPanickingBehaviorFailsTool(t *testing.T) {
	rt := New(WithBehavior(func(ctx context.Context, t *Task) {
		t.Created()
		panic("exploded")
	}))
	rec := &recorder{}
	defer rt.Subscribe(rec.add)()

	_, err := rt.StartNewTask(context.Background(), agent.StartRequest{})
	require.NoError(t, err)
	rt.Wait()
	assert.Equal(t, []agent.EventName{agent.EventTaskCreated, agent.EventTaskToolFailed}, rec.names())
}
