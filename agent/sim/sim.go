// Package sim is an in-process agent runtime driven by scripted behaviours.
// It backs the mock-runtime command and the orchestrator tests.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/agent"
)

// Behavior scripts one task. It runs on its own goroutine; ctx is cancelled
// when the task is cancelled or closed.
type Behavior func(ctx context.Context, t *Task)

// Option configures a Runtime.
type Option func(*Runtime)

// WithBehavior sets the script used for every task.
func WithBehavior(b Behavior) Option {
	return func(r *Runtime) { r.behavior = b }
}

// WithStartError makes StartNewTask fail when fn returns an error.
func WithStartError(fn func(req agent.StartRequest) error) Option {
	return func(r *Runtime) { r.startErr = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger.Named("sim") }
}

// Runtime implements agent.Runtime in memory.
type Runtime struct {
	behavior Behavior
	startErr func(agent.StartRequest) error
	logger   *zap.Logger

	mu      sync.Mutex
	subs    []subscriber
	nextSub uint64
	tasks   map[string]*Task
	started []string
	active  int
	peak    int
	wg      sync.WaitGroup
}

type subscriber struct {
	id uint64
	fn func(agent.Event)
}

// New returns a runtime running DefaultBehavior unless configured otherwise.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		behavior: DefaultBehavior,
		logger:   zap.NewNop(),
		tasks:    make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) StartNewTask(_ context.Context, req agent.StartRequest) (string, error) {
	if r.startErr != nil {
		if err := r.startErr(req); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:      uuid.NewString(),
		req:     req,
		rt:      r,
		ctx:     ctx,
		cancel:  cancel,
		replies: make(chan Reply, 8),
	}

	r.mu.Lock()
	r.tasks[t.id] = t
	r.started = append(r.started, t.id)
	r.active++
	r.peak = max(r.peak, r.active)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.drive(t)
	r.logger.Debug("task started", zap.String("task_id", t.id))
	return t.id, nil
}

func (r *Runtime) drive(t *Task) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("behavior panicked", zap.String("task_id", t.id), zap.Any("panic", rec))
			t.ToolFailed("sim", fmt.Sprint(rec))
		}
		if t.aborting.Load() {
			t.Abort()
		}
		t.cancel()
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	r.behavior(t.ctx, t)
}

func (r *Runtime) task(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownTask, id)
	}
	return t, nil
}

func (r *Runtime) SendMessage(ctx context.Context, taskID, text string, images []string) error {
	t, err := r.task(taskID)
	if err != nil {
		return err
	}
	select {
	case t.replies <- Reply{Text: text, Images: images}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelTask cancels the task's context. The task reports taskAborted once
// its behaviour returns, unless it already finished.
func (r *Runtime) CancelTask(_ context.Context, taskID string) error {
	t, err := r.task(taskID)
	if err != nil {
		return err
	}
	t.aborting.Store(true)
	t.cancel()
	return nil
}

// CloseTask stops the task without emitting further events.
func (r *Runtime) CloseTask(_ context.Context, taskID string) error {
	t, err := r.task(taskID)
	if err != nil {
		return err
	}
	t.finished.Store(true)
	t.cancel()
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Subscribe(fn func(agent.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *Runtime) emit(ev agent.Event) {
	r.mu.Lock()
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// Peak returns the highest number of tasks that were running at once.
func (r *Runtime) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// Active returns the number of running behaviours.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Started returns the ids of every task started, in order.
func (r *Runtime) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// Wait blocks until every behaviour has returned.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Reply is a message sent to a task with SendMessage.
type Reply struct {
	Text   string
	Images []string
}

// Task is the handle a Behavior uses to act as the runtime for one task.
type Task struct {
	id       string
	req      agent.StartRequest
	rt       *Runtime
	ctx      context.Context
	cancel   context.CancelFunc
	replies  chan Reply
	aborting atomic.Bool
	finished atomic.Bool
}

func (t *Task) ID() string                  { return t.id }
func (t *Task) Request() agent.StartRequest { return t.req }

// Emit publishes ev unless the task was closed.
func (t *Task) Emit(ev agent.Event) {
	if t.finished.Load() && !isTerminal(ev) {
		return
	}
	t.rt.emit(ev)
}

func (t *Task) Created()           { t.Emit(agent.TaskCreated{ID: t.id}) }
func (t *Task) Started()           { t.Emit(agent.TaskStarted{ID: t.id}) }
func (t *Task) Responded()         { t.Emit(agent.AskResponded{ID: t.id}) }
func (t *Task) Mode(mode string)   { t.Emit(agent.ModeSwitched{ID: t.id, Mode: mode}) }
func (t *Task) Usage(u agent.TokenUsage) {
	t.Emit(agent.TokenUsageUpdated{ID: t.id, Usage: u})
}

// Say emits a complete say message.
func (t *Task) Say(kind, text string) {
	t.message(agent.Message{Type: agent.MessageSay, Say: kind, Text: text})
}

// SayPartial emits a streaming fragment of a say message.
func (t *Task) SayPartial(kind, text string) {
	t.message(agent.Message{Type: agent.MessageSay, Say: kind, Text: text, Partial: true})
}

// Ask emits a complete ask message.
func (t *Task) Ask(kind, text string) {
	t.message(agent.Message{Type: agent.MessageAsk, Ask: kind, Text: text})
}

func (t *Task) message(m agent.Message) {
	m.Timestamp = time.Now().UnixMilli()
	action := "created"
	if m.Partial {
		action = "updated"
	}
	t.Emit(agent.MessageEvent{ID: t.id, Action: action, Message: m})
}

// Complete finishes the task.
func (t *Task) Complete(u agent.TokenUsage, tools agent.ToolUsage) {
	if t.finished.Swap(true) {
		return
	}
	t.rt.emit(agent.TaskCompleted{ID: t.id, Usage: u, ToolUsage: tools})
}

// ToolFailed reports a tool failure. The task may still complete afterwards.
func (t *Task) ToolFailed(tool, msg string) {
	t.Emit(agent.ToolFailed{ID: t.id, Tool: tool, Error: msg})
}

// Abort finishes the task as aborted.
func (t *Task) Abort() {
	if t.finished.Swap(true) {
		return
	}
	t.rt.emit(agent.TaskAborted{ID: t.id})
}

// Sleep waits for d and reports false if the task was cancelled first.
func (t *Task) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// WaitReply blocks until SendMessage delivers a reply or the task is
// cancelled.
func (t *Task) WaitReply() (Reply, bool) {
	select {
	case r := <-t.replies:
		return r, true
	case <-t.ctx.Done():
		return Reply{}, false
	}
}

func isTerminal(ev agent.Event) bool {
	switch ev.(type) {
	case agent.TaskCompleted, agent.TaskAborted:
		return true
	}
	return false
}

// DefaultBehavior creates, starts and narrates a task, asks a follow-up
// question when the request ends with a question mark, and completes.
func DefaultBehavior(ctx context.Context, t *Task) {
	t.Created()
	t.Started()
	t.Say("text", "Working on: "+t.Request().Text)
	for _, word := range strings.Fields(t.Request().Text) {
		if !t.Sleep(5 * time.Millisecond) {
			return
		}
		t.SayPartial("text", word)
	}
	if strings.HasSuffix(strings.TrimSpace(t.Request().Text), "?") {
		t.Ask("followup", "Which detail matters most to you?")
		reply, ok := t.WaitReply()
		if !ok {
			return
		}
		t.Responded()
		t.Say("text", "Noted: "+reply.Text)
	}
	if ctx.Err() != nil {
		return
	}
	words := int64(len(strings.Fields(t.Request().Text)))
	t.Say("completion_result", "Finished: "+t.Request().Text)
	t.Complete(agent.TokenUsage{
		TotalTokensIn:  10 + words,
		TotalTokensOut: 20 + 2*words,
		ContextTokens:  30 + 3*words,
	}, nil)
}
