// Package stream turns a task's runtime events into ordered client frames.
// One Adapter serves one run: it drains the run's mailbox on a single
// goroutine, drives the state machine through the registry and hands each
// resulting frame to the callback of the current cycle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/tasks"
)

// closeTimeout bounds delivery of the final frame after the run's own
// context has expired.
const closeTimeout = 5 * time.Second

var (
	// ErrFinished is returned by Begin once the run is terminal.
	ErrFinished = errors.New("stream: task finished")
	// ErrCallbackPanic wraps a panic recovered from a stream callback.
	ErrCallbackPanic = errors.New("stream: callback panicked")
	// ErrCallbackStalled is reported when a callback is still running as the
	// run's context ends. Its cycle receives no further frames.
	ErrCallbackStalled = errors.New("stream: callback still running at deadline")
)

// Callback receives the frames of one cycle. The adapter waits for it to
// return before handling the next event, so a slow callback applies
// back-pressure to its own task only. The wait ends with ctx: a callback
// still running then is detached from its cycle and left to return on its
// own.
type Callback func(ctx context.Context, f Frame) error

// Hooks observe an adapter. They run on the adapter goroutine and must not
// block.
type Hooks struct {
	// OnFrame sees every frame, whether or not a cycle is open.
	OnFrame func(Frame)
	// OnChange is called after an event changed the run.
	OnChange func(run tasks.Run, change tasks.Change)
	// OnCallbackError is called when a callback fails or panics.
	OnCallbackError func(err error)
	// OnDiscard is called for events that arrive after the run finished.
	OnDiscard func(ev agent.Event)
}

// Options configures an Adapter.
type Options struct {
	// Timeout is the run's time limit, quoted in the timeout failure.
	Timeout time.Duration
	Logger  *zap.Logger
	Hooks   Hooks
}

// Adapter serializes one run's events into frames.
type Adapter struct {
	localID  string
	registry *tasks.Registry
	timeout  time.Duration
	logger   *zap.Logger
	hooks    Hooks
	box      *mailbox
	seq      uint64

	mu    sync.Mutex
	cycle *Cycle
	final *tasks.Run
	done  chan struct{}
}

// NewAdapter returns an adapter for the registry run localID. Call Run to
// start processing.
func NewAdapter(localID string, registry *tasks.Registry, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		localID:  localID,
		registry: registry,
		timeout:  opts.Timeout,
		logger:   logger.Named("stream").With(zap.String("local_id", localID)),
		hooks:    opts.Hooks,
		box:      newMailbox(),
		done:     make(chan struct{}),
	}
}

// Post queues ev. It never blocks.
func (a *Adapter) Post(ev agent.Event) {
	a.box.push(ev)
}

// Done is closed when Run returns.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Final returns the terminal run once the adapter has finished.
func (a *Adapter) Final() (tasks.Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final == nil {
		return tasks.Run{}, false
	}
	return *a.final, true
}

// Begin opens a cycle delivering frames to cb, which may be nil. If a cycle
// is still open, Begin waits for it to close first.
func (a *Adapter) Begin(ctx context.Context, cb Callback) (*Cycle, error) {
	for {
		a.mu.Lock()
		if a.final != nil {
			a.mu.Unlock()
			return nil, ErrFinished
		}
		if a.cycle == nil || a.cycle.state == cycleClosed {
			c := &Cycle{callback: cb, done: make(chan struct{})}
			a.cycle = c
			a.mu.Unlock()
			return c, nil
		}
		wait := a.cycle.done
		a.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Abandon closes c without a STREAM_CLOSED frame.
func (a *Adapter) Abandon(c *Cycle) {
	run, _ := a.registry.Get(a.localID)

	a.mu.Lock()
	switch c.state {
	case cycleOpen:
		c.state = cycleClosed
		c.run = run
		close(c.done)
		a.mu.Unlock()
	case cycleClosing:
		a.mu.Unlock()
		<-c.done
	default:
		a.mu.Unlock()
	}
}

// Run processes events until the run is terminal or ctx ends. Expiry of ctx
// fails the run: with a timeout failure on deadline, with a shutdown failure
// otherwise. Run returns the terminal run.
func (a *Adapter) Run(ctx context.Context) tasks.Run {
	defer close(a.done)
	for {
		ev, err := a.box.pop(ctx)
		if err != nil {
			return a.expire(ctx)
		}
		if run, finished := a.handle(ctx, ev); finished {
			return run
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev agent.Event) (tasks.Run, bool) {
	run, change, err := a.registry.Apply(a.localID, ev)
	if err != nil {
		a.logger.Error("apply event", zap.String("event", string(ev.EventName())), zap.Error(err))
		return run, false
	}

	switch change.Outcome {
	case tasks.OutcomeDiscarded:
		a.logger.Debug("discarding event for finished task",
			zap.String("task_id", run.ID()),
			zap.String("event", string(ev.EventName())))
		if a.hooks.OnDiscard != nil {
			a.hooks.OnDiscard(ev)
		}
		return run, run.Status.IsTerminal()
	case tasks.OutcomeIgnored:
		return run, false
	}

	for _, f := range project(ev, run, change) {
		a.emit(ctx, f)
	}
	if a.hooks.OnChange != nil {
		a.hooks.OnChange(run, change)
	}
	return a.settle(ctx, run, change)
}

// settle ends the open cycle when the run starts waiting for input or
// finishes.
func (a *Adapter) settle(ctx context.Context, run tasks.Run, change tasks.Change) (tasks.Run, bool) {
	if change.Outcome != tasks.OutcomeTransitioned {
		return run, false
	}
	switch {
	case run.Status == tasks.StatusAwaitingInput:
		a.closeCycle(ctx, run)
		return run, false
	case run.Status.IsTerminal():
		a.mu.Lock()
		a.final = &run
		a.mu.Unlock()
		a.closeCycle(ctx, run)
		return run, true
	}
	return run, false
}

func (a *Adapter) expire(ctx context.Context) tasks.Run {
	reason, msg := tasks.ReasonShutdown, "Task abandoned: bridge shutting down"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason, msg = tasks.ReasonTimeout, fmt.Sprintf("Task timed out after %s", a.timeout)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	run, change, err := a.registry.Apply(a.localID, tasks.Failure{ID: a.localID, Reason: reason, Message: msg})
	if err != nil {
		a.logger.Error("expire run", zap.Error(err))
		return run
	}
	if change.Outcome == tasks.OutcomeTransitioned {
		a.logger.Warn("task expired",
			zap.String("task_id", run.ID()),
			zap.String("reason", string(reason)),
			zap.String("from", string(change.From)))
		if a.hooks.OnChange != nil {
			a.hooks.OnChange(run, change)
		}
	}
	a.mu.Lock()
	a.final = &run
	a.mu.Unlock()
	a.closeCycle(closeCtx, run)
	return run
}

func (a *Adapter) emit(ctx context.Context, f Frame) {
	a.seq++
	f.Seq = a.seq

	a.mu.Lock()
	c := a.cycle
	if c != nil && c.state != cycleOpen {
		c = nil
	}
	a.mu.Unlock()

	a.deliver(ctx, c, f)
	if a.hooks.OnFrame != nil {
		a.hooks.OnFrame(f)
	}
}

// closeCycle sends STREAM_CLOSED to the open cycle, if any, and closes it.
func (a *Adapter) closeCycle(ctx context.Context, run tasks.Run) {
	a.mu.Lock()
	c := a.cycle
	if c == nil || c.state != cycleOpen {
		a.mu.Unlock()
		return
	}
	c.state = cycleClosing
	a.mu.Unlock()

	reason := closeReason(run)
	a.seq++
	f := Frame{
		Type:   FrameStreamClosed,
		TaskID: run.ID(),
		Seq:    a.seq,
		Status: run.Status,
		Data:   ClosedData{Reason: reason, Result: run.Result()},
	}
	a.deliver(ctx, c, f)
	if a.hooks.OnFrame != nil {
		a.hooks.OnFrame(f)
	}

	a.mu.Lock()
	c.state = cycleClosed
	c.run = run
	c.reason = reason
	close(c.done)
	a.mu.Unlock()
}

// deliver invokes the callback of c, logging and reporting failures. A
// failing callback never affects the task.
func (a *Adapter) deliver(ctx context.Context, c *Cycle, f Frame) {
	if c == nil {
		return
	}
	a.mu.Lock()
	cb := c.callback
	if c.detached {
		cb = nil
	}
	a.mu.Unlock()
	if cb == nil {
		return
	}

	result := make(chan error, 1)
	go func() {
		result <- func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: %v", ErrCallbackPanic, rec)
				}
			}()
			return cb(ctx, f)
		}()
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		select {
		case err = <-result:
		default:
			a.mu.Lock()
			c.detached = true
			a.mu.Unlock()
			err = fmt.Errorf("%w: %w", ErrCallbackStalled, ctx.Err())
		}
	}
	if err == nil {
		return
	}
	a.logger.Warn("stream callback failed",
		zap.String("task_id", f.TaskID),
		zap.String("frame", string(f.Type)),
		zap.Uint64("seq", f.Seq),
		zap.Error(err))
	if a.hooks.OnCallbackError != nil {
		a.hooks.OnCallbackError(err)
	}
}

type cycleState int

const (
	cycleOpen cycleState = iota
	cycleClosing
	cycleClosed
)

// Cycle is one submission or continuation: the span from the call until the
// run next waits for input or finishes.
type Cycle struct {
	callback Callback
	detached bool
	state    cycleState
	done     chan struct{}
	run      tasks.Run
	reason   CloseReason
}

// Done is closed after the cycle's STREAM_CLOSED frame was delivered.
func (c *Cycle) Done() <-chan struct{} {
	return c.done
}

// Result returns the run as of the cycle's end and the close reason. It is
// valid after Done is closed.
func (c *Cycle) Result() (tasks.Run, CloseReason) {
	return c.run, c.reason
}

// Wait blocks until the cycle ends or ctx is done.
func (c *Cycle) Wait(ctx context.Context) (tasks.Run, error) {
	select {
	case <-c.done:
		return c.run, nil
	case <-ctx.Done():
		return tasks.Run{}, ctx.Err()
	}
}

// mailbox is an unbounded FIFO queue of events.
type mailbox struct {
	mu    sync.Mutex
	queue []agent.Event
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev agent.Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// pop returns the next event. Expiry of ctx takes precedence over queued
// events.
func (m *mailbox) pop(ctx context.Context) (agent.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return ev, nil
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
