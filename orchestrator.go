// Package agentbridge bridges an event-driven agent runtime to callers that
// want either one aggregated result per query or a live, ordered stream of
// frames per task.
//
// An Orchestrator admits submissions through a FIFO concurrency limiter,
// tracks every task in a registry, routes the runtime's interleaved event feed
// to one stream adapter per task, and cleans up on completion, timeout or
// shutdown. Server exposes it over HTTP, SSE and WebSocket.
package agentbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/limiter"
	"github.com/marrasen/agentbridge/stream"
	"github.com/marrasen/agentbridge/tasks"
)

// cancelTimeout bounds the best-effort CancelTask sent after a timeout.
const cancelTimeout = 5 * time.Second

// Orchestrator runs queries as runtime tasks.
type Orchestrator struct {
	runtime  agent.Runtime
	opts     Options
	limiter  *limiter.Limiter
	registry *tasks.Registry
	router   *router
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	// ctx is the parent of every task context. Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
	closed atomic.Bool

	// summaryMu orders OnSummary calls with the snapshots they render.
	summaryMu sync.Mutex

	mu          sync.Mutex
	adapters    map[string]*stream.Adapter
	watchers    map[uint64]func(stream.Frame)
	nextWatcher uint64
}

// New returns an orchestrator driving rt. It subscribes to rt's events
// immediately.
func New(rt agent.Runtime, opts ...Options) *Orchestrator {
	options := mergeOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runtime: rt,
		opts:    options,
		limiter: limiter.New(options.MaxConcurrency),
		registry: tasks.NewRegistry(tasks.RegistryOptions{
			Retention:     options.Retention,
			RetentionSize: options.RetentionSize,
		}),
		router:   newRouter(options.Logger, options.Metrics),
		logger:   options.Logger.Named("orchestrator"),
		metrics:  options.Metrics,
		tracer:   options.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		adapters: make(map[string]*stream.Adapter),
		watchers: make(map[uint64]func(stream.Frame)),
	}
	o.unsub = rt.Subscribe(o.router.dispatch)
	return o
}

// Submit starts query as a new task and waits until the task needs input or
// finishes, or ctx ends. Waiting for a permit counts against ctx; the task's
// own time limit starts once it is admitted and is not shortened by ctx.
//
// If the runtime refuses the task, the run is failed under a placeholder id
// and returned together with an error wrapping ErrSubmissionFailed.
func (o *Orchestrator) Submit(ctx context.Context, query string, opts ...SubmitOption) (tasks.Run, error) {
	if o.closed.Load() {
		return tasks.Run{}, ErrShutdown
	}
	cfg := o.submitConfig(opts)

	ctx, span := o.tracer.Start(ctx, "agentbridge.submit",
		trace.WithAttributes(attribute.Int("agentbridge.query_length", len(query))))
	defer span.End()

	o.metrics.waiting(1)
	permit, err := o.limiter.Acquire(ctx)
	o.metrics.waiting(-1)
	if err != nil {
		span.SetStatus(codes.Error, "not admitted")
		return tasks.Run{}, err
	}
	if o.closed.Load() {
		permit.Release()
		return tasks.Run{}, ErrShutdown
	}

	run := o.registry.Insert(query)
	adapter := o.newAdapter(run.LocalID)
	// A fresh adapter has no open cycle, so Begin neither blocks nor fails.
	cycle, _ := adapter.Begin(ctx, cfg.stream)

	taskCtx, cancel := context.WithTimeout(o.ctx, o.opts.Timeout)
	o.wg.Add(1)
	go o.supervise(taskCtx, cancel, run.LocalID, adapter, permit)

	log := o.logger.With(zap.String("local_id", run.LocalID))
	startCtx, cancelStart := context.WithTimeout(taskCtx, o.opts.StartTimeout)
	taskID, err := o.runtime.StartNewTask(startCtx, agent.StartRequest{
		Text:          query,
		Configuration: cfg.configuration,
		Images:        cfg.images,
		NewTab:        cfg.newTab,
	})
	cancelStart()
	if err != nil {
		log.Warn("task submission failed", zap.Error(err))
		return o.failSubmission(ctx, span, run.LocalID, adapter, cycle,
			tasks.PlaceholderPrefix+uuid.NewString(),
			fmt.Sprintf("Failed to start task: %v", err), err)
	}

	if _, err := o.registry.Bind(run.LocalID, taskID); err != nil {
		if errors.Is(err, tasks.ErrUnknownRun) {
			// The run expired while the runtime was accepting it.
			o.router.retire(taskID)
			final, _ := o.registry.Get(run.LocalID)
			return final, nil
		}
		log.Error("bind task id", zap.String("task_id", taskID), zap.Error(err))
		return o.failSubmission(ctx, span, run.LocalID, adapter, cycle,
			tasks.PlaceholderPrefix+uuid.NewString(),
			fmt.Sprintf("Failed to start task: %v", err), err)
	}
	if !o.router.claim(taskID, adapter) {
		log.Error("runtime returned a finished task id", zap.String("task_id", taskID))
		return o.failSubmission(ctx, span, run.LocalID, adapter, cycle, taskID,
			"Failed to start task: runtime reused a finished task id",
			fmt.Errorf("task id %s already finished", taskID))
	}
	span.SetAttributes(attribute.String("agentbridge.task_id", taskID))
	log.Info("task submitted", zap.String("task_id", taskID))

	return o.await(ctx, span, run.LocalID, adapter, cycle)
}

// failSubmission fails the run through its adapter so the failure is
// ordered with any frames already delivered, and waits for it to settle.
func (o *Orchestrator) failSubmission(ctx context.Context, span trace.Span, localID string, adapter *stream.Adapter, cycle *stream.Cycle, id, msg string, cause error) (tasks.Run, error) {
	if _, err := o.registry.Bind(localID, id); err != nil && !errors.Is(err, tasks.ErrAlreadyBound) {
		o.logger.Debug("bind placeholder", zap.String("local_id", localID), zap.Error(err))
	}
	adapter.Post(tasks.Failure{ID: id, Reason: tasks.ReasonSubmissionFailed, Message: msg})

	run, err := o.await(context.WithoutCancel(ctx), span, localID, adapter, cycle)
	if err != nil {
		return run, err
	}
	span.RecordError(cause)
	return run, fmt.Errorf("%w: %w", ErrSubmissionFailed, cause)
}

// await waits for cycle to settle. If ctx ends first the cycle is abandoned
// and the run keeps going without a callback.
func (o *Orchestrator) await(ctx context.Context, span trace.Span, localID string, adapter *stream.Adapter, cycle *stream.Cycle) (tasks.Run, error) {
	var done <-chan struct{}
	if cycle != nil {
		done = cycle.Done()
	} else {
		done = adapter.Done()
	}

	select {
	case <-done:
	case <-ctx.Done():
		if cycle != nil {
			adapter.Abandon(cycle)
		}
		run, _ := o.registry.Get(localID)
		span.SetStatus(codes.Error, "caller gave up")
		return run, ctx.Err()
	}

	var run tasks.Run
	if cycle != nil {
		run, _ = cycle.Result()
	} else {
		run, _ = adapter.Final()
	}
	span.SetAttributes(
		attribute.String("agentbridge.task_id", run.ID()),
		attribute.String("agentbridge.status", string(run.Status)))
	if run.Status == tasks.StatusFailed {
		span.SetStatus(codes.Error, run.Result())
	}
	return run, nil
}

func (o *Orchestrator) newAdapter(localID string) *stream.Adapter {
	a := stream.NewAdapter(localID, o.registry, stream.Options{
		Timeout: o.opts.Timeout,
		Logger:  o.opts.Logger,
		Hooks: stream.Hooks{
			OnFrame:  o.publish,
			OnChange: func(tasks.Run, tasks.Change) { o.emitSummary() },
			OnCallbackError: func(error) {
				o.metrics.callbackFailed()
			},
			OnDiscard: func(agent.Event) { o.metrics.lateEvent() },
		},
	})
	o.mu.Lock()
	o.adapters[localID] = a
	o.mu.Unlock()
	return a
}

func (o *Orchestrator) adapter(localID string) *stream.Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.adapters[localID]
}

// supervise runs one task's adapter and cleans up after it. It owns the
// permit.
func (o *Orchestrator) supervise(ctx context.Context, cancel context.CancelFunc, localID string, adapter *stream.Adapter, permit *limiter.Permit) {
	defer o.wg.Done()
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("task supervisor panicked", zap.String("local_id", localID), zap.Any("panic", rec))
			permit.Release()
		}
	}()

	o.metrics.taskAdmitted()
	final := adapter.Run(ctx)
	permit.Release()

	retired, err := o.registry.Retire(localID)
	if err != nil {
		o.logger.Error("retire run", zap.String("local_id", localID), zap.Error(err))
		retired = final
	}
	o.router.retire(retired.TaskID)
	o.mu.Lock()
	delete(o.adapters, localID)
	o.mu.Unlock()

	o.metrics.taskFinished(retired.Status, retired.Duration(time.Now()))
	o.logger.Info("task finished",
		zap.String("task_id", retired.ID()),
		zap.String("status", string(retired.Status)),
		zap.String("reason", string(retired.Reason)),
		zap.Int("events", retired.Events))

	if retired.Reason == tasks.ReasonTimeout && o.opts.CancelOnTimeout &&
		retired.TaskID != "" && !retired.IsPlaceholder() {
		cctx, ccancel := context.WithTimeout(context.Background(), cancelTimeout)
		if err := o.runtime.CancelTask(cctx, retired.TaskID); err != nil {
			o.logger.Warn("cancel timed out task", zap.String("task_id", retired.TaskID), zap.Error(err))
		}
		ccancel()
	}
}

// SubmitMany submits every query under the shared limiter and waits until
// all of them are finished or ctx ends. Runs that stop for input are waited
// on until they finish or time out.
//
// Results are keyed by task id; runs the runtime refused appear under their
// placeholder id. The returned error joins every submission error.
func (o *Orchestrator) SubmitMany(ctx context.Context, queries []string, opts ...SubmitOption) (map[string]tasks.Run, error) {
	runs := make([]tasks.Run, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	for i, query := range queries {
		g.Go(func() error {
			run, err := o.Submit(ctx, query, opts...)
			if err == nil && !run.Status.IsTerminal() {
				run, err = o.waitFinished(ctx, run.LocalID)
			}
			runs[i], errs[i] = run, err
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]tasks.Run, len(queries))
	for _, run := range runs {
		if run.LocalID != "" {
			results[run.ID()] = run
		}
	}
	return results, errors.Join(errs...)
}

func (o *Orchestrator) waitFinished(ctx context.Context, localID string) (tasks.Run, error) {
	if a := o.adapter(localID); a != nil {
		select {
		case <-a.Done():
		case <-ctx.Done():
			run, _ := o.registry.Get(localID)
			return run, ctx.Err()
		}
	}
	run, _ := o.registry.Get(localID)
	return run, nil
}

// Continue replies to a task that is waiting for input and waits until it
// needs input again or finishes.
func (o *Orchestrator) Continue(ctx context.Context, taskID, text string, opts ...SubmitOption) (tasks.Run, error) {
	if o.closed.Load() {
		return tasks.Run{}, ErrShutdown
	}
	cfg := o.submitConfig(opts)

	ctx, span := o.tracer.Start(ctx, "agentbridge.continue",
		trace.WithAttributes(attribute.String("agentbridge.task_id", taskID)))
	defer span.End()

	run, ok := o.registry.Get(taskID)
	if !ok {
		return tasks.Run{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	adapter := o.adapter(run.LocalID)
	if run.Status.IsTerminal() || adapter == nil {
		return run, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, run.Status)
	}
	if run.Status != tasks.StatusAwaitingInput {
		return run, fmt.Errorf("%w: %s is %s", ErrNotAwaitingInput, taskID, run.Status)
	}

	cycle, err := adapter.Begin(ctx, cfg.stream)
	if err != nil {
		if errors.Is(err, stream.ErrFinished) {
			run, _ = o.registry.Get(run.LocalID)
			return run, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, run.Status)
		}
		return run, err
	}

	// The status may have moved while Begin waited.
	run, _ = o.registry.Get(run.LocalID)
	switch {
	case run.Status.IsTerminal():
		adapter.Abandon(cycle)
		return run, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, run.Status)
	case run.Status != tasks.StatusAwaitingInput:
		adapter.Abandon(cycle)
		return run, fmt.Errorf("%w: %s is %s", ErrNotAwaitingInput, taskID, run.Status)
	}

	// The resume is posted before the reply so that TASK_RESUMED precedes
	// anything the runtime says in response.
	adapter.Post(agent.AskResponded{ID: run.TaskID})
	if err := o.runtime.SendMessage(ctx, run.TaskID, text, cfg.images); err != nil {
		o.logger.Warn("deliver message", zap.String("task_id", run.TaskID), zap.Error(err))
		return o.failSubmission(ctx, span, run.LocalID, adapter, cycle, run.TaskID,
			fmt.Sprintf("Failed to deliver message: %v", err), err)
	}
	return o.await(ctx, span, run.LocalID, adapter, cycle)
}

// Cancel asks the runtime to abort a task. The run becomes cancelled when
// the runtime reports the abort.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	run, err := o.live(taskID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, run.Status)
	}
	return o.runtime.CancelTask(ctx, run.TaskID)
}

// CloseTask asks the runtime to release a task's resources. Finished tasks
// may be closed.
func (o *Orchestrator) CloseTask(ctx context.Context, taskID string) error {
	run, err := o.live(taskID)
	if err != nil {
		return err
	}
	return o.runtime.CloseTask(ctx, run.TaskID)
}

// live finds a run the runtime knows about.
func (o *Orchestrator) live(taskID string) (tasks.Run, error) {
	run, ok := o.registry.Get(taskID)
	if !ok {
		return tasks.Run{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if run.TaskID == "" || run.IsPlaceholder() {
		return run, fmt.Errorf("%w: %s was never started", ErrTaskNotFound, taskID)
	}
	return run, nil
}

// Get returns a run by task id or local id.
func (o *Orchestrator) Get(id string) (tasks.Run, bool) {
	return o.registry.Get(id)
}

// List returns every active and retained run in submission order.
func (o *Orchestrator) List() []tasks.Run {
	return o.registry.Snapshot()
}

// Summary renders List as markdown.
func (o *Orchestrator) Summary() string {
	return stream.RenderSummary(o.List())
}

// Stats reports limiter usage.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		MaxConcurrency: o.limiter.Max(),
		InUse:          o.limiter.InUse(),
		Waiting:        o.limiter.Waiting(),
		Active:         o.registry.Active(),
	}
}

// Stats is a point-in-time view of admission.
type Stats struct {
	MaxConcurrency int `json:"maxConcurrency"`
	InUse          int `json:"inUse"`
	Waiting        int `json:"waiting"`
	Active         int `json:"active"`
}

// Watch calls fn with every frame of every task until the returned function
// is called. fn runs on task goroutines and must not block.
func (o *Orchestrator) Watch(fn func(stream.Frame)) (unwatch func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextWatcher++
	id := o.nextWatcher
	o.watchers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.watchers, id)
	}
}

func (o *Orchestrator) publish(f stream.Frame) {
	o.metrics.frame(f.Type)
	o.mu.Lock()
	watchers := make([]func(stream.Frame), 0, len(o.watchers))
	for _, fn := range o.watchers {
		watchers = append(watchers, fn)
	}
	o.mu.Unlock()
	for _, fn := range watchers {
		fn(f)
	}
}

func (o *Orchestrator) emitSummary() {
	if o.opts.OnSummary == nil {
		return
	}
	o.summaryMu.Lock()
	defer o.summaryMu.Unlock()
	o.opts.OnSummary(o.Summary())
}

// Shutdown stops accepting work, fails every active task and waits for
// their cleanup or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	defer o.unsub()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
