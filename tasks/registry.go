package tasks

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/marrasen/agentbridge/agent"
)

var (
	// ErrUnknownRun is returned for a local id the registry does not hold.
	ErrUnknownRun = errors.New("tasks: unknown run")
	// ErrAlreadyBound is returned when binding a task id that is in use.
	ErrAlreadyBound = errors.New("tasks: task id already bound")
)

const (
	DefaultRetention     = 30 * time.Minute
	DefaultRetentionSize = 1024
)

// RegistryOptions configures retention of finished runs.
type RegistryOptions struct {
	// Retention is how long a finished run stays queryable. Default: 30m
	Retention time.Duration
	// RetentionSize caps the number of finished runs kept. Default: 1024
	RetentionSize int
	// Now overrides the clock.
	Now func() time.Time
}

// Registry owns every Run. Active runs live in an arena keyed by local id
// with a secondary index by task id. Finished runs move to a bounded,
// expiring retention cache.
type Registry struct {
	mu      sync.Mutex
	arena   map[string]*Run
	index   map[string]string
	retired *expirable.LRU[string, Run]
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOptions) *Registry {
	options := RegistryOptions{Retention: DefaultRetention, RetentionSize: DefaultRetentionSize}
	if len(opts) > 0 {
		opt := opts[0]
		if opt.Retention > 0 {
			options.Retention = opt.Retention
		}
		if opt.RetentionSize > 0 {
			options.RetentionSize = opt.RetentionSize
		}
		options.Now = opt.Now
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Registry{
		arena:   make(map[string]*Run),
		index:   make(map[string]string),
		retired: expirable.NewLRU[string, Run](options.RetentionSize, nil, options.Retention),
		now:     options.Now,
	}
}

// Insert adds a pending run for query and returns a copy of it.
func (g *Registry) Insert(query string) Run {
	now := g.now()
	run := &Run{
		LocalID:   uuid.NewString(),
		Query:     query,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	g.mu.Lock()
	g.arena[run.LocalID] = run
	g.mu.Unlock()
	return *run
}

// Bind records the runtime's task id for an active run.
func (g *Registry) Bind(localID, taskID string) (Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.arena[localID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownRun, localID)
	}
	if owner, taken := g.index[taskID]; taken && owner != localID {
		return *run, fmt.Errorf("%w: %s", ErrAlreadyBound, taskID)
	}
	if g.retired.Contains(taskID) {
		return *run, fmt.Errorf("%w: %s", ErrAlreadyBound, taskID)
	}
	if run.TaskID != "" && run.TaskID != taskID {
		delete(g.index, run.TaskID)
	}
	run.TaskID = taskID
	g.index[taskID] = localID
	return *run, nil
}

// Update applies fn to an active run under the registry lock, so the read,
// the transition and the write happen as one step. fn must not block.
func (g *Registry) Update(localID string, fn func(*Run) Change) (Run, Change, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.arena[localID]
	if !ok {
		return Run{}, Change{}, fmt.Errorf("%w: %s", ErrUnknownRun, localID)
	}
	change := fn(run)
	return *run, change, nil
}

// Apply runs ev through the state machine of the active run localID.
func (g *Registry) Apply(localID string, ev agent.Event) (Run, Change, error) {
	now := g.now()
	return g.Update(localID, func(r *Run) Change { return r.Apply(ev, now) })
}

// Retire moves a terminal run out of the arena into the retention cache.
func (g *Registry) Retire(localID string) (Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.arena[localID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownRun, localID)
	}
	if !run.Status.IsTerminal() {
		return *run, fmt.Errorf("tasks: cannot retire %s run %s", run.Status, run.ID())
	}
	delete(g.arena, localID)
	if run.TaskID != "" {
		delete(g.index, run.TaskID)
	}
	g.retired.Add(run.ID(), *run)
	return *run, nil
}

// Get finds a run by task id or local id, active runs first.
func (g *Registry) Get(id string) (Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if localID, ok := g.index[id]; ok {
		id = localID
	}
	if run, ok := g.arena[id]; ok {
		return *run, true
	}
	if run, ok := g.retired.Get(id); ok {
		return run, true
	}
	for _, run := range g.retired.Values() {
		if run.LocalID == id {
			return run, true
		}
	}
	return Run{}, false
}

// Active returns the number of runs not yet retired.
func (g *Registry) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.arena)
}

// Snapshot returns every active and retained run ordered by submission time.
func (g *Registry) Snapshot() []Run {
	g.mu.Lock()
	runs := make([]Run, 0, len(g.arena)+g.retired.Len())
	for _, run := range g.arena {
		runs = append(runs, *run)
	}
	runs = append(runs, g.retired.Values()...)
	g.mu.Unlock()

	slices.SortStableFunc(runs, func(a, b Run) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.LocalID, b.LocalID)
	})
	return runs
}
