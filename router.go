package agentbridge

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/agent"
	"github.com/marrasen/agentbridge/stream"
)

const (
	earlyBufferSize = 1024
	retiredSetSize  = 4096
)

// router fans the runtime's single event feed out to the adapters, keyed by
// task id. Events for ids not yet claimed are held until the id is claimed;
// events for retired ids are dropped.
type router struct {
	mu      sync.Mutex
	routes  map[string]*stream.Adapter
	early   *lru.Cache[string, []agent.Event]
	retired *lru.Cache[string, struct{}]
	logger  *zap.Logger
	metrics *Metrics
}

func newRouter(logger *zap.Logger, metrics *Metrics) *router {
	r := &router{
		routes:  make(map[string]*stream.Adapter),
		logger:  logger.Named("router"),
		metrics: metrics,
	}
	// Subtasks the bridge never claims age out of the buffer.
	r.early, _ = lru.New[string, []agent.Event](earlyBufferSize)
	r.retired, _ = lru.New[string, struct{}](retiredSetSize)
	return r
}

func (r *router) dispatch(ev agent.Event) {
	id := ev.TaskID()
	if id == "" {
		r.logger.Debug("dropping event without task id", zap.String("event", string(ev.EventName())))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.routes[id]; ok {
		a.Post(ev)
		return
	}
	if r.retired.Contains(id) {
		r.logger.Debug("discarding event for finished task",
			zap.String("task_id", id), zap.String("event", string(ev.EventName())))
		r.metrics.lateEvent()
		return
	}
	buffered, _ := r.early.Peek(id)
	r.early.Add(id, append(buffered, ev))
}

// claim routes id to a, after a synthetic taskCreated and any events that
// arrived before the claim. It reports false if id was already retired.
func (r *router) claim(id string, a *stream.Adapter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired.Contains(id) {
		return false
	}
	a.Post(agent.TaskCreated{ID: id})
	if buffered, ok := r.early.Peek(id); ok {
		for _, ev := range buffered {
			a.Post(ev)
		}
		r.early.Remove(id)
	}
	r.routes[id] = a
	return true
}

func (r *router) retire(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, id)
	r.early.Remove(id)
	r.retired.Add(id, struct{}{})
}

func (r *router) routed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
