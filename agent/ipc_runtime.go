package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/ipc"
)

const seenTaskCacheSize = 4096

// IPCRuntime drives a runtime over an ipc.Client.
//
// The IPC protocol does not answer StartNewTask with the new id. Pending
// starts therefore form a queue in send order, and the first event relayed
// to this client for an id not seen before resolves the oldest pending
// start. A start whose caller gave up keeps its place in the queue, so the
// id meant for it is closed instead of being handed to a later start. The
// host answers a refused start with taskStartFailed, which resolves the
// oldest pending start the same way.
type IPCRuntime struct {
	client *ipc.Client
	logger *zap.Logger

	sendMu  sync.Mutex
	mu      sync.Mutex
	pending []*pendingStart
	seen    *lru.Cache[string, struct{}]
	subs    []subscriber
	nextSub uint64
	done    chan struct{}
}

type pendingStart struct {
	result    chan startResult
	abandoned bool
}

type startResult struct {
	id  string
	err error
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// NewIPCRuntime wraps client and starts consuming its events.
func NewIPCRuntime(client *ipc.Client, logger *zap.Logger) *IPCRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, _ := lru.New[string, struct{}](seenTaskCacheSize)
	r := &IPCRuntime{
		client: client,
		logger: logger.Named("agent.ipc"),
		seen:   seen,
		done:   make(chan struct{}),
	}
	go r.pump()
	return r
}

// Done is closed when the underlying client stops delivering events.
func (r *IPCRuntime) Done() <-chan struct{} {
	return r.done
}

func (r *IPCRuntime) StartNewTask(ctx context.Context, req StartRequest) (string, error) {
	cmd, err := ipc.NewStartNewTask("", ipc.StartNewTaskData{
		Configuration: req.Configuration,
		Text:          req.Text,
		Images:        req.Images,
		NewTab:        req.NewTab,
	})
	if err != nil {
		return "", err
	}

	p := &pendingStart{result: make(chan startResult, 1)}
	r.sendMu.Lock()
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
	err = r.client.Send(cmd)
	r.sendMu.Unlock()
	if err != nil {
		r.dropPending(p)
		return "", err
	}

	select {
	case res := <-p.result:
		return res.id, res.err
	case <-ctx.Done():
		r.mu.Lock()
		defer r.mu.Unlock()
		select {
		case res := <-p.result:
			return res.id, res.err
		default:
		}
		p.abandoned = true
		return "", ctx.Err()
	}
}

func (r *IPCRuntime) SendMessage(_ context.Context, taskID, text string, images []string) error {
	cmd, err := ipc.NewSendMessage("", taskID, ipc.SendMessageData{Text: text, Images: images})
	if err != nil {
		return err
	}
	return r.client.Send(cmd)
}

func (r *IPCRuntime) CancelTask(_ context.Context, taskID string) error {
	return r.client.Send(ipc.NewCancelTask("", taskID))
}

func (r *IPCRuntime) CloseTask(_ context.Context, taskID string) error {
	return r.client.Send(ipc.NewCloseTask("", taskID))
}

func (r *IPCRuntime) Subscribe(fn func(Event)) func() {
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

func (r *IPCRuntime) pump() {
	defer close(r.done)
	for wire := range r.client.Events() {
		ev, err := Decode(wire)
		if err != nil {
			r.logger.Warn("dropping undecodable event", zap.String("event", wire.EventName), zap.Error(err))
			continue
		}
		if wire.RelayClientID != "" && wire.RelayClientID == r.client.ClientID() {
			if failed, ok := ev.(StartFailed); ok {
				r.resolve(startResult{err: fmt.Errorf("%w: %s", ErrStartFailed, failed.Error)})
				continue
			}
			if id := ev.TaskID(); id != "" {
				r.claim(id)
			}
		}
		r.dispatch(ev)
	}
	r.logger.Info("event stream closed")
}

// claim resolves the oldest pending start with id if id is new.
func (r *IPCRuntime) claim(id string) {
	r.mu.Lock()
	seen, _ := r.seen.ContainsOrAdd(id, struct{}{})
	r.mu.Unlock()
	if seen {
		return
	}
	r.resolve(startResult{id: id})
}

// resolve answers the oldest pending start. A task started for a caller
// that gave up is closed.
func (r *IPCRuntime) resolve(res startResult) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		if res.id != "" {
			r.logger.Debug("event for task not started here", zap.String("task_id", res.id))
		}
		return
	}
	p := r.pending[0]
	r.pending = r.pending[1:]
	abandoned := p.abandoned
	if !abandoned {
		p.result <- res
	}
	r.mu.Unlock()

	if !abandoned || res.id == "" {
		return
	}
	r.logger.Warn("closing task whose start was abandoned", zap.String("task_id", res.id))
	if err := r.CloseTask(context.Background(), res.id); err != nil && !errors.Is(err, ipc.ErrClosed) {
		r.logger.Warn("close abandoned task", zap.String("task_id", res.id), zap.Error(err))
	}
}

func (r *IPCRuntime) dropPending(p *pendingStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *IPCRuntime) dispatch(ev Event) {
	r.mu.Lock()
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
