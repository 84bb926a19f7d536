package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/ipc"
)

// Host serves a Runtime to IPC clients. Commands are forwarded to the
// runtime; runtime events are relayed to the client that started the task,
// or broadcast when no client owns it.
type Host struct {
	runtime Runtime
	logger  *zap.Logger

	// mu is held across StartNewTask so that events for a new task cannot
	// be published before its owner is recorded.
	mu        sync.Mutex
	owners    map[string]string
	announced map[string]bool
	server    *ipc.Server
	unsub     func()
}

// NewHost returns a Host for rt. Pass it to ipc.NewServer and then call
// Attach with the server.
func NewHost(rt Runtime, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		runtime:   rt,
		logger:    logger.Named("agent.host"),
		owners:    make(map[string]string),
		announced: make(map[string]bool),
	}
}

// Attach starts relaying runtime events through server.
func (h *Host) Attach(server *ipc.Server) {
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()
	server.OnDisconnect(func(_ context.Context, ev *ipc.Disconnect) {
		h.forgetClient(ev.ClientID)
	})
	h.unsub = h.runtime.Subscribe(h.relay)
}

// Close stops relaying events.
func (h *Host) Close() {
	if h.unsub != nil {
		h.unsub()
	}
}

// HandleCommand implements ipc.CommandHandler.
func (h *Host) HandleCommand(ctx context.Context, cmd *ipc.TaskCommand) {
	log := h.logger.With(zap.String("client_id", cmd.ClientID), zap.String("command", string(cmd.CommandName)))

	switch cmd.CommandName {
	case ipc.CommandStartNewTask:
		data, err := cmd.StartNewTask()
		if err != nil {
			log.Warn("bad command", zap.Error(err))
			return
		}
		h.mu.Lock()
		id, err := h.runtime.StartNewTask(ctx, StartRequest{
			Text:          data.Text,
			Configuration: data.Configuration,
			Images:        data.Images,
			NewTab:        data.NewTab,
		})
		if err == nil {
			h.owners[id] = cmd.ClientID
			h.announce(id, cmd.ClientID)
		} else {
			h.refuse(cmd.ClientID, err)
		}
		h.mu.Unlock()
		if err != nil {
			log.Error("start task failed", zap.Error(err))
			return
		}
		log.Info("task started", zap.String("task_id", id))

	case ipc.CommandSendMessage:
		id, _ := cmd.TargetTaskID()
		data, err := cmd.SendMessage()
		if err != nil {
			log.Warn("bad command", zap.Error(err))
			return
		}
		if err := h.runtime.SendMessage(ctx, id, data.Text, data.Images); err != nil {
			log.Warn("send message failed", zap.String("task_id", id), zap.Error(err))
		}

	case ipc.CommandCancelTask:
		id, err := cmd.TargetTaskID()
		if err != nil {
			log.Warn("bad command", zap.Error(err))
			return
		}
		if err := h.runtime.CancelTask(ctx, id); err != nil {
			log.Warn("cancel failed", zap.String("task_id", id), zap.Error(err))
		}

	case ipc.CommandCloseTask:
		id, err := cmd.TargetTaskID()
		if err != nil {
			log.Warn("bad command", zap.Error(err))
			return
		}
		if err := h.runtime.CloseTask(ctx, id); err != nil {
			log.Warn("close failed", zap.String("task_id", id), zap.Error(err))
		}
		h.mu.Lock()
		delete(h.owners, id)
		h.mu.Unlock()

	default:
		log.Debug("ignoring unknown command")
	}
}

func (h *Host) relay(ev Event) {
	wire, err := Encode(ev)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", string(ev.EventName())), zap.Error(err))
		return
	}

	h.mu.Lock()
	if _, created := ev.(TaskCreated); created && h.announced[ev.TaskID()] {
		delete(h.announced, ev.TaskID())
		h.mu.Unlock()
		return
	}
	wire.RelayClientID = h.owners[ev.TaskID()]
	server := h.server
	switch ev.(type) {
	case TaskCompleted, TaskAborted:
		delete(h.owners, ev.TaskID())
	}
	h.mu.Unlock()

	if server == nil {
		return
	}
	if err := server.Publish(wire); err != nil {
		h.logger.Error("publish event", zap.String("event", wire.EventName), zap.Error(err))
	}
}

// announce publishes taskCreated for a task the moment its start returns.
// Clients match the first event for an unseen id to their oldest pending
// start, so the first event of each task has to leave in start order. The
// runtime's own taskCreated for id is then suppressed. Callers hold h.mu.
func (h *Host) announce(id, clientID string) {
	if h.server == nil {
		return
	}
	wire, err := Encode(TaskCreated{ID: id})
	if err != nil {
		return
	}
	wire.RelayClientID = clientID
	if err := h.server.Publish(wire); err != nil {
		h.logger.Error("publish event", zap.String("event", wire.EventName), zap.Error(err))
		return
	}
	h.announced[id] = true
}

// refuse tells clientID that its start failed. It is published under h.mu
// like announce so it takes the same place in the start order.
func (h *Host) refuse(clientID string, cause error) {
	if h.server == nil {
		return
	}
	wire, err := Encode(StartFailed{Error: cause.Error()})
	if err != nil {
		return
	}
	wire.RelayClientID = clientID
	if err := h.server.Publish(wire); err != nil {
		h.logger.Error("publish event", zap.String("event", wire.EventName), zap.Error(err))
	}
}

func (h *Host) forgetClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, owner := range h.owners {
		if owner == clientID {
			delete(h.owners, id)
		}
	}
}
