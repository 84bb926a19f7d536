package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientOptions configures an IPC client.
type ClientOptions struct {
	// DialTimeout bounds connecting and waiting for the Ack. Default: 5s
	DialTimeout time.Duration
	// ReconnectInterval is the initial reconnect delay. Default: 1s
	ReconnectInterval time.Duration
	// ReconnectMaxInterval caps the reconnect delay. Default: 30s
	ReconnectMaxInterval time.Duration
	// ReconnectMaxAttempts is the maximum number of reconnect attempts. 0 = unlimited.
	// Negative disables reconnecting.
	ReconnectMaxAttempts int
	// EventBuffer is the length of the Events channel. Default: 256
	EventBuffer int
	// MaxLineSize bounds inbound lines. Default: DefaultMaxLineSize
	MaxLineSize int
	// OnRestart is called after a reconnect when the server process changed.
	OnRestart func(prev, next Ack)
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func defaultClientOptions() ClientOptions {
	return ClientOptions{
		DialTimeout:          5 * time.Second,
		ReconnectInterval:    time.Second,
		ReconnectMaxInterval: 30 * time.Second,
		EventBuffer:          256,
		MaxLineSize:          DefaultMaxLineSize,
	}
}

// Client is a connection to an agent runtime's IPC server.
type Client struct {
	path    string
	options ClientOptions
	logger  *zap.Logger

	mu  sync.Mutex
	nc  net.Conn
	enc *Encoder
	ack Ack

	events    chan *TaskEvent
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the server at path and waits for its Ack.
func Dial(ctx context.Context, path string, opts ...ClientOptions) (*Client, error) {
	options := defaultClientOptions()
	if len(opts) > 0 {
		opt := opts[0]
		if opt.DialTimeout > 0 {
			options.DialTimeout = opt.DialTimeout
		}
		if opt.ReconnectInterval > 0 {
			options.ReconnectInterval = opt.ReconnectInterval
		}
		if opt.ReconnectMaxInterval > 0 {
			options.ReconnectMaxInterval = opt.ReconnectMaxInterval
		}
		if opt.EventBuffer > 0 {
			options.EventBuffer = opt.EventBuffer
		}
		if opt.MaxLineSize > 0 {
			options.MaxLineSize = opt.MaxLineSize
		}
		options.ReconnectMaxAttempts = opt.ReconnectMaxAttempts
		options.OnRestart = opt.OnRestart
		options.Logger = opt.Logger
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		path:    path,
		options: options,
		logger:  logger.Named("ipc.client"),
		events:  make(chan *TaskEvent, options.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	nc, dec, ack, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.install(nc, ack)
	c.logger.Info("connected",
		zap.String("socket", path),
		zap.String("client_id", ack.ClientID),
		zap.Int("server_pid", ack.PID))

	go c.run(dec)
	return c, nil
}

// ClientID returns the id assigned by the server's most recent Ack.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack.ClientID
}

// Server returns the most recent Ack.
func (c *Client) Server() Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack
}

// Events delivers TaskEvents in the order the server sent them. The channel
// is closed when the client is closed or gives up reconnecting.
func (c *Client) Events() <-chan *TaskEvent {
	return c.events
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send writes cmd, stamping it with the current client id.
func (c *Client) Send(cmd *TaskCommand) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	enc := c.enc
	cmd.ClientID = c.ack.ClientID
	c.mu.Unlock()
	if enc == nil {
		return ErrNotConnected
	}
	if err := enc.Encode(cmd); err != nil {
		return fmt.Errorf("ipc: send %s: %w", cmd.CommandName, err)
	}
	return nil
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		if c.nc != nil {
			c.nc.Close()
		}
		c.mu.Unlock()
	})
	<-c.done
	return nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, *Decoder, Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, nil, Ack{}, fmt.Errorf("ipc: dial %s: %w", c.path, err)
	}
	deadline, _ := ctx.Deadline()
	_ = nc.SetReadDeadline(deadline)

	dec := NewDecoder(nc)
	dec.SetMaxLineSize(c.options.MaxLineSize)
	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) || errors.Is(err, ErrUnknownMessageType) {
				c.logger.Warn("skipping message before ack", zap.Error(err))
				continue
			}
			nc.Close()
			return nil, nil, Ack{}, fmt.Errorf("ipc: waiting for ack: %w", err)
		}
		ack, ok := msg.(*Ack)
		if !ok {
			nc.Close()
			return nil, nil, Ack{}, fmt.Errorf("ipc: expected Ack, got %s", msg.Type())
		}
		_ = nc.SetReadDeadline(time.Time{})
		return nc, dec, *ack, nil
	}
}

func (c *Client) install(nc net.Conn, ack Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nc = nc
	c.enc = NewEncoder(nc)
	c.ack = ack
}

func (c *Client) run(dec *Decoder) {
	defer close(c.done)
	defer close(c.events)

	for {
		c.readLoop(dec)

		c.mu.Lock()
		c.enc = nil
		c.mu.Unlock()

		select {
		case <-c.closing:
			return
		default:
		}
		if dec = c.reconnect(); dec == nil {
			return
		}
	}
}

func (c *Client) readLoop(dec *Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *ParseError
			switch {
			case errors.As(err, &perr):
				c.logger.Warn("malformed message", zap.Error(err))
				continue
			case errors.Is(err, ErrUnknownMessageType):
				c.logger.Debug("ignoring message", zap.Error(err))
				continue
			}
			select {
			case <-c.closing:
			default:
				c.logger.Warn("connection lost", zap.Error(err))
			}
			return
		}

		ev, ok := msg.(*TaskEvent)
		if !ok {
			c.logger.Debug("ignoring message", zap.String("type", string(msg.Type())))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

// reconnect retries with exponential backoff. It returns nil when the client
// is closing or the attempt budget is exhausted.
func (c *Client) reconnect() *Decoder {
	if c.options.ReconnectMaxAttempts < 0 {
		return nil
	}
	prev := c.Server()
	delay := c.options.ReconnectInterval
	for attempt := 1; c.options.ReconnectMaxAttempts == 0 || attempt <= c.options.ReconnectMaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.closing:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		nc, dec, ack, err := c.connect(context.Background())
		if err != nil {
			c.logger.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			delay = min(delay*2, c.options.ReconnectMaxInterval)
			continue
		}

		c.mu.Lock()
		select {
		case <-c.closing:
			c.mu.Unlock()
			nc.Close()
			return nil
		default:
		}
		c.nc = nc
		c.enc = NewEncoder(nc)
		c.ack = ack
		c.mu.Unlock()

		c.logger.Info("reconnected", zap.String("client_id", ack.ClientID), zap.Int("attempt", attempt))
		if ack.PID != prev.PID {
			c.logger.Warn("agent runtime restarted",
				zap.Int("previous_pid", prev.PID),
				zap.Int("pid", ack.PID))
			if c.options.OnRestart != nil {
				c.options.OnRestart(prev, ack)
			}
		}
		return dec
	}
	c.logger.Error("giving up reconnecting", zap.Int("attempts", c.options.ReconnectMaxAttempts))
	return nil
}
