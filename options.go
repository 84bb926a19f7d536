package agentbridge

import (
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/marrasen/agentbridge/limiter"
	"github.com/marrasen/agentbridge/stream"
	"github.com/marrasen/agentbridge/tasks"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultStartTimeout = 30 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency bounds the number of tasks running at once. Default: 3
	MaxConcurrency int
	// Timeout is each task's time limit, counted from admission. Default: 5m
	Timeout time.Duration
	// StartTimeout bounds how long the runtime may take to accept a task.
	// Default: 30s
	StartTimeout time.Duration
	// Retention is how long finished runs stay queryable. Default: 30m
	Retention time.Duration
	// RetentionSize caps the number of finished runs kept. Default: 1024
	RetentionSize int
	// CancelOnTimeout asks the runtime to cancel tasks that time out. The
	// local run fails either way.
	CancelOnTimeout bool
	// Configuration is passed with every StartNewTask unless a submission
	// overrides it.
	Configuration map[string]any
	// OnSummary receives the markdown summary after every state change. It
	// runs on the task's event goroutine and must not block. Calls never
	// overlap, so the last call carries the latest state.
	OnSummary func(summary string)
	Logger    *zap.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

func defaultOptions() Options {
	return Options{
		MaxConcurrency: limiter.DefaultMax,
		Timeout:        DefaultTimeout,
		StartTimeout:   DefaultStartTimeout,
		Retention:      tasks.DefaultRetention,
		RetentionSize:  tasks.DefaultRetentionSize,
		Logger:         zap.NewNop(),
		Tracer:         noop.NewTracerProvider().Tracer("agentbridge"),
	}
}

func mergeOptions(opts []Options) Options {
	options := defaultOptions()
	if len(opts) == 0 {
		return options
	}
	opt := opts[0]
	if opt.MaxConcurrency > 0 {
		options.MaxConcurrency = opt.MaxConcurrency
	}
	if opt.Timeout > 0 {
		options.Timeout = opt.Timeout
	}
	if opt.StartTimeout > 0 {
		options.StartTimeout = opt.StartTimeout
	}
	if opt.Retention > 0 {
		options.Retention = opt.Retention
	}
	if opt.RetentionSize > 0 {
		options.RetentionSize = opt.RetentionSize
	}
	if opt.Logger != nil {
		options.Logger = opt.Logger
	}
	if opt.Tracer != nil {
		options.Tracer = opt.Tracer
	}
	options.CancelOnTimeout = opt.CancelOnTimeout
	options.Configuration = opt.Configuration
	options.OnSummary = opt.OnSummary
	options.Metrics = opt.Metrics
	return options
}

// SubmitOption configures a single Submit or Continue call.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	stream        stream.Callback
	configuration map[string]any
	images        []string
	newTab        bool
}

// WithStream delivers the call's frames to cb. The callback is called on
// the task's event goroutine; frames of one task arrive in order. A callback
// shared by several submissions may run concurrently for different tasks.
func WithStream(cb stream.Callback) SubmitOption {
	return func(c *submitConfig) { c.stream = cb }
}

// WithConfiguration merges cfg over the orchestrator's default runtime
// configuration for this submission.
func WithConfiguration(cfg map[string]any) SubmitOption {
	return func(c *submitConfig) {
		merged := maps.Clone(c.configuration)
		if merged == nil {
			merged = make(map[string]any, len(cfg))
		}
		maps.Copy(merged, cfg)
		c.configuration = merged
	}
}

// WithImages attaches images to the start request or reply.
func WithImages(images ...string) SubmitOption {
	return func(c *submitConfig) { c.images = append(c.images, images...) }
}

// WithNewTab asks the runtime to open the task in a new tab.
func WithNewTab() SubmitOption {
	return func(c *submitConfig) { c.newTab = true }
}

func (o *Orchestrator) submitConfig(opts []SubmitOption) submitConfig {
	cfg := submitConfig{configuration: o.opts.Configuration}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
