// Package reload coalesces configuration change notifications and
// republishes the engine's rule table from a fresh configuration.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// DefaultDelay is the quiet period after the last notification.
const DefaultDelay = config.DefaultReloadDebounce

// State is the controller's position in its reload cycle.
type State int32

const (
	// StateIdle means no reload is scheduled or running.
	StateIdle State = iota
	// StatePending means a reload is scheduled and waiting out the delay.
	StatePending
	// StateReloading means a reload is running.
	StateReloading
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateReloading:
		return "reloading"
	default:
		return "unknown"
	}
}

// Source produces the configuration to apply.
type Source interface {
	Load(ctx context.Context) (*config.Config, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*config.Config, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) (*config.Config, error) {
	return f(ctx)
}

// FileSource loads the configuration file at path on every reload.
func FileSource(path string) Source {
	return SourceFunc(func(context.Context) (*config.Config, error) {
		return config.Load(path)
	})
}

// Applier receives a successfully loaded configuration.
type Applier interface {
	ReplaceRules(candidates []rules.Rule) []error
	SetDebug(on bool)
}

// Controller debounces change notifications into reloads. Every
// notification cancels the pending timer and starts a new one, so a burst
// of notifications yields one reload timed from the last of them.
type Controller struct {
	source  Source
	applier Applier
	delay   time.Duration
	logger  observability.Logger
	metrics *observability.Metrics
	onError func(error)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	state   State
	stopped bool

	reloadMu sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option is a functional option for configuring the controller.
type Option func(*Controller)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithLogger sets the logger for the controller.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records reload outcomes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// WithErrorCallback sets a callback invoked when a reload is aborted.
func WithErrorCallback(fn func(error)) Option {
	return func(c *Controller) {
		c.onError = fn
	}
}

// New creates an idle controller.
func New(source Source, applier Applier, opts ...Option) *Controller {
	c := &Controller{
		source:  source,
		applier: applier,
		delay:   DefaultDelay,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c
}

// Notify schedules a reload after the debounce delay, replacing any
// reload already scheduled. Safe for concurrent use.
func (c *Controller) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
	c.pending = true

	if c.state != StateReloading {
		c.state = StatePending
	}
}

// fire runs the reload scheduled as generation gen, unless a later
// notification superseded it.
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.pending = false
	c.mu.Unlock()

	_ = c.reload(c.ctx)
}

// Reload loads and applies the configuration immediately. On failure the
// applier is not touched and the error is returned.
func (c *Controller) Reload(ctx context.Context) error {
	return c.reload(ctx)
}

func (c *Controller) reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.setState(StateReloading)
	defer c.settle()

	start := time.Now()

	cfg, err := c.source.Load(ctx)
	if err != nil {
		c.recordReload(false, time.Since(start))
		c.logger.Warn("configuration reload failed, keeping current rules",
			observability.Error(err),
		)
		if c.onError != nil {
			c.onError(err)
		}
		return fmt.Errorf("configuration reload aborted: %w", err)
	}

	for _, warning := range cfg.Warnings {
		c.logger.Warn("skipping malformed rule entry", observability.Error(warning))
	}

	candidates := cfg.ToRules()
	rejected := c.applier.ReplaceRules(candidates)
	for _, rerr := range rejected {
		c.logger.Warn("rule rejected", observability.Error(rerr))
	}
	c.applier.SetDebug(cfg.Debug)

	c.recordReload(true, time.Since(start))
	c.logger.Info("configuration reloaded",
		observability.Int("rules", len(candidates)-len(rejected)),
		observability.Int("rejected", len(rejected)+len(cfg.Warnings)),
		observability.Bool("debug", cfg.Debug),
	)

	return nil
}

func (c *Controller) recordReload(success bool, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordReload(success, d)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// settle leaves Reloading for Pending if a notification arrived meanwhile.
func (c *Controller) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		c.state = StatePending
	} else {
		c.state = StateIdle
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop cancels any scheduled reload and ignores later notifications.
// A reload already running is cancelled through its context.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = false
	if c.state == StatePending {
		c.state = StateIdle
	}
	c.cancel()
}
