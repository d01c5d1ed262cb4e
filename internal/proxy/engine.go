package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/events"
	"github.com/vyrodovalexey/avaproxy/internal/gateway"
	"github.com/vyrodovalexey/avaproxy/internal/middleware"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// tracerHolder boxes a Tracer so it can live in an atomic.Pointer.
type tracerHolder struct {
	events.Tracer
}

var nopTracer = &tracerHolder{Tracer: events.NopTracer{}}

// Engine matches inbound requests against the published rule table and
// forwards them. It is safe for concurrent use.
type Engine struct {
	table   atomic.Pointer[rules.Table]
	writeMu sync.Mutex

	tracer      atomic.Pointer[tracerHolder]
	debugTracer *tracerHolder
	traceMu     sync.Mutex

	bus        *events.Bus
	logger     observability.Logger
	metrics    *observability.Metrics
	transport  http.RoundTripper
	upstream   config.UpstreamConfig
	breakerCfg config.CircuitBreakerConfig
	breakers   *breakerTransport
	timeout    time.Duration
	mws        []func(http.Handler) http.Handler
	proxy      *httputil.ReverseProxy

	srvMu  sync.Mutex
	server *gateway.Server
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics sink. Without it the engine keeps its own.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTransport replaces the outbound transport built from the upstream
// configuration.
func WithTransport(transport http.RoundTripper) Option {
	return func(e *Engine) {
		e.transport = transport
	}
}

// WithUpstream sets the outbound transport settings and request timeout.
func WithUpstream(cfg config.UpstreamConfig) Option {
	return func(e *Engine) {
		e.upstream = cfg
	}
}

// WithTimeout overrides the upstream request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.timeout = timeout
	}
}

// WithCircuitBreaker enables per-target circuit breaking for rewritten
// requests when cfg.Enabled is set.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) Option {
	return func(e *Engine) {
		e.breakerCfg = cfg
	}
}

// WithDebugTracer sets the sink used while debugging is on. The default
// writes trace lines to the engine logger at info level.
func WithDebugTracer(tracer events.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.debugTracer = &tracerHolder{Tracer: tracer}
		}
	}
}

// WithMiddleware wraps the handler served by Start. The first middleware
// is the outermost.
func WithMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(e *Engine) {
		e.mws = append(e.mws, mws...)
	}
}

// New creates an engine with an empty rule table and tracing off.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = observability.NewMetrics("")
	}
	if e.timeout <= 0 {
		e.timeout = e.upstream.Timeout.Duration()
	}
	if e.timeout <= 0 {
		e.timeout = config.DefaultUpstreamTimeout
	}
	if e.transport == nil {
		e.transport = NewTransport(e.upstream)
	}
	if e.breakerCfg.Enabled {
		e.breakers = newBreakerTransport(e.transport, e.breakerCfg, e.logger, e.metrics)
		e.transport = e.breakers
	}
	if e.debugTracer == nil {
		e.debugTracer = &tracerHolder{Tracer: events.NewLogTracer(e.logger)}
	}

	e.bus = events.NewBus(e.logger)
	e.table.Store(rules.Empty())
	e.tracer.Store(nopTracer)
	e.proxy = &httputil.ReverseProxy{
		Rewrite:       e.rewrite,
		Transport:     e.transport,
		FlushInterval: -1,
		ErrorHandler:  e.handleUpstreamError,
		ErrorLog:      observability.NewStdLog(e.logger),
	}
	e.metrics.SetRules(0)

	return e
}

// Events returns the engine's event bus.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *observability.Metrics {
	return e.metrics
}

// Table returns the currently published rule table.
func (e *Engine) Table() *rules.Table {
	return e.table.Load()
}

// Rules returns a copy of the published rules in priority order.
func (e *Engine) Rules() []rules.Rule {
	return e.table.Load().Rules()
}

// AddRule validates r and appends it to the table. An invalid rule is
// returned as a *rules.ValidationError and leaves the table untouched.
//
// Rule events are emitted after the table is published and outside the
// write lock, so listeners may call back into the engine. Their order
// matches the order of publication only while one goroutine at a time
// changes the rules.
func (e *Engine) AddRule(r rules.Rule) error {
	e.writeMu.Lock()
	next, err := e.table.Load().Append(r)
	if err != nil {
		e.metrics.RecordRuleRejection()
		e.writeMu.Unlock()
		return err
	}
	e.table.Store(next)
	e.metrics.SetRules(next.Len())
	e.writeMu.Unlock()

	e.bus.EmitAddRule(events.RuleEvent{Match: r.Match, Proxy: r.Target})

	return nil
}

// RemoveAllRules publishes an empty table and reports every discarded rule.
func (e *Engine) RemoveAllRules() {
	e.writeMu.Lock()
	old := e.table.Swap(rules.Empty())
	e.metrics.SetRules(0)
	e.pruneBreakers(rules.Empty())
	e.writeMu.Unlock()

	for _, r := range old.Rules() {
		e.bus.EmitRemoveRule(events.RuleEvent{Match: r.Match, Proxy: r.Target})
	}
}

// ReplaceRules builds a new table from candidates and publishes it in a
// single swap, so no request ever sees a partial rule set. Rejected rules
// are skipped and returned; they do not fail the replacement. Circuit
// breakers of hosts no longer targeted by any rule are dropped.
func (e *Engine) ReplaceRules(candidates []rules.Rule) []error {
	next, errs := rules.Build(candidates)

	e.writeMu.Lock()
	old := e.table.Swap(next)
	for range errs {
		e.metrics.RecordRuleRejection()
	}
	e.metrics.SetRules(next.Len())
	e.pruneBreakers(next)
	e.writeMu.Unlock()

	for _, r := range old.Rules() {
		e.bus.EmitRemoveRule(events.RuleEvent{Match: r.Match, Proxy: r.Target})
	}
	for _, r := range next.Rules() {
		e.bus.EmitAddRule(events.RuleEvent{Match: r.Match, Proxy: r.Target})
	}

	return errs
}

// pruneBreakers drops the breakers of hosts that table no longer targets.
// Callers hold writeMu.
func (e *Engine) pruneBreakers(table *rules.Table) {
	if e.breakers == nil {
		return
	}

	keep := make(map[string]struct{}, table.Len())
	for _, r := range table.Rules() {
		u, err := url.Parse(normalizeTarget(r.Target))
		if err != nil || u.Host == "" {
			continue
		}
		keep[u.Host] = struct{}{}
	}
	e.breakers.prune(keep)
}

// SetDebugHandler installs t as the trace sink and activates it. A nil
// tracer turns tracing off.
func (e *Engine) SetDebugHandler(t events.Tracer) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()

	if t == nil {
		e.tracer.Store(nopTracer)
		return
	}
	e.debugTracer = &tracerHolder{Tracer: t}
	e.tracer.Store(e.debugTracer)
}

// SetDebug switches between the debug tracer and the no-op sink.
func (e *Engine) SetDebug(on bool) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()

	if on {
		e.tracer.Store(e.debugTracer)
	} else {
		e.tracer.Store(nopTracer)
	}
}

// Debug reports whether tracing is on.
func (e *Engine) Debug() bool {
	return e.tracer.Load() != nopTracer
}

// Handler returns the engine wrapped in its configured middleware.
func (e *Engine) Handler() http.Handler {
	return middleware.Chain(e, e.mws...)
}

// Start begins accepting connections on host:port. Port 0 binds an
// ephemeral port; see Addr.
func (e *Engine) Start(ctx context.Context, host string, port int) error {
	e.srvMu.Lock()
	defer e.srvMu.Unlock()

	if e.server != nil && e.server.State() != gateway.StateStopped {
		return gateway.ErrNotStopped
	}

	srv, err := gateway.NewServer(
		net.JoinHostPort(host, strconv.Itoa(port)),
		e.Handler(),
		gateway.WithLogger(e.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	e.server = srv
	return nil
}

// Stop stops accepting connections and drains in-flight requests.
func (e *Engine) Stop(ctx context.Context) error {
	e.srvMu.Lock()
	srv := e.server
	e.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Stop(ctx)
}

// Addr returns the bound listener address, or "" before Start.
func (e *Engine) Addr() string {
	e.srvMu.Lock()
	defer e.srvMu.Unlock()

	if e.server == nil || !e.server.IsRunning() {
		return ""
	}
	return e.server.Addr()
}

// IsRunning reports whether the listener is accepting connections.
func (e *Engine) IsRunning() bool {
	return e.Addr() != ""
}
