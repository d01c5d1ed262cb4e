package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/events"
	"github.com/vyrodovalexey/avaproxy/internal/middleware"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// Context describes one request as it is being forwarded.
type Context struct {
	Method string
	Origin string      // scheme://host[:port] the client addressed
	URL    string      // Origin plus path and query
	Rule   *rules.Rule // matched rule, nil for pass-through
	Target *url.URL    // where the request is sent
}

// Rewrite reports whether a rule matched.
func (c *Context) Rewrite() bool {
	return c.Rule != nil
}

type contextKey struct{}

func contextWith(ctx context.Context, fc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, fc)
}

// contextFrom returns the forward context stored by ServeHTTP, or nil.
func contextFrom(ctx context.Context) *Context {
	fc, _ := ctx.Value(contextKey{}).(*Context)
	return fc
}

// errorResponse is the JSON body of synthesized error responses.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := middleware.NewStatusWriter(w)

	e.metrics.IncrementActiveRequests()
	defer e.metrics.DecrementActiveRequests()
	defer e.recoverRequest(sw, r)

	if r.Method == http.MethodConnect {
		e.writeError(sw, http.StatusNotImplemented, ErrTunnelNotSupported.Error())
		return
	}

	fc, err := e.resolve(r)
	if err != nil && fc != nil {
		e.failRule(sw, r, fc, err)
		return
	}
	if err != nil {
		e.logger.WithContext(r.Context()).Debug("rejecting request",
			observability.String("method", r.Method),
			observability.String("host", r.Host),
			observability.Error(err),
		)
		e.writeError(sw, http.StatusBadRequest, err.Error())
		return
	}

	if !fc.Rewrite() && e.isSelf(fc.Target.Host) {
		e.rejectLoop(sw, r, fc)
		return
	}

	e.bus.EmitProxy(events.ProxyEvent{
		Method:    fc.Method,
		Origin:    fc.URL,
		Target:    fc.Target.String(),
		Rewrite:   fc.Rewrite(),
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
	e.trace(fc)

	ctx, cancel := context.WithTimeout(r.Context(), e.timeout)
	defer cancel()

	e.proxy.ServeHTTP(sw, r.WithContext(contextWith(ctx, fc)))

	e.metrics.RecordRequest(r.Method, fc.Rewrite(), sw.Status(), time.Since(start))
}

// resolve computes the request origin and looks it up in the current table.
func (e *Engine) resolve(r *http.Request) (*Context, error) {
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return nil, ErrMissingHost
	}

	origin := scheme + "://" + host
	fc := &Context{
		Method: r.Method,
		Origin: origin,
		URL:    origin + r.URL.RequestURI(),
	}

	rule, ok := e.table.Load().Lookup(origin)
	if !ok {
		u, err := url.Parse(fc.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("malformed request origin %q", origin)
		}
		fc.Target = u
		return fc, nil
	}

	fc.Rule = &rule
	target := normalizeTarget(rule.Target) + r.URL.RequestURI()
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fc, fmt.Errorf("%w: %q", ErrInvalidTargetURL, target)
	}
	fc.Target = u

	return fc, nil
}

// failRule answers a request whose matched rule names an unusable target.
func (e *Engine) failRule(w http.ResponseWriter, r *http.Request, fc *Context, err error) {
	ue := NewUpstreamError(r.Context(), fc.Rule.Target, err)
	e.metrics.RecordUpstreamError(ue.Kind())
	e.logger.WithContext(r.Context()).Warn("rule target is not a valid URL",
		observability.String("match", fc.Rule.Match),
		observability.String("proxy", fc.Rule.Target),
	)
	e.writeError(w, ue.Status, ue.Error())
	e.bus.EmitResponseError(events.ResponseErrorEvent{
		Status:    ue.Status,
		Message:   ue.Error(),
		Target:    fc.Rule.Target,
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}

// normalizeTarget trims a trailing slash and defaults the scheme to http.
func normalizeTarget(target string) string {
	target = strings.TrimRight(target, "/")
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	return target
}

// forwardedHeaders are dropped from the outbound request by ReverseProxy
// in Rewrite mode; rewrite copies them back from the inbound request.
var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// rewrite is the ReverseProxy rewrite hook. It runs after hop-by-hop
// headers are removed, so rule headers applied here are exactly what the
// upstream receives.
func (e *Engine) rewrite(pr *httputil.ProxyRequest) {
	for _, key := range forwardedHeaders {
		if values, ok := pr.In.Header[key]; ok {
			pr.Out.Header[key] = append([]string(nil), values...)
		}
	}

	fc := contextFrom(pr.In.Context())
	if fc == nil {
		return
	}

	target := *fc.Target
	pr.Out.URL = &target
	pr.Out.Host = pr.In.Host

	if !fc.Rewrite() {
		return
	}

	pr.Out.Host = ""
	for key, value := range fc.Rule.Headers {
		if strings.EqualFold(key, "Host") {
			pr.Out.Host = value
			continue
		}
		pr.Out.Header.Set(key, value)
	}
}

// trace writes one line per request to the active sink.
func (e *Engine) trace(fc *Context) {
	mode := "direct"
	if fc.Rewrite() {
		mode = "rewrite"
	}
	e.tracer.Load().Trace(fc.Method, fc.URL, "->", fc.Target.String(), "("+mode+")")
}

// handleUpstreamError answers a failed forward. Client disconnects are
// only counted; everything else becomes a gateway error and a
// responseError event.
func (e *Engine) handleUpstreamError(w http.ResponseWriter, req *http.Request, err error) {
	ctx := req.Context()
	logger := e.logger.WithContext(ctx)
	fc := contextFrom(ctx)

	target := ""
	if fc != nil {
		target = fc.Target.String()
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		e.metrics.RecordUpstreamError(KindCanceled)
		logger.Debug("client went away before upstream answered",
			observability.String("target", target),
			observability.Error(err),
		)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	ue := NewUpstreamError(ctx, target, err)
	e.metrics.RecordUpstreamError(ue.Kind())

	logger.Warn("upstream request failed",
		observability.String("method", req.Method),
		observability.String("target", target),
		observability.Int("status", ue.Status),
		observability.Error(ue),
	)

	e.writeError(w, ue.Status, ue.Error())
	e.bus.EmitResponseError(events.ResponseErrorEvent{
		Status:    ue.Status,
		Message:   ue.Error(),
		Target:    target,
		RequestID: observability.RequestIDFromContext(ctx),
	})
}

// isSelf reports whether hostport is the engine's own listener.
func (e *Engine) isSelf(hostport string) bool {
	addr := e.Addr()
	return addr != "" && strings.EqualFold(hostport, addr)
}

func (e *Engine) rejectLoop(w http.ResponseWriter, r *http.Request, fc *Context) {
	msg := fmt.Sprintf("%v: %s", ErrLoopDetected, fc.Origin)
	e.metrics.RecordRequest(r.Method, false, http.StatusLoopDetected, 0)
	e.writeError(w, http.StatusLoopDetected, msg)
	e.bus.EmitResponseError(events.ResponseErrorEvent{
		Status:    http.StatusLoopDetected,
		Message:   msg,
		Target:    fc.Target.String(),
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}

// recoverRequest isolates a panic to the request that raised it.
// http.ErrAbortHandler is re-raised so net/http drops the connection.
func (e *Engine) recoverRequest(sw *middleware.StatusWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
		panic(rec)
	}

	err := fmt.Errorf("panic while handling %s %s: %v", r.Method, r.URL.String(), rec)
	e.logger.WithContext(r.Context()).Error("panic recovered",
		observability.String("method", r.Method),
		observability.String("url", r.URL.String()),
		observability.Any("error", rec),
		observability.String("stack", string(debug.Stack())),
	)

	if !sw.Written() {
		e.writeError(sw, http.StatusInternalServerError, "internal proxy error")
	}
	e.bus.EmitError(events.ErrorEvent{
		Err:       err,
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}

// writeError writes a JSON error body with status.
func (e *Engine) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   strings.ToLower(http.StatusText(status)),
		Message: message,
	})
}
