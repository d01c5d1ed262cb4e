package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for proxy operations.
var (
	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream is unavailable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCircuitOpen indicates that the upstream's circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("upstream circuit breaker is open")

	// ErrInvalidTargetURL indicates that the target URL is invalid.
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrMissingHost indicates a request that names no destination host.
	ErrMissingHost = errors.New("request has no host")

	// ErrLoopDetected indicates a request addressed to the proxy itself.
	ErrLoopDetected = errors.New("request addressed to the proxy itself")

	// ErrTunnelNotSupported indicates a CONNECT request.
	ErrTunnelNotSupported = errors.New("CONNECT tunnelling is not supported")
)

// Upstream error kinds used as the metrics "kind" label.
const (
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindCircuitOpen = "circuit_open"
	KindCanceled    = "canceled"
	KindInvalid     = "invalid_target"
)

// UpstreamError represents a failed forward with the status answered to
// the client.
type UpstreamError struct {
	Op     string // Operation that failed
	Target string // Target URL
	Status int    // Status sent to the client
	Cause  error  // Underlying error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("upstream error [%s] target=%s: %v", e.Op, e.Target, e.Cause)
	}
	return fmt.Sprintf("upstream error [%s]: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Kind returns the metrics label for the error.
func (e *UpstreamError) Kind() string {
	switch {
	case errors.Is(e.Cause, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(e.Cause, ErrUpstreamTimeout):
		return KindTimeout
	case errors.Is(e.Cause, ErrInvalidTargetURL):
		return KindInvalid
	default:
		return KindUnavailable
	}
}

// NewUpstreamError classifies err from a forward to target. ctx is the
// outbound request context; its deadline distinguishes timeouts from
// other failures.
func NewUpstreamError(ctx context.Context, target string, err error) *UpstreamError {
	ue := &UpstreamError{Op: "forward", Target: target}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		ue.Status = http.StatusServiceUnavailable
		ue.Cause = err
	case errors.Is(err, ErrInvalidTargetURL):
		ue.Op = "parse_target"
		ue.Status = http.StatusBadGateway
		ue.Cause = err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		ue.Status = http.StatusGatewayTimeout
		ue.Cause = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		ue.Status = http.StatusBadGateway
		ue.Cause = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	return ue
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
