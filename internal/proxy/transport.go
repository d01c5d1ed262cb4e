package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// NewTransport creates the outbound transport. Environment proxy settings
// are ignored so forwarded requests never chain to another proxy, and
// compression is left to the client and upstream.
func NewTransport(cfg config.UpstreamConfig) *http.Transport {
	dialTimeout := cfg.DialTimeout.Duration()
	if dialTimeout <= 0 {
		dialTimeout = config.DefaultDialTimeout
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = config.DefaultMaxIdleConns
	}

	idleTimeout := cfg.IdleConnTimeout.Duration()
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

// breakerTransport guards rewritten requests with one circuit breaker per
// target host. Pass-through requests bypass it.
type breakerTransport struct {
	next      http.RoundTripper
	threshold uint32
	timeout   time.Duration
	logger    observability.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func newBreakerTransport(
	next http.RoundTripper,
	cfg config.CircuitBreakerConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) *breakerTransport {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultBreakerThreshold
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultBreakerTimeout
	}

	return &breakerTransport{
		next:      next,
		threshold: safeIntToUint32(threshold),
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// RoundTrip implements http.RoundTripper. Transport errors and 5xx
// responses count as failures; client cancellation does not.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fc := contextFrom(req.Context())
	if fc == nil || !fc.Rewrite() {
		return t.next.RoundTrip(req)
	}

	cb := t.breaker(req.URL.Host)
	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, req.URL.Host)
		}
		return nil, err
	}

	resp, err := t.next.RoundTrip(req)
	switch {
	case err != nil:
		done(errors.Is(req.Context().Err(), context.Canceled))
	default:
		done(resp.StatusCode < http.StatusInternalServerError)
	}

	return resp, err
}

// breaker returns the breaker for host, creating it on first use.
func (t *breakerTransport) breaker(host string) *gobreaker.TwoStepCircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     t.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			t.metrics.SetCircuitBreakerState(name, int(to))
		},
	})
	t.breakers[host] = cb
	t.metrics.SetCircuitBreakerState(host, int(gobreaker.StateClosed))

	return cb
}

// prune drops the breakers of hosts not in keep along with their gauge
// series.
func (t *breakerTransport) prune(keep map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for host := range t.breakers {
		if _, ok := keep[host]; ok {
			continue
		}
		delete(t.breakers, host)
		t.metrics.DeleteCircuitBreakerState(host)
		t.logger.Debug("circuit breaker dropped", observability.String("name", host))
	}
}

// state returns the breaker state for host; closed if none exists yet.
func (t *breakerTransport) state(host string) gobreaker.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
