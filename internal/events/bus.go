// Package events provides the listener registration surface the proxy
// engine uses to report activity, and the pluggable trace sink.
//
// A Bus belongs to exactly one engine instance; there is no process-wide
// bus, so several engines in one process never see each other's events.
package events

import (
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// ProxyEvent is emitted for every forwarded request.
type ProxyEvent struct {
	Method    string
	Origin    string // original origin+path+query
	Target    string // URL the request is forwarded to
	Rewrite   bool
	RequestID string
}

// RuleEvent is emitted when a rule enters or leaves the published table.
type RuleEvent struct {
	Match string
	Proxy string
}

// ResponseErrorEvent is emitted when an upstream call fails and the
// client receives a synthesized gateway error.
type ResponseErrorEvent struct {
	Status    int
	Message   string
	Target    string
	RequestID string
}

// ErrorEvent is emitted for unexpected internal failures.
type ErrorEvent struct {
	Err       error
	RequestID string
}

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// listeners is an ordered set of callbacks keyed by registration id.
type listeners[T any] struct {
	next  uint64
	order []uint64
	funcs map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) uint64 {
	if l.funcs == nil {
		l.funcs = make(map[uint64]func(T))
	}
	l.next++
	l.funcs[l.next] = fn
	l.order = append(l.order, l.next)
	return l.next
}

func (l *listeners[T]) remove(id uint64) {
	if _, ok := l.funcs[id]; !ok {
		return
	}
	delete(l.funcs, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.funcs[id])
	}
	return out
}

// Bus dispatches engine events to registered listeners. Listeners are
// called synchronously, in registration order, on the emitting goroutine.
// A panicking listener is recovered and reported to the error listeners.
type Bus struct {
	mu             sync.RWMutex
	proxy          listeners[ProxyEvent]
	addRule        listeners[RuleEvent]
	removeRule     listeners[RuleEvent]
	responseError  listeners[ResponseErrorEvent]
	errorListeners listeners[ErrorEvent]
	logger         observability.Logger
}

// NewBus creates an empty bus. Panics in error listeners are logged to logger.
func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{logger: logger}
}

// OnProxy registers a listener for forwarded requests.
func (b *Bus) OnProxy(fn func(ProxyEvent)) Unsubscribe {
	return register(b, &b.proxy, fn)
}

// OnAddRule registers a listener for rules added to the table.
func (b *Bus) OnAddRule(fn func(RuleEvent)) Unsubscribe {
	return register(b, &b.addRule, fn)
}

// OnRemoveRule registers a listener for rules removed from the table.
func (b *Bus) OnRemoveRule(fn func(RuleEvent)) Unsubscribe {
	return register(b, &b.removeRule, fn)
}

// OnResponseError registers a listener for upstream failures.
func (b *Bus) OnResponseError(fn func(ResponseErrorEvent)) Unsubscribe {
	return register(b, &b.responseError, fn)
}

// OnError registers a listener for internal errors.
func (b *Bus) OnError(fn func(ErrorEvent)) Unsubscribe {
	return register(b, &b.errorListeners, fn)
}

// EmitProxy notifies proxy listeners.
func (b *Bus) EmitProxy(ev ProxyEvent) {
	dispatch(b, &b.proxy, ev, "proxy")
}

// EmitAddRule notifies addRule listeners.
func (b *Bus) EmitAddRule(ev RuleEvent) {
	dispatch(b, &b.addRule, ev, "addRule")
}

// EmitRemoveRule notifies removeRule listeners.
func (b *Bus) EmitRemoveRule(ev RuleEvent) {
	dispatch(b, &b.removeRule, ev, "removeRule")
}

// EmitResponseError notifies responseError listeners.
func (b *Bus) EmitResponseError(ev ResponseErrorEvent) {
	dispatch(b, &b.responseError, ev, "responseError")
}

// EmitError notifies error listeners. A panicking error listener is
// logged and otherwise ignored.
func (b *Bus) EmitError(ev ErrorEvent) {
	b.mu.RLock()
	fns := b.errorListeners.snapshot()
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("error listener panicked",
						observability.Any("panic", r),
						observability.Error(ev.Err),
					)
				}
			}()
			fn(ev)
		}()
	}
}

func register[T any](b *Bus, l *listeners[T], fn func(T)) Unsubscribe {
	b.mu.Lock()
	id := l.add(fn)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			l.remove(id)
			b.mu.Unlock()
		})
	}
}

func dispatch[T any](b *Bus, l *listeners[T], ev T, name string) {
	b.mu.RLock()
	fns := l.snapshot()
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.EmitError(ErrorEvent{Err: fmt.Errorf("%s listener panicked: %v", name, r)})
				}
			}()
			fn(ev)
		}()
	}
}
