package main

import (
	"github.com/vyrodovalexey/avaproxy/internal/events"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// logEvents subscribes to every engine event and writes it to logger.
// The returned function removes all the subscriptions.
func logEvents(bus *events.Bus, logger observability.Logger) events.Unsubscribe {
	subs := []events.Unsubscribe{
		bus.OnProxy(func(ev events.ProxyEvent) {
			logger.Info("proxy",
				observability.String("method", ev.Method),
				observability.String("origin", ev.Origin),
				observability.String("target", ev.Target),
				observability.Bool("rewrite", ev.Rewrite),
				observability.String("request_id", ev.RequestID),
			)
		}),
		bus.OnAddRule(func(ev events.RuleEvent) {
			logger.Info("rule added",
				observability.String("match", ev.Match),
				observability.String("proxy", ev.Proxy),
			)
		}),
		bus.OnRemoveRule(func(ev events.RuleEvent) {
			logger.Info("rule removed",
				observability.String("match", ev.Match),
				observability.String("proxy", ev.Proxy),
			)
		}),
		bus.OnResponseError(func(ev events.ResponseErrorEvent) {
			logger.Warn("upstream request failed",
				observability.Int("status", ev.Status),
				observability.String("target", ev.Target),
				observability.String("message", ev.Message),
				observability.String("request_id", ev.RequestID),
			)
		}),
		bus.OnError(func(ev events.ErrorEvent) {
			logger.Error("internal proxy error",
				observability.Error(ev.Err),
				observability.String("request_id", ev.RequestID),
			)
		}),
	}

	return func() {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
	}
}
