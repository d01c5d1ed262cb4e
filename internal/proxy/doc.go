// Package proxy implements the forwarding engine.
//
// Every inbound request's origin (scheme://host[:port]) is looked up in
// the engine's current rule table. The first rule whose match origin is a
// literal prefix wins: the request is rewritten to the rule's target
// origin, keeping path and query, with the rule's headers overlaid.
// Requests that match nothing are forwarded unchanged to the origin the
// client addressed.
//
// The rule table is immutable and published through an atomic pointer.
// Requests read it without locking and always see one complete version;
// AddRule, RemoveAllRules and ReplaceRules build a new table and swap it
// in.
//
// Upstream failures never reach the client as a raw transport error. They
// are answered with 502 (unreachable or malformed), 503 (circuit open) or
// 504 (timeout) and reported through the responseError event. A panic
// while handling a request is recovered, reported through the error
// event, and affects only that request.
//
//	engine := proxy.New(
//	    proxy.WithLogger(logger),
//	    proxy.WithUpstream(cfg.Upstream),
//	)
//	engine.Events().OnProxy(func(ev events.ProxyEvent) { ... })
//	_ = engine.AddRule(rules.Rule{Match: "http://a.example", Target: "http://b.internal:9000"})
//	if err := engine.Start(ctx, "127.0.0.1", 8080); err != nil {
//	    return err
//	}
package proxy
