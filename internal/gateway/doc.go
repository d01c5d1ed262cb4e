// Package gateway provides the inbound listener of the forwarding proxy.
//
// A Server binds one TCP address and hands every request to a single
// http.Handler, so absolute-form proxy requests ("GET http://host/path
// HTTP/1.1") and origin-form requests reach the handler alike. Routing,
// where there is any, belongs to the handler; the admin endpoints pass a
// gin engine.
//
// # Lifecycle
//
// The server moves through stopped, starting, running and stopping
// states. Stop drains in-flight requests until the context deadline
// (or the configured shutdown timeout) and then closes connections.
//
//	srv, err := gateway.NewServer("127.0.0.1:8080", handler,
//	    gateway.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
package gateway
