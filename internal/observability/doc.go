// Package observability provides structured logging and Prometheus
// metrics for the proxy.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request forwarded",
//	    observability.String("target", "http://b.internal/"),
//	    observability.Int("status", 200),
//	)
//
// # Metrics
//
// Each Metrics value owns a private registry, so several engines in one
// process never collide:
//
//	metrics := observability.NewMetrics("avaproxy")
//	handler := metrics.Handler()
package observability
