// Package health provides the admin endpoints of the proxy: liveness,
// readiness with registered checks, and the Prometheus metrics handler.
//
//	checker := health.NewChecker(version, logger)
//	checker.RegisterCheck("listener", func() health.Check {
//	    if engine.IsRunning() {
//	        return health.Check{Status: health.StatusHealthy}
//	    }
//	    return health.Check{Status: health.StatusUnhealthy, Message: "not accepting connections"}
//	})
//
//	admin := health.NewAdminEngine(checker, metrics.Handler(), "/metrics")
package health
