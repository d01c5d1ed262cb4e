package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/events"
	"github.com/vyrodovalexey/avaproxy/internal/gateway"
	"github.com/vyrodovalexey/avaproxy/internal/health"
	"github.com/vyrodovalexey/avaproxy/internal/middleware"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/proxy"
	"github.com/vyrodovalexey/avaproxy/internal/reload"
)

// application holds all application components.
type application struct {
	cfg        *config.Config
	configPath string
	logger     observability.Logger
	metrics    *observability.Metrics
	engine     *proxy.Engine
	controller *reload.Controller
	checker    *health.Checker

	admin       *gateway.Server
	watcher     *config.Watcher
	limiter     *middleware.RateLimiter
	unsubscribe events.Unsubscribe
}

// newApplication wires the components without starting anything.
func newApplication(cfg *config.Config, configPath string, logger observability.Logger) *application {
	metrics := observability.NewMetrics("avaproxy")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	mws := []func(http.Handler) http.Handler{middleware.RequestID()}
	if cfg.Log.Access {
		mws = append(mws, middleware.AccessLog(logger))
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, middleware.WithRateLimiterLogger(logger))
		mws = append(mws, middleware.RateLimit(limiter))
	}

	engine := proxy.New(
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics),
		proxy.WithUpstream(cfg.Upstream),
		proxy.WithCircuitBreaker(cfg.CircuitBreaker),
		proxy.WithMiddleware(mws...),
	)

	controller := reload.New(reload.FileSource(configPath), engine,
		reload.WithDelay(cfg.Reload.Debounce.Duration()),
		reload.WithLogger(logger),
		reload.WithMetrics(metrics),
	)

	app := &application{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    metrics,
		engine:     engine,
		controller: controller,
		checker:    health.NewChecker(version, logger),
		limiter:    limiter,
	}
	app.registerChecks()

	return app
}

// start applies the rules, opens the listeners and begins watching the
// configuration file. A watcher failure is logged and tolerated.
func (a *application) start(ctx context.Context) error {
	a.unsubscribe = logEvents(a.engine.Events(), a.logger)

	if err := a.controller.Reload(ctx); err != nil {
		return err
	}

	if err := a.engine.Start(ctx, a.cfg.Host, a.cfg.Port); err != nil {
		return fmt.Errorf("failed to start proxy listener: %w", err)
	}
	a.logger.Info("proxy listening", observability.String("address", a.engine.Addr()))

	if err := a.startAdmin(ctx); err != nil {
		return err
	}

	a.startWatcher(ctx)

	return nil
}

func (a *application) startAdmin(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}

	engine := health.NewAdminEngine(a.checker, a.metrics.Handler(), a.cfg.Metrics.Path)
	srv, err := gateway.NewServer(a.cfg.Metrics.Address, engine,
		gateway.WithLogger(a.logger),
		gateway.WithShutdownTimeout(adminShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create admin server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	a.admin = srv

	a.logger.Info("admin server listening",
		observability.String("address", srv.Addr()),
		observability.String("metrics_path", a.cfg.Metrics.Path),
	)
	return nil
}

func (a *application) startWatcher(ctx context.Context) {
	watcher, err := config.NewWatcher(a.configPath, a.controller.Notify, config.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return
	}

	a.watcher = watcher
	a.metrics.SetWatcherRunning(true)
}

// stop shuts the components down in reverse order of start. It is safe
// to call after a partial start.
func (a *application) stop(ctx context.Context) {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("failed to stop config watcher", observability.Error(err))
		}
		a.watcher = nil
		a.metrics.SetWatcherRunning(false)
	}

	a.controller.Stop()

	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			a.logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
	}

	if err := a.engine.Stop(ctx); err != nil {
		a.logger.Error("failed to stop proxy gracefully", observability.Error(err))
	}

	if a.limiter != nil {
		a.limiter.Stop()
	}

	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

// registerChecks adds the readiness checks served on /ready.
func (a *application) registerChecks() {
	a.checker.RegisterCheck("listener", func() health.Check {
		if a.engine.IsRunning() {
			return health.Check{Status: health.StatusHealthy}
		}
		return health.Check{Status: health.StatusUnhealthy, Message: "proxy listener is not accepting connections"}
	})

	a.checker.RegisterCheck("rules", func() health.Check {
		n := a.engine.Table().Len()
		if n == 0 {
			return health.Check{Status: health.StatusDegraded, Message: "no rules loaded, all requests pass through"}
		}
		return health.Check{Status: health.StatusHealthy, Message: strconv.Itoa(n) + " rules loaded"}
	})
}
