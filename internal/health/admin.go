package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewAdminEngine returns a gin engine serving the health endpoints and,
// when metrics is non-nil, the metrics handler at metricsPath.
func NewAdminEngine(checker *Checker, metrics http.Handler, metricsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	RegisterRoutes(engine, checker)
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		engine.GET(metricsPath, gin.WrapH(metrics))
	}

	return engine
}

// RegisterRoutes registers health check routes on a Gin engine.
func RegisterRoutes(engine *gin.Engine, checker *Checker) {
	engine.GET("/health", gin.WrapF(checker.HealthHandler()))
	engine.GET("/live", gin.WrapF(checker.LivenessHandler()))
	engine.GET("/livez", gin.WrapF(checker.LivenessHandler()))
	engine.GET("/ready", gin.WrapF(checker.ReadinessHandler()))
	engine.GET("/readyz", gin.WrapF(checker.ReadinessHandler()))
}
