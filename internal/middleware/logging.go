package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// AccessLog returns a middleware that logs one line per handled request.
func AccessLog(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := NewStatusWriter(w)
			next.ServeHTTP(rw, r)

			logger.WithContext(r.Context()).Info("access",
				observability.String("method", r.Method),
				observability.String("host", r.Host),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.Status()),
				observability.Int("size", rw.Size()),
				observability.Duration("latency", time.Since(start)),
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("user_agent", r.UserAgent()),
			)
		})
	}
}

// Chain wraps h with mws. The first middleware is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
