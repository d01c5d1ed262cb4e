package events

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Tracer receives one verbose line per request when debugging is on.
type Tracer interface {
	Trace(args ...any)
}

// NopTracer discards everything. It is the engine default.
type NopTracer struct{}

// Trace implements Tracer.
func (NopTracer) Trace(...any) {}

// LogTracer writes trace lines to a logger at info level. Whether tracing
// happens is decided by the engine's debug switch, not the log level.
type LogTracer struct {
	logger observability.Logger
}

// NewLogTracer creates a tracer backed by logger.
func NewLogTracer(logger observability.Logger) *LogTracer {
	return &LogTracer{logger: logger}
}

// Trace implements Tracer.
func (t *LogTracer) Trace(args ...any) {
	t.logger.Info(joinArgs(args))
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(args ...any)

// Trace implements Tracer.
func (f TracerFunc) Trace(args ...any) {
	f(args...)
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}
