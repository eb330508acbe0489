// Package trace provides the diagnostic sink used by the proxy pipeline.
package trace

import "log/slog"

// Sink receives diagnostic records emitted at each pipeline stage.
type Sink interface {
	// Enabled reports whether records are kept. Callers use it to skip
	// building expensive records.
	Enabled() bool
	Emit(msg string, args ...any)
}

// New returns a sink that writes records to logger when enabled, and a sink
// that drops them otherwise.
func New(enabled bool, logger *slog.Logger) Sink {
	if !enabled || logger == nil {
		return Discard
	}
	return &logSink{logger: logger.With("component", "trace")}
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Enabled() bool       { return false }
func (discard) Emit(string, ...any) {}

type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Enabled() bool { return true }

func (s *logSink) Emit(msg string, args ...any) {
	s.logger.Info(msg, args...)
}
