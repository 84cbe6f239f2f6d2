// Package diag defines the error/observability sink the core reports into.
// The core never writes to a log stream directly; callers inject a Sink and
// decide what to do with diagnostics.
package diag

import "log/slog"

// Sink receives non-fatal diagnostics from the transform and routing engines.
type Sink interface {
	HandleError(err error)
	ReportUnknownField(module, field string, context map[string]any)
}

// SlogSink logs diagnostics through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) HandleError(err error) {
	s.logger.Warn("Recoverable error", "error", err)
}

func (s *SlogSink) ReportUnknownField(module, field string, context map[string]any) {
	args := []any{"module", module, "field", field}
	for k, v := range context {
		args = append(args, k, v)
	}
	s.logger.Debug("Unknown field", args...)
}

// Discard drops all diagnostics. Useful in tests and for callers that only
// care about hard failures.
type Discard struct{}

func (Discard) HandleError(error) {}

func (Discard) ReportUnknownField(string, string, map[string]any) {}
