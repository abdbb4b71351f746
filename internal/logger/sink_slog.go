package logger

import (
	"context"
	"log/slog"
)

// SlogSink writes each entry as a structured log line. It is the default
// sink when no analytics backend is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps an existing *slog.Logger.
func NewSlogSink(log *slog.Logger) *SlogSink { return &SlogSink{log: log} }

func (s *SlogSink) Write(ctx context.Context, entries []RequestLog) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("router", e.Router),
			slog.String("endpoint_type", e.EndpointType),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.String("cache_label", e.CacheLabel),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}
