package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("job_id", evt.JobID),
			zap.String("source_id", evt.SourceID),
			zap.String("customer_id", evt.CustomerID),
			zap.String("status", string(evt.Status)),
			zap.Int("retry_count", evt.RetryCount),
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Debug("job event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
