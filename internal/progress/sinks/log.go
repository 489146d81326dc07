package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/news-parser/internal/progress"
)

// LogSink writes each event as one structured log line. Failures are logged at
// warn, everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.MessageID != "" {
			fields = append(fields, zap.String("message_id", evt.MessageID), zap.Int("attempt", evt.Attempt))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("status_class", string(evt.StatusClass)), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(levelFor(evt.Stage), "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements progress.Sink; the logger is owned by the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageFailed, progress.StageDeadLettered, progress.StageScanError,
		progress.StagePublishFailed, progress.StageItemSkipped:
		return zapcore.WarnLevel
	default:
		return zapcore.DebugLevel
	}
}
