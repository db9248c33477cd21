package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/progress"
)

// LogSink emits structured logs for every progress event.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		switch evt.Stage {
		case progress.StageDownloadDone:
			fields = append(fields,
				zap.String("identifier", evt.Identifier),
				zap.Bool("success", evt.Success),
				zap.String("strategy", evt.Strategy))
		case progress.StageReload:
			fields = append(fields, zap.String("reason", evt.Strategy))
		case progress.StageCycleDone:
			fields = append(fields, zap.Int("downloaded", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" && evt.Stage != progress.StageReport {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
