package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/progress"
)

// NotifierSink forwards REPORT events to the operators' channel. Reports are
// sent in emission order; a failed send is logged and the rest still go out.
type NotifierSink struct {
	notifier harvest.Notifier
	logger   *zap.Logger
}

// NewNotifierSink constructs a NotifierSink. A nil notifier makes Consume a no-op.
func NewNotifierSink(notifier harvest.Notifier, logger *zap.Logger) *NotifierSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifierSink{notifier: notifier, logger: logger}
}

// Consume sends each report in the batch and returns the first send error.
func (s *NotifierSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.notifier == nil {
		return nil
	}
	var first error
	for _, evt := range batch {
		if evt.Stage != progress.StageReport {
			continue
		}
		if err := s.notifier.SendText(ctx, evt.Note); err != nil {
			s.logger.Warn("report delivery failed", zap.Error(err))
			if first == nil {
				first = fmt.Errorf("send report: %w", err)
			}
		}
	}
	return first
}

// Close implements the Sink interface; it performs no action.
func (s *NotifierSink) Close(context.Context) error {
	return nil
}
