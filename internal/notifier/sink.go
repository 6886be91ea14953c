package notifier

import (
	"context"

	"go.uber.org/zap"

	"BatchSettle/internal/model"
)

// Sender delivers a formatted message to the operator chat.
type Sender interface {
	SendWithRetry(ctx context.Context, text string) error
}

// ProcessedSink notifies the operator chat about processed batches.
type ProcessedSink struct {
	sender Sender
	logger *zap.Logger
}

func NewProcessedSink(sender Sender, logger *zap.Logger) *ProcessedSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessedSink{sender: sender, logger: logger}
}

func (s *ProcessedSink) Emit(ctx context.Context, evt model.Event) {
	if evt.Type != model.EventBatchProcessed {
		return
	}
	if err := s.sender.SendWithRetry(ctx, FormatProcessed(evt)); err != nil {
		s.logger.Error("failed to send processed notification", zap.Stringer("batch", evt.Batch), zap.Error(err))
	}
}
