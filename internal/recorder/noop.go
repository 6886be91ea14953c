package recorder

import (
	"context"

	"BatchSettle/internal/model"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) Record(context.Context, model.Event) error { return nil }
func (n *NoopRecorder) Recent(context.Context, model.EventType, int) ([]model.Event, error) {
	return nil, nil
}
func (n *NoopRecorder) Close() error { return nil }
