package recorder

import (
	"context"

	"BatchSettle/internal/model"
)

// Recorder keeps the history of ledger events for analysis and the status views.
type Recorder interface {
	Record(ctx context.Context, evt model.Event) error
	// Recent returns up to limit events, newest first. An empty typ matches all.
	Recent(ctx context.Context, typ model.EventType, limit int) ([]model.Event, error)
	Close() error
}
