package driven

import (
	"context"
	"time"

	"github.com/glucosync/glucosync/internal/domain/model"
)

// ReadingStore defines the driven port for durable reading persistence.
type ReadingStore interface {
	// SaveMany persists a batch atomically and returns the number of rows
	// actually written. Rows failing validation and fuzzy-time duplicates
	// (same source within ±1s of an existing row) are dropped silently;
	// the batch itself either fully commits or fully rolls back.
	SaveMany(ctx context.Context, readings []model.Reading) (int, error)

	// Query returns stored readings inside the window, ordered by timestamp
	// ascending.
	Query(ctx context.Context, window model.TimeWindow) ([]model.Reading, error)

	// PruneOlderThan deletes readings strictly older than cutoff and returns
	// the number deleted. Idempotent.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
