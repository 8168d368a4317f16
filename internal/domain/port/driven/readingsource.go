package driven

import (
	"context"

	"github.com/glucosync/glucosync/internal/domain/model"
)

// ReadingSource defines the driven port for a vendor glucose feed. Both the
// delayed official client and the near-real-time informal client implement it;
// HybridSource composes two of them.
type ReadingSource interface {
	// FetchLatest returns the most recent reading, or (nil, nil) when the
	// feed is reachable but has nothing to report yet.
	FetchLatest(ctx context.Context) (*model.Reading, error)

	// FetchWindow returns all readings inside the window, oldest first.
	// An empty window is an empty slice, not an error.
	FetchWindow(ctx context.Context, window model.TimeWindow) ([]model.Reading, error)
}
