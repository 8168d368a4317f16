// Package application contains use-case orchestration over the driven ports.
package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReadingSource = (*HybridSource)(nil)

// HybridSource composes the delayed official feed and the near-real-time
// informal feed into one source. It holds no mutable state of its own: every
// call is a pure routing-and-merge transformation over the two clients.
type HybridSource struct {
	official driven.ReadingSource
	informal driven.ReadingSource
	delay    time.Duration // vendor publication delay of the official feed
	margin   time.Duration // safety margin added to the delay
	now      func() time.Time
}

// NewHybridSource creates a HybridSource. delay and margin come from
// configuration; their sum defines the split point before which only the
// official feed is consulted.
func NewHybridSource(official, informal driven.ReadingSource, delay, margin time.Duration) *HybridSource {
	return &HybridSource{
		official: official,
		informal: informal,
		delay:    delay,
		margin:   margin,
		now:      time.Now,
	}
}

// splitPoint is the boundary before which official data is considered fully
// published and the informal feed is never queried.
func (h *HybridSource) splitPoint() time.Time {
	return h.now().Add(-(h.delay + h.margin))
}

// FetchWindow routes the window across the split point. Entirely before the
// split queries only the official feed; entirely after, only the informal
// feed; a straddling window queries both concurrently and merges. During a
// straddle a single failing source degrades gracefully to the other's rows.
func (h *HybridSource) FetchWindow(ctx context.Context, window model.TimeWindow) ([]model.Reading, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	split := h.splitPoint()
	switch {
	case !window.End.After(split):
		readings, err := h.official.FetchWindow(ctx, window)
		return sortedDedup(readings), err
	case !window.Start.Before(split):
		readings, err := h.informal.FetchWindow(ctx, window)
		return sortedDedup(readings), err
	}

	var (
		officialReadings []model.Reading
		informalReadings []model.Reading
		officialErr      error
		informalErr      error
	)

	// The official side must never be asked for data inside its publication
	// delay, so its window is clamped at the split point. The informal side
	// gets the full window: it simply has nothing for the older part, and
	// whatever it reports just before the split deduplicates against the
	// official rows.
	var g errgroup.Group
	g.Go(func() error {
		officialReadings, officialErr = h.official.FetchWindow(ctx, model.NewTimeWindow(window.Start, split))
		return nil
	})
	g.Go(func() error {
		informalReadings, informalErr = h.informal.FetchWindow(ctx, window)
		return nil
	})
	_ = g.Wait()

	if officialErr != nil && informalErr != nil {
		return nil, errors.Join(officialErr, informalErr)
	}
	if officialErr != nil {
		slog.Warn("official feed failed during straddle fetch, degrading to informal rows", "error", officialErr)
	}
	if informalErr != nil {
		slog.Warn("informal feed failed during straddle fetch, degrading to official rows", "error", informalErr)
	}

	return sortedDedup(append(officialReadings, informalReadings...)), nil
}

// FetchLatest prefers the low-latency informal feed and falls back to the
// official feed on failure. The fallback is also tried when the informal feed
// is reachable but simply has nothing yet; if both fail, the error of the
// last attempt (the official one) is returned.
func (h *HybridSource) FetchLatest(ctx context.Context) (*model.Reading, error) {
	reading, informalErr := h.informal.FetchLatest(ctx)
	if informalErr == nil && reading != nil {
		return reading, nil
	}
	if informalErr != nil {
		slog.Debug("informal latest failed, falling back to official feed", "error", informalErr)
	}

	reading, officialErr := h.official.FetchLatest(ctx)
	if officialErr != nil {
		return nil, officialErr
	}
	return reading, nil
}

// sortedDedup unions readings on the (second, value) key and orders them by
// timestamp ascending. Two samples a second apart with equal values are kept:
// only an exact key collision is a duplicate here; the fuzzy ±1s rule belongs
// to the store, where the source tag disambiguates.
func sortedDedup(readings []model.Reading) []model.Reading {
	seen := make(map[model.ReadingKey]struct{}, len(readings))
	merged := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		key := r.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
