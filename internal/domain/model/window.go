package model

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open [Start, End) query range.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow builds a window and normalizes both bounds to UTC.
func NewTimeWindow(start, end time.Time) TimeWindow {
	return TimeWindow{Start: start.UTC(), End: end.UTC()}
}

// Validate rejects inverted windows.
func (w TimeWindow) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
