// Package model holds the domain value types shared across ports and adapters.
package model

import (
	"fmt"
	"time"
)

// Physiological bounds for a glucose sample in mg/dL. Values outside this
// range are sensor noise or transmission garbage, never real data.
const (
	MinGlucoseValue = 40
	MaxGlucoseValue = 400
)

// Reading is one timestamped glucose sample from either vendor feed.
// Readings are immutable once persisted; only retention pruning removes them.
type Reading struct {
	ID          int64
	Timestamp   time.Time
	Value       float64 // mg/dL
	Source      SourceTag
	DeviceLabel string
	Status      SyncStatus
}

// Validate checks the physiological value range and rejects timestamps in the
// future. now is injected so callers (and tests) control the clock.
func (r Reading) Validate(now time.Time) error {
	if r.Value < MinGlucoseValue || r.Value > MaxGlucoseValue {
		return fmt.Errorf("value %.1f mg/dL outside [%d, %d]", r.Value, MinGlucoseValue, MaxGlucoseValue)
	}
	if r.Timestamp.After(now) {
		return fmt.Errorf("timestamp %s is in the future", r.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}

// DedupKey returns the cross-source duplicate-detection key: the timestamp
// rounded to whole seconds paired with the value. Keying on value as well as
// time keeps two genuinely different readings that share a timestamp, while
// still collapsing the same sample reported by both feeds.
func (r Reading) DedupKey() ReadingKey {
	return ReadingKey{Unix: r.Timestamp.Unix(), Value: r.Value}
}

// ReadingKey is the comparable dedup key for merging feeds.
type ReadingKey struct {
	Unix  int64
	Value float64
}
