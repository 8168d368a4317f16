package model

// SourceTag identifies which vendor feed produced a reading.
type SourceTag string

const (
	// SourceOfficial is the regulated feed. Readings arrive hours after
	// capture, once the vendor's publication delay has elapsed.
	SourceOfficial SourceTag = "official"
	// SourceInformal is the session-authenticated share feed with
	// near-real-time readings.
	SourceInformal SourceTag = "informal"
)

// SyncStatus represents the persistence state of a reading.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)
