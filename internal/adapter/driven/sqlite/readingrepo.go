package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReadingStore = (*ReadingRepo)(nil)

// fuzzyWindowSeconds is the tolerance of the uniqueness check: a candidate is
// a duplicate if a row with the same source exists within ±1s, absorbing
// clock and formatting drift between the two feeds.
const fuzzyWindowSeconds = 1

// ReadingRepo is the SQLite implementation of the ReadingStore port.
type ReadingRepo struct {
	db *DB
}

// NewReadingRepo creates a ReadingRepo backed by the given DB.
func NewReadingRepo(db *DB) *ReadingRepo {
	return &ReadingRepo{db: db}
}

// SaveMany persists a batch of readings in one transaction. Rows failing
// validation are dropped with a debug log; rows within ±1s of an existing row
// with the same source are dropped as duplicates. The duplicate probe runs
// inside the transaction, so earlier inserts of the same batch are visible to
// it and in-batch duplicates collide too. Returns the number of rows written.
func (r *ReadingRepo) SaveMany(ctx context.Context, readings []model.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin reading batch: %v", driven.ErrPersistenceFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	const dupQuery = `
		SELECT EXISTS (
			SELECT 1 FROM readings
			WHERE source = ? AND timestamp BETWEEN ? AND ?
		)
	`
	const insertQuery = `
		INSERT INTO readings (timestamp, value, source, device_label, sync_status)
		VALUES (?, ?, ?, ?, ?)
	`

	now := time.Now()
	saved := 0

	for _, reading := range readings {
		if err := reading.Validate(now); err != nil {
			slog.Debug("dropping invalid reading", "source", string(reading.Source), "reason", err)
			continue
		}

		ts := reading.Timestamp.Unix()

		var exists bool
		err := tx.QueryRowContext(ctx, dupQuery,
			string(reading.Source), ts-fuzzyWindowSeconds, ts+fuzzyWindowSeconds,
		).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("%w: duplicate probe: %v", driven.ErrPersistenceFailure, err)
		}
		if exists {
			continue
		}

		status := reading.Status
		if status == "" {
			status = model.SyncStatusSynced
		}

		_, err = tx.ExecContext(ctx, insertQuery,
			ts, reading.Value, string(reading.Source), reading.DeviceLabel, string(status),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: insert reading at %d: %v", driven.ErrPersistenceFailure, ts, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit reading batch: %v", driven.ErrPersistenceFailure, err)
	}

	return saved, nil
}

// Query returns readings inside the half-open window, ordered by timestamp
// ascending.
func (r *ReadingRepo) Query(ctx context.Context, window model.TimeWindow) ([]model.Reading, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, timestamp, value, source, device_label, sync_status
		FROM readings
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, window.Start.Unix(), window.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: query readings: %v", driven.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	readings := []model.Reading{}
	for rows.Next() {
		var (
			reading model.Reading
			ts      int64
			source  string
			status  string
		)
		if err := rows.Scan(&reading.ID, &ts, &reading.Value, &source, &reading.DeviceLabel, &status); err != nil {
			return nil, fmt.Errorf("%w: scan reading: %v", driven.ErrPersistenceFailure, err)
		}
		reading.Timestamp = time.Unix(ts, 0).UTC()
		reading.Source = model.SourceTag(source)
		reading.Status = model.SyncStatus(status)
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate readings: %v", driven.ErrPersistenceFailure, err)
	}

	return readings, nil
}

// PruneOlderThan deletes readings strictly older than cutoff and returns the
// number deleted. Running it twice with the same cutoff deletes nothing the
// second time.
func (r *ReadingRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM readings WHERE timestamp < ?`

	res, err := r.db.Writer.ExecContext(ctx, query, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: prune readings: %v", driven.ErrPersistenceFailure, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune rows affected: %v", driven.ErrPersistenceFailure, err)
	}

	return deleted, nil
}
