package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads opaque engine snapshots so restarts
// recover from the latest snapshot plus the event tail instead of
// replaying from genesis. The payload is the JSON encoding of the
// engine's own snapshot type; this layer does not interpret it.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot covering everything up to and
// including sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, data []byte) error {
	snapshotID := uuid.New()
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $4
	`, snapshotID, sequence, data, len(data), time.Now().UTC())
	return err
}

// LoadLatestSnapshot returns the newest snapshot, or (0, nil, nil) on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (int64, []byte, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, data FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var sequence int64
	var data []byte
	if err := row.Scan(&sequence, &data); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("load snapshot: %w", err)
	}
	return sequence, data, nil
}

// LoadEventsFrom loads envelopes from a given sequence, for audit
// tooling and the query API's history endpoint.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, user_id, payload,
		       balance_long, balance_vault, total_expo, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.UserID, &e.Payload,
			&e.BalanceLong, &e.BalanceVault, &e.TotalExpo, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
