package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultEventLimit caps history queries without an explicit limit
const DefaultEventLimit = 100

// CameraEvent is one persisted state transition
type CameraEvent struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"camera_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// HealthRecord is one persisted health report
type HealthRecord struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Unhealthy []string  `json:"unhealthy"`
	Failed    []string  `json:"failed"`
	CheckedAt time.Time `json:"checked_at"`
}

// EventStore reads and writes camera history
type EventStore struct {
	db *DB
}

// NewEventStore creates a store on a migrated database
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// InsertCameraEvent stores one state transition
func (s *EventStore) InsertCameraEvent(ctx context.Context, ev CameraEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO camera_events (id, camera_id, from_state, to_state, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CameraID, ev.FromState, ev.ToState, ev.Reason, ev.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert camera event: %w", err)
	}
	return nil
}

// CameraEvents returns the newest events of one camera, newest first. An
// empty cameraID returns events of every camera.
func (s *EventStore) CameraEvents(ctx context.Context, cameraID string, limit int) ([]CameraEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	query := `SELECT id, camera_id, from_state, to_state, reason, occurred_at FROM camera_events`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query camera events: %w", err)
	}
	defer rows.Close()

	events := []CameraEvent{}
	for rows.Next() {
		var ev CameraEvent
		var occurred int64
		if err := rows.Scan(&ev.ID, &ev.CameraID, &ev.FromState, &ev.ToState, &ev.Reason, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan camera event: %w", err)
		}
		ev.OccurredAt = time.UnixMilli(occurred)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertHealthRecord stores one health report
func (s *EventStore) InsertHealthRecord(ctx context.Context, rec HealthRecord) error {
	unhealthy, err := json.Marshal(nonNil(rec.Unhealthy))
	if err != nil {
		return err
	}
	failed, err := json.Marshal(nonNil(rec.Failed))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_reports (id, total, healthy, unhealthy, failed, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Total, rec.Healthy, string(unhealthy), string(failed), rec.CheckedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert health report: %w", err)
	}
	return nil
}

// HealthRecords returns the newest health reports, newest first
func (s *EventStore) HealthRecords(ctx context.Context, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total, healthy, unhealthy, failed, checked_at
		FROM health_reports ORDER BY checked_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health reports: %w", err)
	}
	defer rows.Close()

	records := []HealthRecord{}
	for rows.Next() {
		var rec HealthRecord
		var unhealthy, failed string
		var checked int64
		if err := rows.Scan(&rec.ID, &rec.Total, &rec.Healthy, &unhealthy, &failed, &checked); err != nil {
			return nil, fmt.Errorf("failed to scan health report: %w", err)
		}
		if err := json.Unmarshal([]byte(unhealthy), &rec.Unhealthy); err != nil {
			return nil, fmt.Errorf("failed to decode unhealthy list: %w", err)
		}
		if err := json.Unmarshal([]byte(failed), &rec.Failed); err != nil {
			return nil, fmt.Errorf("failed to decode failed list: %w", err)
		}
		rec.CheckedAt = time.UnixMilli(checked)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes history older than cutoff and returns how many rows went
func (s *EventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM camera_events WHERE occurred_at < ?`,
			`DELETE FROM health_reports WHERE checked_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, q, cutoff.UnixMilli())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return total, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
