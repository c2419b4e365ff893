package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-warden/agent-warden/pkg/models"
)

// AuditStore persists audit events beyond the in-memory ring buffer
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new audit store
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// SaveEvent inserts an audit event. Details are serialized as JSON.
func (s *AuditStore) SaveEvent(ctx context.Context, event *models.AuditEvent) error {
	var details []byte
	if len(event.Details) > 0 {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, type, actor, action, resource, result,
			details, peer_ip, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.Type, event.Actor, event.Action,
		event.Resource, event.Result, nullString(string(details)),
		nullString(event.PeerIP), nullString(event.SessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}

	return nil
}

// EventsSince returns events recorded at or after the cutoff, newest first.
// A limit of 0 means no limit.
func (s *AuditStore) EventsSince(ctx context.Context, since time.Time, limit int) ([]models.AuditEvent, error) {
	query := `
		SELECT id, timestamp, type, actor, action, resource, result,
			details, peer_ip, session_id
		FROM audit_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC
	`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// PruneBefore deletes events older than the cutoff and returns the count removed
func (s *AuditStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return result.RowsAffected()
}

func scanAuditEvent(rows *sql.Rows) (models.AuditEvent, error) {
	var event models.AuditEvent
	var resource, details, peerIP, sessionID sql.NullString

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.Type, &event.Actor, &event.Action,
		&resource, &event.Result, &details, &peerIP, &sessionID,
	)
	if err != nil {
		return event, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Resource = resource.String
	event.PeerIP = peerIP.String
	event.SessionID = sessionID.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
			return event, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
	}

	return event, nil
}

// nullString converts a string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
