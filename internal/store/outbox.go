package store

import (
	"database/sql"
	"fmt"
)

// EnqueueOutbox stores a signed envelope for delivery. Enqueue is idempotent
// on message ID so a crash between enqueue and send cannot double-insert.
func (d *DB) EnqueueOutbox(e *OutboxEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO outbox (message_id, incident_id, type, target_device, envelope,
		     attempts, next_attempt_ms, expires_at_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		e.MessageID, e.IncidentID, e.Type, e.TargetDevice, e.Envelope,
		e.Attempts, e.NextAttemptMs, e.ExpiresAtMs, e.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// DueOutbox returns entries whose next attempt is due, oldest first,
// capped at limit per flush so a long backlog cannot starve the loop.
func (d *DB) DueOutbox(nowMs int64, limit int) ([]OutboxEntry, error) {
	rows, err := d.db.Query(
		`SELECT message_id, incident_id, type, target_device, envelope, attempts,
		     next_attempt_ms, expires_at_ms, created_at_ms
		 FROM outbox WHERE next_attempt_ms <= ?
		 ORDER BY next_attempt_ms ASC LIMIT ?`,
		nowMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var incidentID, target sql.NullString
		if err := rows.Scan(&e.MessageID, &incidentID, &e.Type, &target, &e.Envelope,
			&e.Attempts, &e.NextAttemptMs, &e.ExpiresAtMs, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.IncidentID = incidentID.String
		e.TargetDevice = target.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordOutboxAttempt advances an entry's attempt counter and reschedules
// it. Called after every send attempt, successful or not; only an explicit
// ack removes the entry.
func (d *DB) RecordOutboxAttempt(messageID string, nextAttemptMs int64) error {
	_, err := d.db.Exec(
		`UPDATE outbox SET attempts = attempts + 1, next_attempt_ms = ? WHERE message_id = ?`,
		nextAttemptMs, messageID,
	)
	if err != nil {
		return fmt.Errorf("record outbox attempt: %w", err)
	}
	return nil
}

// MarkOutboxAcked removes a delivered entry. Unknown IDs are a no-op so
// duplicate acks are harmless.
func (d *DB) MarkOutboxAcked(messageID string) error {
	_, err := d.db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark outbox acked: %w", err)
	}
	return nil
}

// ExpireOutbox drops entries whose TTL has lapsed and returns how many were
// removed.
func (d *DB) ExpireOutbox(nowMs int64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM outbox WHERE expires_at_ms <= ?`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("expire outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire outbox rows affected: %w", err)
	}
	return n, nil
}

// OutboxDepth returns the number of pending entries.
func (d *DB) OutboxDepth() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}
