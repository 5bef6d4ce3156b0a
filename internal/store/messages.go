package store

import "fmt"

// HasProcessed reports whether a message ID was already accepted. The replay
// guard makes every inbound handler idempotent under mesh re-delivery.
func (d *DB) HasProcessed(messageID string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM processed_messages WHERE message_id = ?`, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records a message ID as accepted. Idempotent.
func (d *DB) MarkProcessed(messageID string, nowMs int64) error {
	_, err := d.db.Exec(
		`INSERT INTO processed_messages (message_id, processed_at_ms) VALUES (?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, nowMs,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// LogMessage appends an inbound envelope to the audit log.
func (d *DB) LogMessage(e *MessageLogEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO message_log (message_id, type, sender_device, verified, duplicate, received_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.Type, e.SenderDevice, boolToInt(e.Verified), boolToInt(e.Duplicate), e.ReceivedAtMs,
	)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest audit log entries, capped at limit.
func (d *DB) RecentMessages(limit int) ([]MessageLogEntry, error) {
	rows, err := d.db.Query(
		`SELECT message_id, type, sender_device, verified, duplicate, received_at_ms
		 FROM message_log ORDER BY received_at_ms DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var out []MessageLogEntry
	for rows.Next() {
		var e MessageLogEntry
		var verified, duplicate int
		if err := rows.Scan(&e.MessageID, &e.Type, &e.SenderDevice, &verified, &duplicate,
			&e.ReceivedAtMs); err != nil {
			return nil, fmt.Errorf("scan message log entry: %w", err)
		}
		e.Verified = verified != 0
		e.Duplicate = duplicate != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
