package store

import (
	"database/sql"
	"fmt"

	"github.com/emergance/emergance/internal/protocol"
)

// CreateAssignment records an OFFERED assignment and reserves the responder
// in one transaction: status moves to ASSIGNED, the active counter is
// incremented, and last_assigned_at_ms is stamped so the ranking tiebreak
// rotates offers across equally placed drivers.
func (d *DB) CreateAssignment(a *Assignment) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create assignment: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO assignments (id, incident_id, responder_id, status, offered_at_ms, ack_deadline_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.IncidentID, a.ResponderID, AssignmentOffered, a.OfferedAtMs, a.AckDeadlineAtMs,
	); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE responders SET status = ?, active_assignments = active_assignments + 1,
		     last_assigned_at_ms = ? WHERE device_id = ?`,
		ResponderAssigned, a.OfferedAtMs, a.ResponderID,
	); err != nil {
		return fmt.Errorf("reserve responder: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE incidents SET updated_at_ms = ? WHERE id = ?`,
		a.OfferedAtMs, a.IncidentID,
	); err != nil {
		return fmt.Errorf("touch incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create assignment: %w", err)
	}
	return nil
}

// GetAssignment retrieves an assignment by ID.
func (d *DB) GetAssignment(id string) (*Assignment, error) {
	a := &Assignment{}
	var resolvedAt sql.NullInt64
	err := d.db.QueryRow(
		`SELECT id, incident_id, responder_id, status, offered_at_ms, ack_deadline_at_ms, resolved_at_ms
		 FROM assignments WHERE id = ?`, id,
	).Scan(&a.ID, &a.IncidentID, &a.ResponderID, &a.Status, &a.OfferedAtMs, &a.AckDeadlineAtMs, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a.ResolvedAtMs = resolvedAt.Int64
	return a, nil
}

// MarkAssignmentAcked resolves an OFFERED assignment on driver acceptance:
// the assignment becomes ACKED, the incident ASSIGNED, and the responder
// BUSY. A late ack for an assignment no longer OFFERED is ignored.
func (d *DB) MarkAssignmentAcked(id string, nowMs int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ack assignment: %w", err)
	}
	defer tx.Rollback()

	a, err := lockOfferedAssignment(tx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return nil // already resolved, nothing to do
	}

	if _, err := tx.Exec(
		`UPDATE assignments SET status = ?, resolved_at_ms = ? WHERE id = ?`,
		AssignmentAcked, nowMs, id,
	); err != nil {
		return fmt.Errorf("ack assignment: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE incidents SET status = ?, assigned_responder = ?, updated_at_ms = ? WHERE id = ?`,
		protocol.IncidentAssigned, a.ResponderID, nowMs, a.IncidentID,
	); err != nil {
		return fmt.Errorf("assign incident: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE responders SET status = ?, last_seen_at_ms = ? WHERE device_id = ?`,
		ResponderBusy, nowMs, a.ResponderID,
	); err != nil {
		return fmt.Errorf("mark responder busy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack assignment: %w", err)
	}
	return nil
}

// MarkAssignmentRejected resolves an OFFERED assignment on driver rejection.
// The responder returns to AVAILABLE with its active counter decremented and
// the incident re-enters the UNASSIGNED_RETRY queue.
func (d *DB) MarkAssignmentRejected(id string, nowMs int64) error {
	return d.releaseAssignment(id, AssignmentRejected, nowMs)
}

func (d *DB) releaseAssignment(id, status string, nowMs int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin release assignment: %w", err)
	}
	defer tx.Rollback()

	a, err := lockOfferedAssignment(tx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	if err := releaseAssignmentTx(tx, a, status, nowMs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release assignment: %w", err)
	}
	return nil
}

func releaseAssignmentTx(tx *sql.Tx, a *Assignment, status string, nowMs int64) error {
	if _, err := tx.Exec(
		`UPDATE assignments SET status = ?, resolved_at_ms = ? WHERE id = ?`,
		status, nowMs, a.ID,
	); err != nil {
		return fmt.Errorf("release assignment: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE responders SET status = ?,
		     active_assignments = MAX(active_assignments - 1, 0)
		 WHERE device_id = ?`,
		ResponderAvailable, a.ResponderID,
	); err != nil {
		return fmt.Errorf("free responder: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE incidents SET status = ?, assigned_responder = NULL, updated_at_ms = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		protocol.IncidentUnassignedRetry, nowMs, a.IncidentID,
		protocol.IncidentResolved, protocol.IncidentCancelled,
	); err != nil {
		return fmt.Errorf("requeue incident: %w", err)
	}
	return nil
}

func lockOfferedAssignment(tx *sql.Tx, id string) (*Assignment, error) {
	a := &Assignment{}
	err := tx.QueryRow(
		`SELECT id, incident_id, responder_id, status, offered_at_ms, ack_deadline_at_ms
		 FROM assignments WHERE id = ? AND status = ?`, id, AssignmentOffered,
	).Scan(&a.ID, &a.IncidentID, &a.ResponderID, &a.Status, &a.OfferedAtMs, &a.AckDeadlineAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load offered assignment: %w", err)
	}
	return a, nil
}

// ExpireTimedOutAssignments sweeps OFFERED assignments past their ack
// deadline, releasing each responder and requeueing each incident. Returns
// the expired assignments so the caller can log and notify.
func (d *DB) ExpireTimedOutAssignments(nowMs int64) ([]Assignment, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin expire assignments: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, incident_id, responder_id, status, offered_at_ms, ack_deadline_at_ms
		 FROM assignments WHERE status = ? AND ack_deadline_at_ms <= ?`,
		AssignmentOffered, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("list timed out assignments: %w", err)
	}
	var expired []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.ResponderID, &a.Status,
			&a.OfferedAtMs, &a.AckDeadlineAtMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan timed out assignment: %w", err)
		}
		expired = append(expired, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate timed out assignments: %w", err)
	}
	rows.Close()

	for i := range expired {
		if err := releaseAssignmentTx(tx, &expired[i], AssignmentTimedOut, nowMs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire assignments: %w", err)
	}
	return expired, nil
}

// ListAssignmentsForIncident returns an incident's assignments, newest first.
func (d *DB) ListAssignmentsForIncident(incidentID string) ([]Assignment, error) {
	rows, err := d.db.Query(
		`SELECT id, incident_id, responder_id, status, offered_at_ms, ack_deadline_at_ms, resolved_at_ms
		 FROM assignments WHERE incident_id = ? ORDER BY offered_at_ms DESC`, incidentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.ResponderID, &a.Status,
			&a.OfferedAtMs, &a.AckDeadlineAtMs, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.ResolvedAtMs = resolvedAt.Int64
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReleaseResponderForIncident frees the responder attached to a terminal
// incident, decrementing its active counter and restoring AVAILABLE.
func (d *DB) ReleaseResponderForIncident(responderID string, nowMs int64) error {
	_, err := d.db.Exec(
		`UPDATE responders SET status = ?,
		     active_assignments = MAX(active_assignments - 1, 0),
		     last_seen_at_ms = ?
		 WHERE device_id = ? AND status IN (?, ?)`,
		ResponderAvailable, nowMs, responderID, ResponderAssigned, ResponderBusy,
	)
	if err != nil {
		return fmt.Errorf("release responder: %w", err)
	}
	return nil
}
