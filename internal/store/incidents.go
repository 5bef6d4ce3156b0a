package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/emergance/emergance/internal/protocol"
)

// UpsertIncidentFromSos records an incident from an SOS report. A re-sent
// report for a known incident refreshes the location fields but never
// regresses the status; a brand-new incident starts as RECEIVED.
func (d *DB) UpsertIncidentFromSos(inc *Incident) error {
	existing, err := d.GetIncident(inc.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if existing == nil {
		_, err := d.db.Exec(
			`INSERT INTO incidents (id, reporter_device_id, category, note, lat, lng, accuracy_m,
			     fix_at_ms, quality, status, assigned_responder, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inc.ID, inc.ReporterDeviceID, inc.Category, inc.Note, inc.Lat, inc.Lng, inc.AccuracyM,
			inc.FixAtMs, inc.Quality, protocol.IncidentReceived, inc.AssignedResponder,
			inc.CreatedAtMs, inc.UpdatedAtMs,
		)
		if err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		return nil
	}

	_, err = d.db.Exec(
		`UPDATE incidents SET lat = ?, lng = ?, accuracy_m = ?, fix_at_ms = ?, quality = ?,
		     note = ?, updated_at_ms = ?
		 WHERE id = ?`,
		inc.Lat, inc.Lng, inc.AccuracyM, inc.FixAtMs, inc.Quality, inc.Note, inc.UpdatedAtMs, inc.ID,
	)
	if err != nil {
		return fmt.Errorf("refresh incident: %w", err)
	}
	return nil
}

// CreateLocalIncident inserts an incident exactly as given. Used by the SOS
// role for its own reports, which start as PENDING_NETWORK until a dispatch
// ack arrives.
func (d *DB) CreateLocalIncident(inc *Incident) error {
	_, err := d.db.Exec(
		`INSERT INTO incidents (id, reporter_device_id, category, note, lat, lng, accuracy_m,
		     fix_at_ms, quality, status, assigned_responder, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.ReporterDeviceID, inc.Category, inc.Note, inc.Lat, inc.Lng, inc.AccuracyM,
		inc.FixAtMs, inc.Quality, inc.Status, inc.AssignedResponder, inc.CreatedAtMs, inc.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (d *DB) GetIncident(id string) (*Incident, error) {
	inc := &Incident{}
	var note, quality, assigned sql.NullString
	var accuracy sql.NullFloat64
	var fixAt sql.NullInt64
	err := d.db.QueryRow(
		`SELECT id, reporter_device_id, category, note, lat, lng, accuracy_m, fix_at_ms,
		     quality, status, assigned_responder, created_at_ms, updated_at_ms
		 FROM incidents WHERE id = ?`, id,
	).Scan(&inc.ID, &inc.ReporterDeviceID, &inc.Category, &note, &inc.Lat, &inc.Lng,
		&accuracy, &fixAt, &quality, &inc.Status, &assigned, &inc.CreatedAtMs, &inc.UpdatedAtMs)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	inc.Note = note.String
	inc.Quality = quality.String
	inc.AssignedResponder = assigned.String
	inc.AccuracyM = accuracy.Float64
	inc.FixAtMs = fixAt.Int64
	return inc, nil
}

// UpdateIncidentStatus moves an incident to a new status. Terminal incidents
// (RESOLVED, CANCELLED) refuse further transitions.
func (d *DB) UpdateIncidentStatus(id string, status protocol.IncidentStatus, nowMs int64) error {
	inc, err := d.GetIncident(id)
	if err != nil {
		return err
	}
	if inc.Status.Terminal() {
		return fmt.Errorf("incident %s is %s and cannot change status", id, inc.Status)
	}
	_, err = d.db.Exec(
		`UPDATE incidents SET status = ?, updated_at_ms = ? WHERE id = ?`,
		status, nowMs, id,
	)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	return nil
}

// SetIncidentAssigned marks the incident ASSIGNED to a responder.
func (d *DB) SetIncidentAssigned(id, responderID string, nowMs int64) error {
	_, err := d.db.Exec(
		`UPDATE incidents SET status = ?, assigned_responder = ?, updated_at_ms = ? WHERE id = ?`,
		protocol.IncidentAssigned, responderID, nowMs, id,
	)
	if err != nil {
		return fmt.Errorf("set incident assigned: %w", err)
	}
	return nil
}

// ListIncidents returns all incidents, most recently updated first.
func (d *DB) ListIncidents() ([]Incident, error) {
	rows, err := d.db.Query(
		`SELECT id, reporter_device_id, category, note, lat, lng, accuracy_m, fix_at_ms,
		     quality, status, assigned_responder, created_at_ms, updated_at_ms
		 FROM incidents ORDER BY updated_at_ms DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var note, quality, assigned sql.NullString
		var accuracy sql.NullFloat64
		var fixAt sql.NullInt64
		if err := rows.Scan(&inc.ID, &inc.ReporterDeviceID, &inc.Category, &note, &inc.Lat,
			&inc.Lng, &accuracy, &fixAt, &quality, &inc.Status, &assigned,
			&inc.CreatedAtMs, &inc.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Note = note.String
		inc.Quality = quality.String
		inc.AssignedResponder = assigned.String
		inc.AccuracyM = accuracy.Float64
		inc.FixAtMs = fixAt.Int64
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ListRetryIncidents returns incidents stuck in UNASSIGNED_RETRY whose last
// update is at least debounceMs old, oldest first. The debounce keeps the
// reconcile loop from hammering the same incident every tick.
func (d *DB) ListRetryIncidents(nowMs, debounceMs int64) ([]Incident, error) {
	rows, err := d.db.Query(
		`SELECT id, reporter_device_id, category, note, lat, lng, accuracy_m, fix_at_ms,
		     quality, status, assigned_responder, created_at_ms, updated_at_ms
		 FROM incidents WHERE status = ? AND updated_at_ms <= ?
		 ORDER BY updated_at_ms ASC`,
		protocol.IncidentUnassignedRetry, nowMs-debounceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("list retry incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var note, quality, assigned sql.NullString
		var accuracy sql.NullFloat64
		var fixAt sql.NullInt64
		if err := rows.Scan(&inc.ID, &inc.ReporterDeviceID, &inc.Category, &note, &inc.Lat,
			&inc.Lng, &accuracy, &fixAt, &quality, &inc.Status, &assigned,
			&inc.CreatedAtMs, &inc.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan retry incident: %w", err)
		}
		inc.Note = note.String
		inc.Quality = quality.String
		inc.AssignedResponder = assigned.String
		inc.AccuracyM = accuracy.Float64
		inc.FixAtMs = fixAt.Int64
		out = append(out, inc)
	}
	return out, rows.Err()
}
