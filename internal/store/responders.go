package store

import (
	"database/sql"
	"fmt"
)

// UpsertResponderFromHeartbeat refreshes a responder's position, battery,
// and availability from a heartbeat. Counters owned by the assignment engine
// (active_assignments, last_assigned_at_ms) are preserved on update.
func (d *DB) UpsertResponderFromHeartbeat(r *Responder) error {
	_, err := d.db.Exec(
		`INSERT INTO responders (device_id, name, status, lat, lng, accuracy_m, fix_at_ms,
		     quality, battery_pct, on_duty, active_assignments, last_assigned_at_ms, last_seen_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		     name = excluded.name,
		     status = excluded.status,
		     lat = excluded.lat,
		     lng = excluded.lng,
		     accuracy_m = excluded.accuracy_m,
		     fix_at_ms = excluded.fix_at_ms,
		     quality = excluded.quality,
		     battery_pct = excluded.battery_pct,
		     on_duty = excluded.on_duty,
		     last_seen_at_ms = excluded.last_seen_at_ms`,
		r.DeviceID, r.Name, r.Status, r.Lat, r.Lng, r.AccuracyM, r.FixAtMs,
		r.Quality, r.BatteryPct, boolToInt(r.OnDuty), r.LastSeenAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert responder: %w", err)
	}
	return nil
}

// GetResponder retrieves a responder by device ID.
func (d *DB) GetResponder(deviceID string) (*Responder, error) {
	r := &Responder{}
	var name, quality sql.NullString
	var lat, lng, accuracy sql.NullFloat64
	var fixAt sql.NullInt64
	var battery sql.NullInt64
	var onDuty int
	err := d.db.QueryRow(
		`SELECT device_id, name, status, lat, lng, accuracy_m, fix_at_ms, quality,
		     battery_pct, on_duty, active_assignments, last_assigned_at_ms, last_seen_at_ms
		 FROM responders WHERE device_id = ?`, deviceID,
	).Scan(&r.DeviceID, &name, &r.Status, &lat, &lng, &accuracy, &fixAt, &quality,
		&battery, &onDuty, &r.ActiveAssignments, &r.LastAssignedAtMs, &r.LastSeenAtMs)
	if err != nil {
		return nil, fmt.Errorf("get responder: %w", err)
	}
	r.Name = name.String
	r.Quality = quality.String
	r.Lat = lat.Float64
	r.Lng = lng.Float64
	r.AccuracyM = accuracy.Float64
	r.FixAtMs = fixAt.Int64
	r.BatteryPct = int(battery.Int64)
	r.OnDuty = onDuty != 0
	return r, nil
}

// SetResponderStatus changes a responder's availability status.
func (d *DB) SetResponderStatus(deviceID, status string, nowMs int64) error {
	res, err := d.db.Exec(
		`UPDATE responders SET status = ?, last_seen_at_ms = ? WHERE device_id = ?`,
		status, nowMs, deviceID,
	)
	if err != nil {
		return fmt.Errorf("set responder status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set responder status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set responder status: %w", sql.ErrNoRows)
	}
	return nil
}

// ListResponders returns all known responders.
func (d *DB) ListResponders() ([]Responder, error) {
	return d.queryResponders(
		`SELECT device_id, name, status, lat, lng, accuracy_m, fix_at_ms, quality,
		     battery_pct, on_duty, active_assignments, last_assigned_at_ms, last_seen_at_ms
		 FROM responders ORDER BY device_id`,
	)
}

// ListAvailableResponders returns responders with status AVAILABLE. Further
// eligibility filtering (fix freshness, battery floor) belongs to the
// assignment engine, which sees the full rows.
func (d *DB) ListAvailableResponders() ([]Responder, error) {
	return d.queryResponders(
		`SELECT device_id, name, status, lat, lng, accuracy_m, fix_at_ms, quality,
		     battery_pct, on_duty, active_assignments, last_assigned_at_ms, last_seen_at_ms
		 FROM responders WHERE status = ? ORDER BY device_id`,
		ResponderAvailable,
	)
}

func (d *DB) queryResponders(query string, args ...any) ([]Responder, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responders: %w", err)
	}
	defer rows.Close()

	var out []Responder
	for rows.Next() {
		var r Responder
		var name, quality sql.NullString
		var lat, lng, accuracy sql.NullFloat64
		var fixAt sql.NullInt64
		var battery sql.NullInt64
		var onDuty int
		if err := rows.Scan(&r.DeviceID, &name, &r.Status, &lat, &lng, &accuracy, &fixAt,
			&quality, &battery, &onDuty, &r.ActiveAssignments, &r.LastAssignedAtMs,
			&r.LastSeenAtMs); err != nil {
			return nil, fmt.Errorf("scan responder: %w", err)
		}
		r.Name = name.String
		r.Quality = quality.String
		r.Lat = lat.Float64
		r.Lng = lng.Float64
		r.AccuracyM = accuracy.Float64
		r.FixAtMs = fixAt.Int64
		r.BatteryPct = int(battery.Int64)
		r.OnDuty = onDuty != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
