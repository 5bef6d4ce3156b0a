package store

import (
	"database/sql"
	"fmt"
)

// UpsertPeer refreshes a neighbor's address and liveness.
func (d *DB) UpsertPeer(p *Peer) error {
	_, err := d.db.Exec(
		`INSERT INTO peers (device_id, address, transport, role, last_seen_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		     address = excluded.address,
		     transport = excluded.transport,
		     role = excluded.role,
		     last_seen_at_ms = excluded.last_seen_at_ms`,
		p.DeviceID, p.Address, p.Transport, p.Role, p.LastSeenAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// ListPeers returns peers seen within staleMs of nowMs.
func (d *DB) ListPeers(nowMs, staleMs int64) ([]Peer, error) {
	rows, err := d.db.Query(
		`SELECT device_id, address, transport, role, last_seen_at_ms
		 FROM peers WHERE last_seen_at_ms > ? ORDER BY device_id`,
		nowMs-staleMs,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		var role sql.NullString
		if err := rows.Scan(&p.DeviceID, &p.Address, &p.Transport, &role, &p.LastSeenAtMs); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		p.Role = role.String
		out = append(out, p)
	}
	return out, rows.Err()
}
