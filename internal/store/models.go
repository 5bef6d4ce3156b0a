package store

import "github.com/emergance/emergance/internal/protocol"

// Assignment statuses.
const (
	AssignmentOffered  = "OFFERED"
	AssignmentAcked    = "ACKED"
	AssignmentRejected = "REJECTED"
	AssignmentTimedOut = "TIMED_OUT"
)

// Responder availability statuses.
const (
	ResponderAvailable   = "AVAILABLE"
	ResponderAssigned    = "ASSIGNED"
	ResponderBusy        = "BUSY"
	ResponderUnavailable = "UNAVAILABLE"
)

// Incident is a reported emergency tracked by the dispatch node.
type Incident struct {
	ID                 string                  `json:"id"`
	ReporterDeviceID   string                  `json:"reporterDeviceId"`
	Category           string                  `json:"category"`
	Note               string                  `json:"note"`
	Lat                float64                 `json:"lat"`
	Lng                float64                 `json:"lng"`
	AccuracyM          float64                 `json:"accuracyM"`
	FixAtMs            int64                   `json:"fixAtMs"`
	Quality            string                  `json:"quality"`
	Status             protocol.IncidentStatus `json:"status"`
	AssignedResponder  string                  `json:"assignedResponder,omitempty"`
	CreatedAtMs        int64                   `json:"createdAtMs"`
	UpdatedAtMs        int64                   `json:"updatedAtMs"`
}

// Responder is a driver known to the dispatch node through heartbeats.
type Responder struct {
	DeviceID          string  `json:"deviceId"`
	Name              string  `json:"name"`
	Status            string  `json:"status"`
	Lat               float64 `json:"lat"`
	Lng               float64 `json:"lng"`
	AccuracyM         float64 `json:"accuracyM"`
	FixAtMs           int64   `json:"fixAtMs"`
	Quality           string  `json:"quality"`
	BatteryPct        int     `json:"batteryPct"`
	OnDuty            bool    `json:"onDuty"`
	ActiveAssignments int     `json:"activeAssignments"`
	LastAssignedAtMs  int64   `json:"lastAssignedAtMs"`
	LastSeenAtMs      int64   `json:"lastSeenAtMs"`
}

// Assignment is one offer of an incident to a responder.
type Assignment struct {
	ID               string `json:"id"`
	IncidentID       string `json:"incidentId"`
	ResponderID      string `json:"responderId"`
	Status           string `json:"status"`
	OfferedAtMs      int64  `json:"offeredAtMs"`
	AckDeadlineAtMs  int64  `json:"ackDeadlineAtMs"`
	ResolvedAtMs     int64  `json:"resolvedAtMs,omitempty"`
}

// OutboxEntry is a signed envelope awaiting delivery.
type OutboxEntry struct {
	MessageID     string `json:"messageId"`
	IncidentID    string `json:"incidentId,omitempty"`
	Type          string `json:"type"`
	TargetDevice  string `json:"targetDevice,omitempty"`
	Envelope      []byte `json:"-"`
	Attempts      int    `json:"attempts"`
	NextAttemptMs int64  `json:"nextAttemptMs"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// MessageLogEntry records an inbound envelope for audit.
type MessageLogEntry struct {
	MessageID    string `json:"messageId"`
	Type         string `json:"type"`
	SenderDevice string `json:"senderDevice"`
	Verified     bool   `json:"verified"`
	Duplicate    bool   `json:"duplicate"`
	ReceivedAtMs int64  `json:"receivedAtMs"`
}

// Peer is a transport-visible neighbor.
type Peer struct {
	DeviceID     string `json:"deviceId"`
	Address      string `json:"address"`
	Transport    string `json:"transport"`
	Role         string `json:"role,omitempty"`
	LastSeenAtMs int64  `json:"lastSeenAtMs"`
}
