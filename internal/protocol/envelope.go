// Package protocol defines the wire model for the Emergance mesh: the signed
// Envelope, the encrypted Payload union, and their binary codec. The encoding
// uses protobuf wire format with fixed field numbers so that every node role
// (SOS, driver, dispatch, relay) interoperates regardless of platform.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// MessageType identifies the payload variant carried by an envelope.
type MessageType string

const (
	MsgSosCreate            MessageType = "SOS_CREATE"
	MsgSosReceivedAck       MessageType = "SOS_RECEIVED_ACK"
	MsgDriverHeartbeat      MessageType = "DRIVER_HEARTBEAT"
	MsgAssignmentOffer      MessageType = "ASSIGNMENT_OFFER"
	MsgAssignmentAck        MessageType = "ASSIGNMENT_ACK"
	MsgAssignmentReject     MessageType = "ASSIGNMENT_REJECT"
	MsgIncidentStatusUpdate MessageType = "INCIDENT_STATUS_UPDATE"
	MsgPeerHello            MessageType = "PEER_HELLO"
	MsgStoreForwardBundle   MessageType = "STORE_FORWARD_BUNDLE"
)

// Role identifies the deployment role of a device.
type Role string

const (
	RoleSOS      Role = "SOS"
	RoleDriver   Role = "DRIVER"
	RoleDispatch Role = "DISPATCH"
	RoleRelay    Role = "RELAY"
)

// IncidentStatus is the incident state machine. UNASSIGNED_RETRY is a
// recoverable sub-state of RECEIVED entered when no driver could be assigned.
type IncidentStatus string

const (
	IncidentPendingNetwork  IncidentStatus = "PENDING_NETWORK"
	IncidentReceived        IncidentStatus = "RECEIVED"
	IncidentAssigned        IncidentStatus = "ASSIGNED"
	IncidentResolved        IncidentStatus = "RESOLVED"
	IncidentCancelled       IncidentStatus = "CANCELLED"
	IncidentUnassignedRetry IncidentStatus = "UNASSIGNED_RETRY"
)

// Terminal reports whether no further transitions are allowed from s.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentCancelled
}

// LocationQuality flags how fresh/accurate a coordinate fix is.
type LocationQuality string

const (
	QualityLive     LocationQuality = "LIVE"
	QualityDegraded LocationQuality = "DEGRADED"
)

// TransportKind identifies a transport adapter.
type TransportKind string

const (
	TransportLAN        TransportKind = "LAN"
	TransportWifiDirect TransportKind = "WIFI_DIRECT"
	TransportBLE        TransportKind = "BLE"
)

// Coordinate is a timestamped location fix.
type Coordinate struct {
	Lat       float64
	Lng       float64
	AccuracyM float64
	FixAtMs   int64
	Quality   LocationQuality
}

// Envelope is the wire unit. It is immutable once signed: the signature
// covers the encoded envelope with the Signature field cleared.
type Envelope struct {
	SchemaVersion  int32
	MessageID      string
	IncidentID     string
	Type           MessageType
	SenderDeviceID string
	SenderRole     Role
	CreatedAtMs    int64
	TTLMs          int64
	HopCount       int32
	AckRequired    bool
	Nonce          []byte
	Ciphertext     []byte
	Signature      []byte
	KeyID          []byte // sender's announced public key, optional
	RequiredAckFor []byte // message ID this envelope acknowledges, optional
}

// Expired reports whether the envelope's TTL has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.CreatedAtMs+e.TTLMs <= now.UnixMilli()
}

// NewEnvelopeInput carries the non-cryptographic inputs for NewEnvelope.
type NewEnvelopeInput struct {
	Type           MessageType
	SenderDeviceID string
	SenderRole     Role
	IncidentID     string
	TTLMs          int64
	AckRequired    bool
	Nonce          []byte
	Ciphertext     []byte
	KeyID          []byte
	RequiredAckFor []byte
}

// NewEnvelope builds an unsigned envelope with a fresh time-ordered (UUIDv7)
// message ID. The caller signs it afterwards.
func NewEnvelope(in NewEnvelopeInput) *Envelope {
	return &Envelope{
		SchemaVersion:  SchemaVersion,
		MessageID:      NewMessageID(),
		IncidentID:     in.IncidentID,
		Type:           in.Type,
		SenderDeviceID: in.SenderDeviceID,
		SenderRole:     in.SenderRole,
		CreatedAtMs:    time.Now().UnixMilli(),
		TTLMs:          in.TTLMs,
		AckRequired:    in.AckRequired,
		Nonce:          in.Nonce,
		Ciphertext:     in.Ciphertext,
		KeyID:          in.KeyID,
		RequiredAckFor: in.RequiredAckFor,
	}
}

// NewMessageID returns a globally unique, time-orderable message ID.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than refusing to send.
		return uuid.NewString()
	}
	return id.String()
}

// UnsignedBytes returns the canonical byte form that signatures cover: the
// encoded envelope with the signature field cleared.
func (e *Envelope) UnsignedBytes() []byte {
	unsigned := *e
	unsigned.Signature = nil
	return MarshalEnvelope(&unsigned)
}

// SosCreate reports a new emergency incident.
type SosCreate struct {
	IncidentID        string
	Coordinate        Coordinate
	ClientCreatedAtMs int64
	Notes             string
}

// SosReceivedAck confirms that a dispatch node has durably recorded an SOS.
type SosReceivedAck struct {
	MessageID    string // message ID of the SOS_CREATE being acknowledged
	IncidentID   string
	ReceivedAtMs int64
}

// DriverHeartbeat publishes a driver's availability and position.
type DriverHeartbeat struct {
	DeviceID   string
	OnDuty     bool
	Available  bool
	Coordinate Coordinate
	BatteryPct int32
}

// AssignmentOffer asks a driver to take an incident.
type AssignmentOffer struct {
	AssignmentID       string
	IncidentID         string
	DriverDeviceID     string
	IncidentCoordinate Coordinate
	AckDeadlineMs      int64
}

// AssignmentAck accepts an offer.
type AssignmentAck struct {
	AssignmentID   string
	IncidentID     string
	DriverDeviceID string
	AckAtMs        int64
}

// AssignmentReject declines an offer.
type AssignmentReject struct {
	AssignmentID   string
	IncidentID     string
	DriverDeviceID string
	Reason         string
	RejectedAtMs   int64
}

// IncidentStatusUpdate propagates an incident state change.
type IncidentStatusUpdate struct {
	IncidentID       string
	Status           IncidentStatus
	AssignedDriverID string
	UpdatedAtMs      int64
	Reason           string
}

// PeerHello announces a device and its transports.
type PeerHello struct {
	DeviceID   string
	Role       Role
	Transports []TransportKind
	SentAtMs   int64
}

// StoreForwardBundle carries embedded envelopes for relay through a node that
// is not a protocol endpoint for the inner messages.
type StoreForwardBundle struct {
	Envelopes []*Envelope
}

// Payload is the tagged union decrypted from an envelope's ciphertext.
// Exactly one field is non-nil.
type Payload struct {
	SosCreate            *SosCreate
	SosReceivedAck       *SosReceivedAck
	DriverHeartbeat      *DriverHeartbeat
	AssignmentOffer      *AssignmentOffer
	AssignmentAck        *AssignmentAck
	AssignmentReject     *AssignmentReject
	IncidentStatusUpdate *IncidentStatusUpdate
	PeerHello            *PeerHello
	StoreForwardBundle   *StoreForwardBundle
}

// Type returns the message type of the populated variant, or "" if empty.
func (p *Payload) Type() MessageType {
	switch {
	case p.SosCreate != nil:
		return MsgSosCreate
	case p.SosReceivedAck != nil:
		return MsgSosReceivedAck
	case p.DriverHeartbeat != nil:
		return MsgDriverHeartbeat
	case p.AssignmentOffer != nil:
		return MsgAssignmentOffer
	case p.AssignmentAck != nil:
		return MsgAssignmentAck
	case p.AssignmentReject != nil:
		return MsgAssignmentReject
	case p.IncidentStatusUpdate != nil:
		return MsgIncidentStatusUpdate
	case p.PeerHello != nil:
		return MsgPeerHello
	case p.StoreForwardBundle != nil:
		return MsgStoreForwardBundle
	}
	return ""
}
