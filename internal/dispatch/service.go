// Package dispatch is the node's protocol brain. It turns decrypted payloads
// into state transitions (incidents, responders, assignments), produces the
// signed envelopes those transitions require, and runs the periodic loops
// that keep delivery, assignment, and presence converging while the mesh
// partitions and heals.
package dispatch

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/keystore"
	"github.com/emergance/emergance/internal/location"
	"github.com/emergance/emergance/internal/metrics"
	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/ratelimit"
	"github.com/emergance/emergance/internal/reliability"
	"github.com/emergance/emergance/internal/store"
	"github.com/emergance/emergance/internal/transport"
)

const (
	// retryDebounceMs is how long an UNASSIGNED_RETRY incident rests
	// before the reconcile loop offers it again.
	retryDebounceMs = 10_000

	// peerStaleMs is how long a persisted peer row stays fresh.
	peerStaleMs = 15_000

	// inboundRatePerWindow caps envelopes accepted from a single sender
	// per inboundRateWindow. Generous enough for aggressive retry traffic
	// from a distressed device, tight enough to shed a runaway peer.
	inboundRatePerWindow = 120
	inboundRateWindow    = 10 * time.Second
)

// Service wires the protocol, stores, and transports into one node.
type Service struct {
	log   *zap.Logger
	db    *store.DB
	keys  *keystore.KeyStore
	queue *reliability.Queue
	net   *transport.Manager
	loc   location.Provider
	mx    *metrics.Metrics
	flood *ratelimit.PerSender

	role protocol.Role
	name string
	now  func() time.Time

	mu       sync.Mutex
	onDuty   bool
	battery  int
	offers   map[string]pendingOffer // pending offers on a driver node
	handling map[string]bool         // bundle recursion guard per message ID

	events *eventHub
}

// pendingOffer is an assignment offer parked on a driver node, together with
// the envelope message ID the eventual ack or reject must reference so the
// dispatch side stops retransmitting the offer.
type pendingOffer struct {
	offer          protocol.AssignmentOffer
	offerMessageID string
}

// Deps carries the service's constructor dependencies.
type Deps struct {
	Log      *zap.Logger
	DB       *store.DB
	Keys     *keystore.KeyStore
	Queue    *reliability.Queue
	Network  *transport.Manager
	Location location.Provider
	Metrics  *metrics.Metrics
	Role     protocol.Role
	Name     string
}

// New builds the service.
func New(d Deps) *Service {
	return &Service{
		log:      d.Log,
		db:       d.DB,
		keys:     d.Keys,
		queue:    d.Queue,
		net:      d.Network,
		loc:      d.Location,
		mx:       d.Metrics,
		flood:    ratelimit.NewPerSender(inboundRatePerWindow, inboundRateWindow),
		role:     d.Role,
		name:     d.Name,
		now:      time.Now,
		battery:  100,
		offers:   make(map[string]pendingOffer),
		handling: make(map[string]bool),
		events:   newEventHub(),
	}
}

// AttachNetwork installs the transport manager. The manager's inbound path
// needs the service first, so construction is two-phase: New, wire the
// adapters with HandleIncoming, then AttachNetwork before Run.
func (s *Service) AttachNetwork(m *transport.Manager) {
	s.net = m
}

// DeviceID returns this node's device ID.
func (s *Service) DeviceID() string {
	return s.keys.Identity().DeviceID
}

// Role returns this node's role.
func (s *Service) Role() protocol.Role {
	return s.role
}

// SendSecure seals, signs, and durably enqueues one payload. targetDevice
// narrows delivery to one peer; empty means broadcast. The envelope carries
// this node's public key so a first-contact receiver can trust-on-first-use.
func (s *Service) SendSecure(payload *protocol.Payload, incidentID, targetDevice string, requiredAckFor string) (*protocol.Envelope, error) {
	msgType := payload.Type()
	if msgType == "" {
		return nil, fmt.Errorf("empty payload")
	}
	plaintext, err := protocol.MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	nonce, ciphertext, err := crypto.Seal(s.keys.NetworkKey(), plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal %s payload: %w", msgType, err)
	}

	id := s.keys.Identity()
	env := protocol.NewEnvelope(protocol.NewEnvelopeInput{
		Type:           msgType,
		SenderDeviceID: id.DeviceID,
		SenderRole:     s.role,
		IncidentID:     incidentID,
		TTLMs:          reliability.TTLMs(msgType),
		AckRequired:    msgType == protocol.MsgSosCreate || msgType == protocol.MsgAssignmentOffer,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		KeyID:          id.PublicKey,
		RequiredAckFor: []byte(requiredAckFor),
	})
	if err := crypto.SignEnvelope(id.PrivateKey, env); err != nil {
		return nil, fmt.Errorf("sign %s envelope: %w", msgType, err)
	}
	if err := s.queue.Enqueue(env, targetDevice); err != nil {
		return nil, fmt.Errorf("enqueue %s envelope: %w", msgType, err)
	}
	return env, nil
}

// HandleIncoming processes one raw frame from the mesh. The pipeline order
// is a security invariant: expiry, then signature, then replay, then
// decrypt, then route. Nothing mutates state before the signature holds.
func (s *Service) HandleIncoming(frame []byte, from transport.Peer) {
	env, err := protocol.UnmarshalEnvelope(frame)
	if err != nil {
		s.reject("malformed", zap.Error(err))
		return
	}
	s.handleEnvelope(env, from)
}

func (s *Service) handleEnvelope(env *protocol.Envelope, from transport.Peer) {
	now := s.now()
	if env.SenderDeviceID == s.DeviceID() {
		return
	}
	if env.Expired(now) {
		s.reject("expired", zap.String("type", string(env.Type)), zap.String("msg", env.MessageID))
		return
	}
	if !s.flood.Allow(env.SenderDeviceID) {
		s.reject("rate_limited", zap.String("sender", env.SenderDeviceID))
		return
	}

	if !s.verifySender(env) {
		s.reject("untrusted", zap.String("sender", env.SenderDeviceID), zap.String("msg", env.MessageID))
		return
	}

	duplicate, err := s.db.HasProcessed(env.MessageID)
	if err != nil {
		s.log.Error("replay check failed", zap.Error(err))
		return
	}
	if err := s.db.LogMessage(&store.MessageLogEntry{
		MessageID:    env.MessageID,
		Type:         string(env.Type),
		SenderDevice: env.SenderDeviceID,
		Verified:     true,
		Duplicate:    duplicate,
		ReceivedAtMs: now.UnixMilli(),
	}); err != nil {
		s.log.Warn("message log write failed", zap.Error(err))
	}
	if duplicate {
		return
	}
	if err := s.db.MarkProcessed(env.MessageID, now.UnixMilli()); err != nil {
		s.log.Error("mark processed failed", zap.Error(err))
		return
	}

	plaintext, err := crypto.Open(s.keys.NetworkKey(), env.Nonce, env.Ciphertext)
	if err != nil {
		s.reject("undecryptable", zap.String("msg", env.MessageID), zap.Error(err))
		return
	}
	payload, err := protocol.UnmarshalPayload(plaintext)
	if err != nil {
		s.reject("bad_payload", zap.String("msg", env.MessageID), zap.Error(err))
		return
	}

	// An envelope that references an earlier message of ours settles that
	// outbox entry regardless of what else it carries.
	if ackFor := string(env.RequiredAckFor); ackFor != "" {
		if err := s.queue.MarkAcked(ackFor); err != nil {
			s.log.Warn("outbox ack failed", zap.String("msg", ackFor), zap.Error(err))
		}
	}

	s.mx.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
	s.refreshPeerRow(env, from, now)
	s.route(env, payload, from)
}

// verifySender checks the envelope signature against the stored key, or
// accepts the announced key trust-on-first-use when the device is unknown
// and the key actually fingerprints to the claimed device ID.
func (s *Service) verifySender(env *protocol.Envelope) bool {
	if key, ok := s.keys.PublicKey(env.SenderDeviceID); ok {
		return crypto.VerifyEnvelope(key, env)
	}

	if len(env.KeyID) != ed25519.PublicKeySize {
		return false
	}
	announced := ed25519.PublicKey(env.KeyID)
	if crypto.DeviceIDFromPublicKey(announced) != env.SenderDeviceID {
		return false
	}
	if !crypto.VerifyEnvelope(announced, env) {
		return false
	}
	if err := s.keys.RememberTrustedDevice(env.SenderDeviceID, env.SenderRole, announced); err != nil {
		s.log.Error("trust-on-first-use persist failed",
			zap.String("sender", env.SenderDeviceID), zap.Error(err))
		return false
	}
	s.log.Info("trusted new device",
		zap.String("device", env.SenderDeviceID),
		zap.String("role", string(env.SenderRole)))
	return true
}

func (s *Service) refreshPeerRow(env *protocol.Envelope, from transport.Peer, now time.Time) {
	if from.Address == "" {
		return
	}
	if err := s.db.UpsertPeer(&store.Peer{
		DeviceID:     env.SenderDeviceID,
		Address:      from.Address,
		Transport:    string(from.Kind),
		Role:         string(env.SenderRole),
		LastSeenAtMs: now.UnixMilli(),
	}); err != nil {
		s.log.Warn("peer row update failed", zap.Error(err))
	}
}

func (s *Service) route(env *protocol.Envelope, payload *protocol.Payload, from transport.Peer) {
	switch {
	case payload.SosCreate != nil:
		s.onSosCreate(env, payload.SosCreate)
	case payload.SosReceivedAck != nil:
		s.onSosReceivedAck(payload.SosReceivedAck)
	case payload.DriverHeartbeat != nil:
		s.onDriverHeartbeat(env, payload.DriverHeartbeat)
	case payload.AssignmentOffer != nil:
		s.onAssignmentOffer(env, payload.AssignmentOffer)
	case payload.AssignmentAck != nil:
		s.onAssignmentAck(payload.AssignmentAck)
	case payload.AssignmentReject != nil:
		s.onAssignmentReject(payload.AssignmentReject)
	case payload.IncidentStatusUpdate != nil:
		s.onIncidentStatusUpdate(payload.IncidentStatusUpdate)
	case payload.PeerHello != nil:
		s.onPeerHello(env, payload.PeerHello, from)
	case payload.StoreForwardBundle != nil:
		s.onStoreForwardBundle(env, payload.StoreForwardBundle, from)
	}
}

func (s *Service) reject(reason string, fields ...zap.Field) {
	s.mx.EnvelopesRejected.WithLabelValues(reason).Inc()
	s.log.Debug("envelope rejected", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}
