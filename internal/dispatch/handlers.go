package dispatch

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/assign"
	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/store"
	"github.com/emergance/emergance/internal/transport"
)

// onSosCreate runs on dispatch nodes: durably record the incident, confirm
// receipt to the reporter, and immediately try to assign a driver.
func (s *Service) onSosCreate(env *protocol.Envelope, sos *protocol.SosCreate) {
	if s.role != protocol.RoleDispatch {
		return
	}
	nowMs := s.now().UnixMilli()

	if err := s.db.UpsertIncidentFromSos(&store.Incident{
		ID:               sos.IncidentID,
		ReporterDeviceID: env.SenderDeviceID,
		Category:         "EMERGENCY",
		Note:             sos.Notes,
		Lat:              sos.Coordinate.Lat,
		Lng:              sos.Coordinate.Lng,
		AccuracyM:        sos.Coordinate.AccuracyM,
		FixAtMs:          sos.Coordinate.FixAtMs,
		Quality:          string(sos.Coordinate.Quality),
		CreatedAtMs:      nowMs,
		UpdatedAtMs:      nowMs,
	}); err != nil {
		s.log.Error("record incident failed", zap.String("incident", sos.IncidentID), zap.Error(err))
		return
	}

	ack := &protocol.Payload{SosReceivedAck: &protocol.SosReceivedAck{
		MessageID:    env.MessageID,
		IncidentID:   sos.IncidentID,
		ReceivedAtMs: nowMs,
	}}
	if _, err := s.SendSecure(ack, sos.IncidentID, env.SenderDeviceID, env.MessageID); err != nil {
		s.log.Error("queue sos ack failed", zap.String("incident", sos.IncidentID), zap.Error(err))
	}

	s.events.publish(Event{Kind: EventIncident, IncidentID: sos.IncidentID, AtMs: nowMs})
	s.tryAssign(sos.IncidentID)
}

// onSosReceivedAck runs on the reporting node: the dispatch side has the
// incident, so the local copy leaves PENDING_NETWORK.
func (s *Service) onSosReceivedAck(ack *protocol.SosReceivedAck) {
	inc, err := s.db.GetIncident(ack.IncidentID)
	if err != nil {
		return // ack for an incident this node never reported
	}
	if inc.Status != protocol.IncidentPendingNetwork {
		return
	}
	if err := s.db.UpdateIncidentStatus(ack.IncidentID, protocol.IncidentReceived, s.now().UnixMilli()); err != nil {
		s.log.Warn("incident ack transition failed", zap.String("incident", ack.IncidentID), zap.Error(err))
		return
	}
	s.events.publish(Event{Kind: EventIncident, IncidentID: ack.IncidentID, AtMs: s.now().UnixMilli()})
}

func (s *Service) onDriverHeartbeat(env *protocol.Envelope, hb *protocol.DriverHeartbeat) {
	if s.role != protocol.RoleDispatch {
		return
	}
	status := store.ResponderUnavailable
	if hb.Available {
		status = store.ResponderAvailable
	}

	// A heartbeat must not clobber a reservation made by the assignment
	// engine; the responder is released by ack, reject, or timeout.
	if existing, err := s.db.GetResponder(hb.DeviceID); err == nil {
		if existing.Status == store.ResponderAssigned || existing.Status == store.ResponderBusy {
			status = existing.Status
		}
	}

	if err := s.db.UpsertResponderFromHeartbeat(&store.Responder{
		DeviceID:     hb.DeviceID,
		Status:       status,
		Lat:          hb.Coordinate.Lat,
		Lng:          hb.Coordinate.Lng,
		AccuracyM:    hb.Coordinate.AccuracyM,
		FixAtMs:      hb.Coordinate.FixAtMs,
		Quality:      string(hb.Coordinate.Quality),
		BatteryPct:   int(hb.BatteryPct),
		OnDuty:       hb.OnDuty,
		LastSeenAtMs: s.now().UnixMilli(),
	}); err != nil {
		s.log.Error("responder heartbeat upsert failed", zap.String("driver", hb.DeviceID), zap.Error(err))
		return
	}
	s.events.publish(Event{Kind: EventResponder, DeviceID: hb.DeviceID, AtMs: s.now().UnixMilli()})
}

// onAssignmentOffer runs on driver nodes: the offer is parked for the
// operator to accept or reject through the bridge.
func (s *Service) onAssignmentOffer(env *protocol.Envelope, offer *protocol.AssignmentOffer) {
	if s.role != protocol.RoleDriver || offer.DriverDeviceID != s.DeviceID() {
		return
	}
	s.mu.Lock()
	s.offers[offer.AssignmentID] = pendingOffer{offer: *offer, offerMessageID: env.MessageID}
	s.mu.Unlock()

	s.log.Info("assignment offer received",
		zap.String("assignment", offer.AssignmentID),
		zap.String("incident", offer.IncidentID))
	s.events.publish(Event{Kind: EventOffer, IncidentID: offer.IncidentID, AtMs: s.now().UnixMilli()})
}

func (s *Service) onAssignmentAck(ack *protocol.AssignmentAck) {
	if s.role != protocol.RoleDispatch {
		return
	}
	nowMs := s.now().UnixMilli()
	if err := s.db.MarkAssignmentAcked(ack.AssignmentID, nowMs); err != nil {
		s.log.Error("assignment ack failed", zap.String("assignment", ack.AssignmentID), zap.Error(err))
		return
	}
	s.mx.AssignmentResults.WithLabelValues("acked").Inc()
	s.broadcastIncidentStatus(ack.IncidentID, protocol.IncidentAssigned, ack.DriverDeviceID, "driver accepted")
	s.events.publish(Event{Kind: EventIncident, IncidentID: ack.IncidentID, AtMs: nowMs})
}

func (s *Service) onAssignmentReject(rej *protocol.AssignmentReject) {
	if s.role != protocol.RoleDispatch {
		return
	}
	nowMs := s.now().UnixMilli()
	if err := s.db.MarkAssignmentRejected(rej.AssignmentID, nowMs); err != nil {
		s.log.Error("assignment reject failed", zap.String("assignment", rej.AssignmentID), zap.Error(err))
		return
	}
	s.mx.AssignmentResults.WithLabelValues("rejected").Inc()
	s.log.Info("assignment rejected",
		zap.String("assignment", rej.AssignmentID),
		zap.String("driver", rej.DriverDeviceID),
		zap.String("reason", rej.Reason))
	s.events.publish(Event{Kind: EventIncident, IncidentID: rej.IncidentID, AtMs: nowMs})

	// The rejecting driver is out of the pool; offer to the next candidate
	// right away instead of waiting out the retry debounce.
	s.tryAssign(rej.IncidentID)
}

// onIncidentStatusUpdate runs on non-dispatch nodes tracking their own
// incidents. Terminal local copies stay terminal.
func (s *Service) onIncidentStatusUpdate(upd *protocol.IncidentStatusUpdate) {
	inc, err := s.db.GetIncident(upd.IncidentID)
	if err != nil {
		return
	}
	if inc.Status.Terminal() || inc.Status == upd.Status {
		return
	}
	nowMs := s.now().UnixMilli()
	if upd.Status == protocol.IncidentAssigned && upd.AssignedDriverID != "" {
		if err := s.db.SetIncidentAssigned(upd.IncidentID, upd.AssignedDriverID, nowMs); err != nil {
			s.log.Warn("incident status sync failed", zap.String("incident", upd.IncidentID), zap.Error(err))
		}
	} else if err := s.db.UpdateIncidentStatus(upd.IncidentID, upd.Status, nowMs); err != nil {
		s.log.Warn("incident status sync failed", zap.String("incident", upd.IncidentID), zap.Error(err))
	}
	s.events.publish(Event{Kind: EventIncident, IncidentID: upd.IncidentID, AtMs: nowMs})
}

func (s *Service) onPeerHello(env *protocol.Envelope, hello *protocol.PeerHello, from transport.Peer) {
	if from.Address == "" {
		return
	}
	if err := s.db.UpsertPeer(&store.Peer{
		DeviceID:     hello.DeviceID,
		Address:      from.Address,
		Transport:    string(from.Kind),
		Role:         string(hello.Role),
		LastSeenAtMs: s.now().UnixMilli(),
	}); err != nil {
		s.log.Warn("peer hello upsert failed", zap.Error(err))
	}
}

// onStoreForwardBundle unwraps relayed envelopes and runs each through the
// full inbound pipeline, so a bundled message gets exactly the same
// signature, replay, and TTL treatment as a directly received one.
func (s *Service) onStoreForwardBundle(env *protocol.Envelope, bundle *protocol.StoreForwardBundle, from transport.Peer) {
	s.mu.Lock()
	if s.handling[env.MessageID] {
		s.mu.Unlock()
		return
	}
	s.handling[env.MessageID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.handling, env.MessageID)
		s.mu.Unlock()
	}()

	for _, inner := range bundle.Envelopes {
		if inner == nil {
			continue
		}
		s.handleEnvelope(inner, from)
	}
}

// tryAssign offers the incident to the best eligible driver, or parks it in
// UNASSIGNED_RETRY for the reconcile loop when none qualifies. An incident
// that is terminal, already assigned, or has an offer still awaiting its ack
// deadline is left alone, so a re-delivered report never double-books a
// driver.
func (s *Service) tryAssign(incidentID string) {
	nowMs := s.now().UnixMilli()

	inc, err := s.db.GetIncident(incidentID)
	if err != nil {
		s.log.Error("load incident for offer failed", zap.String("incident", incidentID), zap.Error(err))
		return
	}
	if inc.Status.Terminal() || inc.Status == protocol.IncidentAssigned {
		return
	}
	assignments, err := s.db.ListAssignmentsForIncident(incidentID)
	if err != nil {
		s.log.Error("list assignments failed", zap.String("incident", incidentID), zap.Error(err))
		return
	}
	for _, a := range assignments {
		if a.Status == store.AssignmentOffered {
			return
		}
	}

	available, err := s.db.ListAvailableResponders()
	if err != nil {
		s.log.Error("list responders failed", zap.Error(err))
		return
	}
	chosen := assign.ChooseDriver(available, inc.Lat, inc.Lng, nowMs)
	if chosen == nil {
		if err := s.db.UpdateIncidentStatus(incidentID, protocol.IncidentUnassignedRetry, nowMs); err != nil {
			s.log.Warn("park incident failed", zap.String("incident", incidentID), zap.Error(err))
		}
		return
	}

	assignment := &store.Assignment{
		ID:              uuid.NewString(),
		IncidentID:      incidentID,
		ResponderID:     chosen.Responder.DeviceID,
		OfferedAtMs:     nowMs,
		AckDeadlineAtMs: nowMs + assign.AckTimeoutMs,
	}
	if err := s.db.CreateAssignment(assignment); err != nil {
		s.log.Error("create assignment failed", zap.String("incident", incidentID), zap.Error(err))
		return
	}
	offer := &protocol.Payload{AssignmentOffer: &protocol.AssignmentOffer{
		AssignmentID:   assignment.ID,
		IncidentID:     incidentID,
		DriverDeviceID: chosen.Responder.DeviceID,
		IncidentCoordinate: protocol.Coordinate{
			Lat:       inc.Lat,
			Lng:       inc.Lng,
			AccuracyM: inc.AccuracyM,
			FixAtMs:   inc.FixAtMs,
			Quality:   protocol.LocationQuality(inc.Quality),
		},
		AckDeadlineMs: assignment.AckDeadlineAtMs,
	}}
	if _, err := s.SendSecure(offer, incidentID, chosen.Responder.DeviceID, ""); err != nil {
		s.log.Error("queue assignment offer failed", zap.String("assignment", assignment.ID), zap.Error(err))
		return
	}
	s.mx.AssignmentsOffers.Inc()
	s.log.Info("assignment offered",
		zap.String("assignment", assignment.ID),
		zap.String("incident", incidentID),
		zap.String("driver", chosen.Responder.DeviceID),
		zap.Float64("distance_m", chosen.DistanceM))
}

func (s *Service) broadcastIncidentStatus(incidentID string, status protocol.IncidentStatus, driverID, reason string) {
	upd := &protocol.Payload{IncidentStatusUpdate: &protocol.IncidentStatusUpdate{
		IncidentID:       incidentID,
		Status:           status,
		AssignedDriverID: driverID,
		UpdatedAtMs:      s.now().UnixMilli(),
		Reason:           reason,
	}}
	if _, err := s.SendSecure(upd, incidentID, "", ""); err != nil {
		s.log.Warn("queue status update failed", zap.String("incident", incidentID), zap.Error(err))
	}
}
