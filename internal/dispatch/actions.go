package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/store"
)

// TriggerSOS files a new emergency report from this device. The incident is
// recorded locally as PENDING_NETWORK before any delivery attempt, so the
// report survives a device that immediately loses all connectivity.
func (s *Service) TriggerSOS(ctx context.Context, category, notes string) (*store.Incident, error) {
	fix, err := s.loc.BestEffortFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("sos needs a location fix: %w", err)
	}
	nowMs := s.now().UnixMilli()

	inc := &store.Incident{
		ID:               uuid.NewString(),
		ReporterDeviceID: s.DeviceID(),
		Category:         category,
		Note:             notes,
		Lat:              fix.Lat,
		Lng:              fix.Lng,
		AccuracyM:        fix.AccuracyM,
		FixAtMs:          fix.At.UnixMilli(),
		Quality:          string(fix.Quality),
		Status:           protocol.IncidentPendingNetwork,
		CreatedAtMs:      nowMs,
		UpdatedAtMs:      nowMs,
	}
	if err := s.db.CreateLocalIncident(inc); err != nil {
		return nil, err
	}

	payload := &protocol.Payload{SosCreate: &protocol.SosCreate{
		IncidentID:        inc.ID,
		Coordinate:        fix.Coordinate(),
		ClientCreatedAtMs: nowMs,
		Notes:             notes,
	}}
	if _, err := s.SendSecure(payload, inc.ID, "", ""); err != nil {
		return nil, fmt.Errorf("queue sos: %w", err)
	}
	s.events.publish(Event{Kind: EventIncident, IncidentID: inc.ID, AtMs: nowMs})
	return inc, nil
}

// PendingOffers returns the offers awaiting a decision on this driver node.
func (s *Service) PendingOffers() []protocol.AssignmentOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AssignmentOffer, 0, len(s.offers))
	for _, p := range s.offers {
		out = append(out, p.offer)
	}
	return out
}

// RespondToOffer accepts or rejects a pending assignment offer on a driver
// node and sends the matching ack or reject back to dispatch.
func (s *Service) RespondToOffer(assignmentID string, accept bool, reason string) error {
	s.mu.Lock()
	parked, ok := s.offers[assignmentID]
	if ok {
		delete(s.offers, assignmentID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending offer %s", assignmentID)
	}

	nowMs := s.now().UnixMilli()
	var payload *protocol.Payload
	if accept {
		payload = &protocol.Payload{AssignmentAck: &protocol.AssignmentAck{
			AssignmentID:   assignmentID,
			IncidentID:     parked.offer.IncidentID,
			DriverDeviceID: s.DeviceID(),
			AckAtMs:        nowMs,
		}}
	} else {
		payload = &protocol.Payload{AssignmentReject: &protocol.AssignmentReject{
			AssignmentID:   assignmentID,
			IncidentID:     parked.offer.IncidentID,
			DriverDeviceID: s.DeviceID(),
			Reason:         reason,
			RejectedAtMs:   nowMs,
		}}
	}
	// Referencing the offer envelope settles dispatch's retrying outbox
	// entry for it.
	if _, err := s.SendSecure(payload, parked.offer.IncidentID, "", parked.offerMessageID); err != nil {
		return fmt.Errorf("queue offer response: %w", err)
	}
	return nil
}

// SetDriverState updates the local driver's duty flag and battery reading,
// feeding the next heartbeat.
func (s *Service) SetDriverState(onDuty bool, batteryPct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDuty = onDuty
	if batteryPct >= 0 && batteryPct <= 100 {
		s.battery = batteryPct
	}
}

// ManualStatusUpdate lets a dispatch operator move an incident, broadcasting
// the change to the mesh. Releasing a terminal incident frees its responder.
func (s *Service) ManualStatusUpdate(incidentID string, status protocol.IncidentStatus, reason string) error {
	if s.role != protocol.RoleDispatch {
		return fmt.Errorf("only dispatch nodes update incident status")
	}
	inc, err := s.db.GetIncident(incidentID)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	if err := s.db.UpdateIncidentStatus(incidentID, status, nowMs); err != nil {
		return err
	}
	if status.Terminal() && inc.AssignedResponder != "" {
		if err := s.db.ReleaseResponderForIncident(inc.AssignedResponder, nowMs); err != nil {
			s.log.Warn("release responder failed", zap.String("responder", inc.AssignedResponder), zap.Error(err))
		}
	}
	s.broadcastIncidentStatus(incidentID, status, inc.AssignedResponder, reason)
	s.events.publish(Event{Kind: EventIncident, IncidentID: incidentID, AtMs: nowMs})
	return nil
}

// ManualReassign forcibly re-runs assignment for an incident, releasing any
// outstanding offer first.
func (s *Service) ManualReassign(incidentID string) error {
	if s.role != protocol.RoleDispatch {
		return fmt.Errorf("only dispatch nodes reassign incidents")
	}
	inc, err := s.db.GetIncident(incidentID)
	if err != nil {
		return err
	}
	if inc.Status.Terminal() {
		return fmt.Errorf("incident %s is %s", incidentID, inc.Status)
	}
	nowMs := s.now().UnixMilli()

	assignments, err := s.db.ListAssignmentsForIncident(incidentID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Status == store.AssignmentOffered {
			if err := s.db.MarkAssignmentRejected(a.ID, nowMs); err != nil {
				return err
			}
		}
	}
	if inc.Status == protocol.IncidentAssigned && inc.AssignedResponder != "" {
		if err := s.db.ReleaseResponderForIncident(inc.AssignedResponder, nowMs); err != nil {
			return err
		}
		if err := s.db.UpdateIncidentStatus(incidentID, protocol.IncidentUnassignedRetry, nowMs); err != nil {
			return err
		}
	}

	s.tryAssign(incidentID)
	return nil
}

// SetResponderAvailability lets an operator force a responder's status.
func (s *Service) SetResponderAvailability(deviceID, status string) error {
	if s.role != protocol.RoleDispatch {
		return fmt.Errorf("only dispatch nodes manage responders")
	}
	switch status {
	case store.ResponderAvailable, store.ResponderBusy, store.ResponderUnavailable:
	default:
		return fmt.Errorf("invalid responder status %q", status)
	}
	if err := s.db.SetResponderStatus(deviceID, status, s.now().UnixMilli()); err != nil {
		return err
	}
	s.events.publish(Event{Kind: EventResponder, DeviceID: deviceID, AtMs: s.now().UnixMilli()})
	return nil
}

// Snapshot is the full node state served to operator UIs.
type Snapshot struct {
	DeviceID   string            `json:"deviceId"`
	Role       string            `json:"role"`
	Name       string            `json:"name"`
	Incidents  []store.Incident  `json:"incidents"`
	Responders []store.Responder `json:"responders"`
	Peers      []store.Peer      `json:"peers"`
	OutboxLen  int               `json:"outboxLen"`
	AtMs       int64             `json:"atMs"`
}

// Snapshot assembles the current dispatch state.
func (s *Service) Snapshot() (*Snapshot, error) {
	incidents, err := s.db.ListIncidents()
	if err != nil {
		return nil, err
	}
	responders, err := s.db.ListResponders()
	if err != nil {
		return nil, err
	}
	nowMs := s.now().UnixMilli()
	peers, err := s.db.ListPeers(nowMs, peerStaleMs)
	if err != nil {
		return nil, err
	}
	depth, err := s.queue.Depth()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		DeviceID:   s.DeviceID(),
		Role:       string(s.role),
		Name:       s.name,
		Incidents:  incidents,
		Responders: responders,
		Peers:      peers,
		OutboxLen:  depth,
		AtMs:       nowMs,
	}, nil
}
