package store

import (
	"path/filepath"
	"testing"

	"github.com/emergance/emergance/internal/protocol"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedIncident(t *testing.T, db *DB, id string, nowMs int64) {
	t.Helper()
	err := db.UpsertIncidentFromSos(&Incident{
		ID:               id,
		ReporterDeviceID: "reporter-1",
		Category:         "MEDICAL",
		Lat:              14.5995,
		Lng:              120.9842,
		AccuracyM:        8,
		FixAtMs:          nowMs,
		Quality:          "LIVE",
		CreatedAtMs:      nowMs,
		UpdatedAtMs:      nowMs,
	})
	if err != nil {
		t.Fatalf("UpsertIncidentFromSos: %v", err)
	}
}

func seedResponder(t *testing.T, db *DB, id string, nowMs int64) {
	t.Helper()
	err := db.UpsertResponderFromHeartbeat(&Responder{
		DeviceID:     id,
		Name:         "Unit " + id,
		Status:       ResponderAvailable,
		Lat:          14.6,
		Lng:          120.98,
		FixAtMs:      nowMs,
		Quality:      "LIVE",
		BatteryPct:   80,
		OnDuty:       true,
		LastSeenAtMs: nowMs,
	})
	if err != nil {
		t.Fatalf("UpsertResponderFromHeartbeat: %v", err)
	}
}

func TestUpsertIncidentFromSosNewAndRefresh(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)

	inc, err := db.GetIncident("inc-1")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if inc.Status != protocol.IncidentReceived {
		t.Fatalf("new incident status = %s, want %s", inc.Status, protocol.IncidentReceived)
	}

	// A re-sent report refreshes location but must not regress an assigned
	// incident back to RECEIVED.
	if err := db.SetIncidentAssigned("inc-1", "driver-1", 2000); err != nil {
		t.Fatalf("SetIncidentAssigned: %v", err)
	}
	if err := db.UpsertIncidentFromSos(&Incident{
		ID: "inc-1", ReporterDeviceID: "reporter-1", Category: "MEDICAL",
		Lat: 14.7, Lng: 121.0, UpdatedAtMs: 3000,
	}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	inc, _ = db.GetIncident("inc-1")
	if inc.Status != protocol.IncidentAssigned {
		t.Fatalf("refresh regressed status to %s", inc.Status)
	}
	if inc.Lat != 14.7 {
		t.Fatalf("refresh did not update location, lat = %v", inc.Lat)
	}
}

func TestUpdateIncidentStatusRejectsTerminal(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)

	if err := db.UpdateIncidentStatus("inc-1", protocol.IncidentResolved, 2000); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := db.UpdateIncidentStatus("inc-1", protocol.IncidentReceived, 3000); err == nil {
		t.Fatal("expected error reopening a resolved incident")
	}
}

func TestHeartbeatUpsertPreservesAssignmentCounters(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)
	seedResponder(t, db, "driver-1", 1000)

	if err := db.CreateAssignment(&Assignment{
		ID: "asg-1", IncidentID: "inc-1", ResponderID: "driver-1",
		OfferedAtMs: 1500, AckDeadlineAtMs: 16500,
	}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	// Heartbeats keep arriving while an offer is pending; they must not
	// reset the reservation.
	seedResponder(t, db, "driver-1", 2000)

	r, err := db.GetResponder("driver-1")
	if err != nil {
		t.Fatalf("GetResponder: %v", err)
	}
	if r.ActiveAssignments != 1 {
		t.Fatalf("ActiveAssignments = %d, want 1", r.ActiveAssignments)
	}
	if r.LastAssignedAtMs != 1500 {
		t.Fatalf("LastAssignedAtMs = %d, want 1500", r.LastAssignedAtMs)
	}
}

func TestAssignmentAckLifecycle(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)
	seedResponder(t, db, "driver-1", 1000)

	asg := &Assignment{
		ID: "asg-1", IncidentID: "inc-1", ResponderID: "driver-1",
		OfferedAtMs: 1500, AckDeadlineAtMs: 16500,
	}
	if err := db.CreateAssignment(asg); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	r, _ := db.GetResponder("driver-1")
	if r.Status != ResponderAssigned {
		t.Fatalf("responder not reserved, status = %s", r.Status)
	}

	if err := db.MarkAssignmentAcked("asg-1", 3000); err != nil {
		t.Fatalf("MarkAssignmentAcked: %v", err)
	}

	got, _ := db.GetAssignment("asg-1")
	if got.Status != AssignmentAcked {
		t.Fatalf("assignment status = %s, want %s", got.Status, AssignmentAcked)
	}
	inc, _ := db.GetIncident("inc-1")
	if inc.Status != protocol.IncidentAssigned || inc.AssignedResponder != "driver-1" {
		t.Fatalf("incident = %s/%s, want ASSIGNED/driver-1", inc.Status, inc.AssignedResponder)
	}
	r, _ = db.GetResponder("driver-1")
	if r.Status != ResponderBusy {
		t.Fatalf("responder status = %s, want %s", r.Status, ResponderBusy)
	}

	// A late duplicate ack is a no-op.
	if err := db.MarkAssignmentAcked("asg-1", 4000); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
}

func TestAssignmentRejectRequeuesIncident(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)
	seedResponder(t, db, "driver-1", 1000)

	if err := db.CreateAssignment(&Assignment{
		ID: "asg-1", IncidentID: "inc-1", ResponderID: "driver-1",
		OfferedAtMs: 1500, AckDeadlineAtMs: 16500,
	}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if err := db.MarkAssignmentRejected("asg-1", 3000); err != nil {
		t.Fatalf("MarkAssignmentRejected: %v", err)
	}

	inc, _ := db.GetIncident("inc-1")
	if inc.Status != protocol.IncidentUnassignedRetry {
		t.Fatalf("incident status = %s, want %s", inc.Status, protocol.IncidentUnassignedRetry)
	}
	r, _ := db.GetResponder("driver-1")
	if r.Status != ResponderAvailable || r.ActiveAssignments != 0 {
		t.Fatalf("responder not freed: %s/%d", r.Status, r.ActiveAssignments)
	}
}

func TestExpireTimedOutAssignments(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)
	seedResponder(t, db, "driver-1", 1000)

	if err := db.CreateAssignment(&Assignment{
		ID: "asg-1", IncidentID: "inc-1", ResponderID: "driver-1",
		OfferedAtMs: 1500, AckDeadlineAtMs: 16500,
	}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	// Before the deadline nothing expires.
	expired, err := db.ExpireTimedOutAssignments(16000)
	if err != nil {
		t.Fatalf("ExpireTimedOutAssignments: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d assignments before deadline", len(expired))
	}

	expired, err = db.ExpireTimedOutAssignments(17000)
	if err != nil {
		t.Fatalf("ExpireTimedOutAssignments: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "asg-1" {
		t.Fatalf("expired = %+v, want asg-1", expired)
	}

	got, _ := db.GetAssignment("asg-1")
	if got.Status != AssignmentTimedOut {
		t.Fatalf("assignment status = %s, want %s", got.Status, AssignmentTimedOut)
	}
	inc, _ := db.GetIncident("inc-1")
	if inc.Status != protocol.IncidentUnassignedRetry {
		t.Fatalf("incident status = %s, want %s", inc.Status, protocol.IncidentUnassignedRetry)
	}
}

func TestListRetryIncidentsDebounce(t *testing.T) {
	db := testDB(t)
	seedIncident(t, db, "inc-1", 1000)
	if err := db.UpdateIncidentStatus("inc-1", protocol.IncidentUnassignedRetry, 5000); err != nil {
		t.Fatalf("UpdateIncidentStatus: %v", err)
	}

	// Updated at 5000, debounce 10000: not eligible until 15000.
	got, err := db.ListRetryIncidents(14000, 10000)
	if err != nil {
		t.Fatalf("ListRetryIncidents: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("retry listed %d incidents inside debounce window", len(got))
	}

	got, err = db.ListRetryIncidents(15000, 10000)
	if err != nil {
		t.Fatalf("ListRetryIncidents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inc-1" {
		t.Fatalf("retry list = %+v, want inc-1", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	entry := &OutboxEntry{
		MessageID:     "msg-1",
		Type:          "SOS_CREATE",
		Envelope:      []byte{1, 2, 3},
		NextAttemptMs: 1000,
		ExpiresAtMs:   100_000,
		CreatedAtMs:   1000,
	}
	if err := db.EnqueueOutbox(entry); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	// Idempotent re-enqueue.
	if err := db.EnqueueOutbox(entry); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if n, _ := db.OutboxDepth(); n != 1 {
		t.Fatalf("OutboxDepth = %d, want 1", n)
	}

	due, err := db.DueOutbox(1000, 100)
	if err != nil {
		t.Fatalf("DueOutbox: %v", err)
	}
	if len(due) != 1 || due[0].MessageID != "msg-1" {
		t.Fatalf("due = %+v, want msg-1", due)
	}

	if err := db.RecordOutboxAttempt("msg-1", 2000); err != nil {
		t.Fatalf("RecordOutboxAttempt: %v", err)
	}
	if due, _ = db.DueOutbox(1500, 100); len(due) != 0 {
		t.Fatal("entry still due after reschedule")
	}
	if due, _ = db.DueOutbox(2000, 100); len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("rescheduled entry = %+v", due)
	}

	if err := db.MarkOutboxAcked("msg-1"); err != nil {
		t.Fatalf("MarkOutboxAcked: %v", err)
	}
	if n, _ := db.OutboxDepth(); n != 0 {
		t.Fatalf("OutboxDepth = %d after ack, want 0", n)
	}
	// Duplicate ack is harmless.
	if err := db.MarkOutboxAcked("msg-1"); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
}

func TestExpireOutbox(t *testing.T) {
	db := testDB(t)
	if err := db.EnqueueOutbox(&OutboxEntry{
		MessageID: "msg-1", Type: "DRIVER_HEARTBEAT", Envelope: []byte{1},
		NextAttemptMs: 1000, ExpiresAtMs: 16_000, CreatedAtMs: 1000,
	}); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	n, err := db.ExpireOutbox(15_999)
	if err != nil {
		t.Fatalf("ExpireOutbox: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired %d entries before TTL", n)
	}
	n, err = db.ExpireOutbox(16_000)
	if err != nil {
		t.Fatalf("ExpireOutbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d entries, want 1", n)
	}
}

func TestReplayGuard(t *testing.T) {
	db := testDB(t)

	seen, err := db.HasProcessed("msg-1")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if seen {
		t.Fatal("unseen message reported processed")
	}
	if err := db.MarkProcessed("msg-1", 1000); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := db.MarkProcessed("msg-1", 2000); err != nil {
		t.Fatalf("duplicate MarkProcessed: %v", err)
	}
	if seen, _ = db.HasProcessed("msg-1"); !seen {
		t.Fatal("processed message not reported")
	}
}

func TestPeerStaleness(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertPeer(&Peer{
		DeviceID: "peer-1", Address: "10.0.0.2:4711", Transport: "LAN", LastSeenAtMs: 1000,
	}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	fresh, err := db.ListPeers(10_000, 15_000)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("fresh peer count = %d, want 1", len(fresh))
	}

	stale, err := db.ListPeers(20_000, 15_000)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stale peer still listed: %+v", stale)
	}
}
