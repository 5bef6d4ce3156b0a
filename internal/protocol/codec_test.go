package protocol

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		SchemaVersion:  SchemaVersion,
		MessageID:      "0190a1b2-0000-7000-8000-123456789abc",
		IncidentID:     "incident-1",
		Type:           MsgSosCreate,
		SenderDeviceID: "abcd1234abcd1234",
		SenderRole:     RoleSOS,
		CreatedAtMs:    1700000000000,
		TTLMs:          86_400_000,
		HopCount:       0,
		AckRequired:    true,
		Nonce:          []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Ciphertext:     []byte("sealed"),
		Signature:      []byte("sig"),
		KeyID:          []byte("announced-key"),
		RequiredAckFor: []byte("prev-message-id"),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	data := MarshalEnvelope(env)

	got, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if !reflect.DeepEqual(env, got) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, env)
	}
}

func TestEnvelopeUnsignedBytesClearsSignature(t *testing.T) {
	env := sampleEnvelope()
	unsigned := env.UnsignedBytes()

	decoded, err := UnmarshalEnvelope(unsigned)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if len(decoded.Signature) != 0 {
		t.Fatalf("unsigned bytes still carry a signature: %x", decoded.Signature)
	}

	// The unsigned form must be stable regardless of the signature value.
	env2 := sampleEnvelope()
	env2.Signature = []byte("a completely different signature")
	if !bytes.Equal(unsigned, env2.UnsignedBytes()) {
		t.Fatal("unsigned bytes depend on the signature field")
	}
}

func TestMarshalEnvelopeCanonical(t *testing.T) {
	a := MarshalEnvelope(sampleEnvelope())
	b := MarshalEnvelope(sampleEnvelope())
	if !bytes.Equal(a, b) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected error for garbage input")
	}
	if _, err := UnmarshalEnvelope(nil); err == nil {
		t.Fatal("expected error for empty input (missing type)")
	}
}

func payloadCases() []*Payload {
	coord := Coordinate{Lat: 14.5995, Lng: 120.9842, AccuracyM: 12.5, FixAtMs: 1700000000000, Quality: QualityLive}
	return []*Payload{
		{SosCreate: &SosCreate{IncidentID: "inc-1", Coordinate: coord, ClientCreatedAtMs: 1700000000000, Notes: "trapped"}},
		{SosReceivedAck: &SosReceivedAck{MessageID: "msg-1", IncidentID: "inc-1", ReceivedAtMs: 1700000000500}},
		{DriverHeartbeat: &DriverHeartbeat{DeviceID: "drv-1", OnDuty: true, Available: true, Coordinate: coord, BatteryPct: 87}},
		{AssignmentOffer: &AssignmentOffer{AssignmentID: "asg-1", IncidentID: "inc-1", DriverDeviceID: "drv-1", IncidentCoordinate: coord, AckDeadlineMs: 1700000015000}},
		{AssignmentAck: &AssignmentAck{AssignmentID: "asg-1", IncidentID: "inc-1", DriverDeviceID: "drv-1", AckAtMs: 1700000005000}},
		{AssignmentReject: &AssignmentReject{AssignmentID: "asg-1", IncidentID: "inc-1", DriverDeviceID: "drv-1", Reason: "VEHICLE_FAULT", RejectedAtMs: 1700000005000}},
		{IncidentStatusUpdate: &IncidentStatusUpdate{IncidentID: "inc-1", Status: IncidentAssigned, AssignedDriverID: "drv-1", UpdatedAtMs: 1700000006000}},
		{PeerHello: &PeerHello{DeviceID: "disp-1", Role: RoleDispatch, Transports: []TransportKind{TransportLAN, TransportBLE}, SentAtMs: 1700000000000}},
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	for _, p := range payloadCases() {
		data, err := MarshalPayload(p)
		if err != nil {
			t.Fatalf("MarshalPayload(%s): %v", p.Type(), err)
		}
		got, err := UnmarshalPayload(data)
		if err != nil {
			t.Fatalf("UnmarshalPayload(%s): %v", p.Type(), err)
		}
		if !reflect.DeepEqual(p, got) {
			t.Fatalf("%s round trip mismatch:\n got %+v\nwant %+v", p.Type(), got, p)
		}
	}
}

func TestStoreForwardBundleRoundTrip(t *testing.T) {
	inner := sampleEnvelope()
	p := &Payload{StoreForwardBundle: &StoreForwardBundle{Envelopes: []*Envelope{inner}}}

	data, err := MarshalPayload(p)
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	got, err := UnmarshalPayload(data)
	if err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if got.StoreForwardBundle == nil || len(got.StoreForwardBundle.Envelopes) != 1 {
		t.Fatalf("bundle not preserved: %+v", got)
	}
	if !reflect.DeepEqual(inner, got.StoreForwardBundle.Envelopes[0]) {
		t.Fatal("embedded envelope mismatch after round trip")
	}
}

func TestPayloadRejectsEmpty(t *testing.T) {
	if _, err := MarshalPayload(&Payload{}); err == nil {
		t.Fatal("expected error marshaling empty payload union")
	}
	if _, err := UnmarshalPayload(nil); err == nil {
		t.Fatal("expected error unmarshaling empty payload bytes")
	}
}

func TestNewEnvelopeDefaults(t *testing.T) {
	env := NewEnvelope(NewEnvelopeInput{
		Type:           MsgDriverHeartbeat,
		SenderDeviceID: "drv-1",
		SenderRole:     RoleDriver,
		TTLMs:          15_000,
	})
	if env.SchemaVersion != SchemaVersion {
		t.Fatalf("schema version = %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if env.MessageID == "" {
		t.Fatal("missing message ID")
	}
	if env.Expired(time.Now()) {
		t.Fatal("fresh envelope reported expired")
	}
	if env.Expired(time.Now().Add(16 * time.Second)) {
		return
	}
	t.Fatal("envelope not expired past its TTL")
}

func TestMessageIDsAreTimeOrdered(t *testing.T) {
	a := NewMessageID()
	time.Sleep(2 * time.Millisecond)
	b := NewMessageID()
	if !(a < b) {
		t.Fatalf("expected lexicographic ordering of v7 IDs: %s >= %s", a, b)
	}
}
