package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire numbers are stable across releases and platforms. Adding a field or a
// payload variant means appending a new number, never renumbering.

var msgTypeToWire = map[MessageType]uint64{
	MsgSosCreate:            1,
	MsgSosReceivedAck:       2,
	MsgDriverHeartbeat:      3,
	MsgAssignmentOffer:      4,
	MsgAssignmentAck:        5,
	MsgAssignmentReject:     6,
	MsgIncidentStatusUpdate: 7,
	MsgPeerHello:            8,
	MsgStoreForwardBundle:   9,
}

var wireToMsgType = map[uint64]MessageType{
	1: MsgSosCreate,
	2: MsgSosReceivedAck,
	3: MsgDriverHeartbeat,
	4: MsgAssignmentOffer,
	5: MsgAssignmentAck,
	6: MsgAssignmentReject,
	7: MsgIncidentStatusUpdate,
	8: MsgPeerHello,
	9: MsgStoreForwardBundle,
}

var roleToWire = map[Role]uint64{
	RoleSOS:      1,
	RoleDriver:   2,
	RoleDispatch: 3,
	RoleRelay:    4,
}

var wireToRole = map[uint64]Role{
	1: RoleSOS,
	2: RoleDriver,
	3: RoleDispatch,
	4: RoleRelay,
}

var statusToWire = map[IncidentStatus]uint64{
	IncidentPendingNetwork:  1,
	IncidentReceived:        2,
	IncidentAssigned:        3,
	IncidentResolved:        4,
	IncidentCancelled:       5,
	IncidentUnassignedRetry: 6,
}

var wireToStatus = map[uint64]IncidentStatus{
	1: IncidentPendingNetwork,
	2: IncidentReceived,
	3: IncidentAssigned,
	4: IncidentResolved,
	5: IncidentCancelled,
	6: IncidentUnassignedRetry,
}

var qualityToWire = map[LocationQuality]uint64{
	QualityLive:     1,
	QualityDegraded: 2,
}

var wireToQuality = map[uint64]LocationQuality{
	1: QualityLive,
	2: QualityDegraded,
}

var transportToWire = map[TransportKind]uint64{
	TransportLAN:        1,
	TransportWifiDirect: 2,
	TransportBLE:        3,
}

var wireToTransport = map[uint64]TransportKind{
	1: TransportLAN,
	2: TransportWifiDirect,
	3: TransportBLE,
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// MarshalEnvelope encodes an envelope. Zero-valued fields are omitted, which
// makes the encoding canonical: the same envelope always yields the same
// bytes, a prerequisite for detached signatures.
func MarshalEnvelope(e *Envelope) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.SchemaVersion))
	b = appendStringField(b, 2, e.MessageID)
	b = appendStringField(b, 3, e.IncidentID)
	b = appendVarintField(b, 4, msgTypeToWire[e.Type])
	b = appendStringField(b, 5, e.SenderDeviceID)
	b = appendVarintField(b, 6, roleToWire[e.SenderRole])
	b = appendVarintField(b, 7, uint64(e.CreatedAtMs))
	b = appendVarintField(b, 8, uint64(e.TTLMs))
	b = appendVarintField(b, 9, uint64(e.HopCount))
	b = appendBoolField(b, 10, e.AckRequired)
	b = appendBytesField(b, 11, e.Nonce)
	b = appendBytesField(b, 12, e.Ciphertext)
	b = appendBytesField(b, 13, e.Signature)
	b = appendBytesField(b, 14, e.KeyID)
	b = appendBytesField(b, 15, e.RequiredAckFor)
	return b
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped so newer
// peers can add fields without breaking older ones.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: schema version: %w", protowire.ParseError(n))
			}
			e.SchemaVersion = int32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: message id: %w", protowire.ParseError(n))
			}
			e.MessageID = v
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: incident id: %w", protowire.ParseError(n))
			}
			e.IncidentID = v
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: type: %w", protowire.ParseError(n))
			}
			t, ok := wireToMsgType[v]
			if !ok {
				return nil, fmt.Errorf("envelope: unknown message type %d", v)
			}
			e.Type = t
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: sender device id: %w", protowire.ParseError(n))
			}
			e.SenderDeviceID = v
			data = data[n:]
		case 6:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: sender role: %w", protowire.ParseError(n))
			}
			r, ok := wireToRole[v]
			if !ok {
				return nil, fmt.Errorf("envelope: unknown sender role %d", v)
			}
			e.SenderRole = r
			data = data[n:]
		case 7:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: created at: %w", protowire.ParseError(n))
			}
			e.CreatedAtMs = int64(v)
			data = data[n:]
		case 8:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: ttl: %w", protowire.ParseError(n))
			}
			e.TTLMs = int64(v)
			data = data[n:]
		case 9:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: hop count: %w", protowire.ParseError(n))
			}
			e.HopCount = int32(v)
			data = data[n:]
		case 10:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: ack required: %w", protowire.ParseError(n))
			}
			e.AckRequired = v != 0
			data = data[n:]
		case 11:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: nonce: %w", protowire.ParseError(n))
			}
			e.Nonce = append([]byte(nil), v...)
			data = data[n:]
		case 12:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: ciphertext: %w", protowire.ParseError(n))
			}
			e.Ciphertext = append([]byte(nil), v...)
			data = data[n:]
		case 13:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: signature: %w", protowire.ParseError(n))
			}
			e.Signature = append([]byte(nil), v...)
			data = data[n:]
		case 14:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: key id: %w", protowire.ParseError(n))
			}
			e.KeyID = append([]byte(nil), v...)
			data = data[n:]
		case 15:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: required ack for: %w", protowire.ParseError(n))
			}
			e.RequiredAckFor = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope: missing message type")
	}
	return e, nil
}

func marshalCoordinate(c Coordinate) []byte {
	var b []byte
	b = appendDoubleField(b, 1, c.Lat)
	b = appendDoubleField(b, 2, c.Lng)
	b = appendDoubleField(b, 3, c.AccuracyM)
	b = appendVarintField(b, 4, uint64(c.FixAtMs))
	b = appendVarintField(b, 5, qualityToWire[c.Quality])
	return b
}

func unmarshalCoordinate(data []byte) (Coordinate, error) {
	var c Coordinate
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("coordinate: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1, 2, 3:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return c, fmt.Errorf("coordinate: field %d: %w", num, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			switch num {
			case 1:
				c.Lat = f
			case 2:
				c.Lng = f
			case 3:
				c.AccuracyM = f
			}
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("coordinate: fix at: %w", protowire.ParseError(n))
			}
			c.FixAtMs = int64(v)
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("coordinate: quality: %w", protowire.ParseError(n))
			}
			c.Quality = wireToQuality[v]
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("coordinate: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

// MarshalPayload encodes the payload union. The populated variant is written
// as a length-delimited submessage under its message-type wire number.
func MarshalPayload(p *Payload) ([]byte, error) {
	var b []byte
	switch {
	case p.SosCreate != nil:
		m := p.SosCreate
		var sub []byte
		sub = appendStringField(sub, 1, m.IncidentID)
		sub = appendBytesField(sub, 2, marshalCoordinate(m.Coordinate))
		sub = appendVarintField(sub, 3, uint64(m.ClientCreatedAtMs))
		sub = appendStringField(sub, 4, m.Notes)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.SosReceivedAck != nil:
		m := p.SosReceivedAck
		var sub []byte
		sub = appendStringField(sub, 1, m.MessageID)
		sub = appendStringField(sub, 2, m.IncidentID)
		sub = appendVarintField(sub, 3, uint64(m.ReceivedAtMs))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.DriverHeartbeat != nil:
		m := p.DriverHeartbeat
		var sub []byte
		sub = appendStringField(sub, 1, m.DeviceID)
		sub = appendBoolField(sub, 2, m.OnDuty)
		sub = appendBoolField(sub, 3, m.Available)
		sub = appendBytesField(sub, 4, marshalCoordinate(m.Coordinate))
		sub = appendVarintField(sub, 5, uint64(m.BatteryPct))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.AssignmentOffer != nil:
		m := p.AssignmentOffer
		var sub []byte
		sub = appendStringField(sub, 1, m.AssignmentID)
		sub = appendStringField(sub, 2, m.IncidentID)
		sub = appendStringField(sub, 3, m.DriverDeviceID)
		sub = appendBytesField(sub, 4, marshalCoordinate(m.IncidentCoordinate))
		sub = appendVarintField(sub, 5, uint64(m.AckDeadlineMs))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.AssignmentAck != nil:
		m := p.AssignmentAck
		var sub []byte
		sub = appendStringField(sub, 1, m.AssignmentID)
		sub = appendStringField(sub, 2, m.IncidentID)
		sub = appendStringField(sub, 3, m.DriverDeviceID)
		sub = appendVarintField(sub, 4, uint64(m.AckAtMs))
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.AssignmentReject != nil:
		m := p.AssignmentReject
		var sub []byte
		sub = appendStringField(sub, 1, m.AssignmentID)
		sub = appendStringField(sub, 2, m.IncidentID)
		sub = appendStringField(sub, 3, m.DriverDeviceID)
		sub = appendStringField(sub, 4, m.Reason)
		sub = appendVarintField(sub, 5, uint64(m.RejectedAtMs))
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.IncidentStatusUpdate != nil:
		m := p.IncidentStatusUpdate
		var sub []byte
		sub = appendStringField(sub, 1, m.IncidentID)
		sub = appendVarintField(sub, 2, statusToWire[m.Status])
		sub = appendStringField(sub, 3, m.AssignedDriverID)
		sub = appendVarintField(sub, 4, uint64(m.UpdatedAtMs))
		sub = appendStringField(sub, 5, m.Reason)
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.PeerHello != nil:
		m := p.PeerHello
		var sub []byte
		sub = appendStringField(sub, 1, m.DeviceID)
		sub = appendVarintField(sub, 2, roleToWire[m.Role])
		for _, tk := range m.Transports {
			sub = protowire.AppendTag(sub, 3, protowire.VarintType)
			sub = protowire.AppendVarint(sub, transportToWire[tk])
		}
		sub = appendVarintField(sub, 4, uint64(m.SentAtMs))
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case p.StoreForwardBundle != nil:
		m := p.StoreForwardBundle
		var sub []byte
		for _, env := range m.Envelopes {
			sub = protowire.AppendTag(sub, 1, protowire.BytesType)
			sub = protowire.AppendBytes(sub, MarshalEnvelope(env))
		}
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	default:
		return nil, fmt.Errorf("payload: no variant set")
	}
	return b, nil
}

// UnmarshalPayload decodes the payload union.
func UnmarshalPayload(data []byte) (*Payload, error) {
	p := &Payload{}
	seen := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("payload: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("payload: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		sub, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("payload: field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		var err error
		switch num {
		case 1:
			p.SosCreate, err = unmarshalSosCreate(sub)
		case 2:
			p.SosReceivedAck, err = unmarshalSosReceivedAck(sub)
		case 3:
			p.DriverHeartbeat, err = unmarshalDriverHeartbeat(sub)
		case 4:
			p.AssignmentOffer, err = unmarshalAssignmentOffer(sub)
		case 5:
			p.AssignmentAck, err = unmarshalAssignmentAck(sub)
		case 6:
			p.AssignmentReject, err = unmarshalAssignmentReject(sub)
		case 7:
			p.IncidentStatusUpdate, err = unmarshalIncidentStatusUpdate(sub)
		case 8:
			p.PeerHello, err = unmarshalPeerHello(sub)
		case 9:
			p.StoreForwardBundle, err = unmarshalStoreForwardBundle(sub)
		default:
			continue // unknown variant from a newer peer
		}
		if err != nil {
			return nil, err
		}
		seen = true
	}
	if !seen {
		return nil, fmt.Errorf("payload: no variant present")
	}
	return p, nil
}

type fieldHandler func(num protowire.Number, typ protowire.Type, data []byte) (int, error)

// walkFields iterates over the fields of a length-delimited message, calling
// handle for each. handle returns the number of bytes it consumed.
func walkFields(msg string, data []byte, handle fieldHandler) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%s: bad tag: %w", msg, protowire.ParseError(n))
		}
		data = data[n:]

		consumed, err := handle(num, typ, data)
		if err != nil {
			return fmt.Errorf("%s: %w", msg, err)
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return fmt.Errorf("%s: field %d: %w", msg, num, protowire.ParseError(consumed))
			}
		}
		data = data[consumed:]
	}
	return nil
}

func consumeString(data []byte) (string, int, error) {
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func unmarshalSosCreate(data []byte) (*SosCreate, error) {
	m := &SosCreate{}
	err := walkFields("sos_create", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 2:
			v, n, err := consumeBytes(d)
			if err != nil {
				return 0, err
			}
			m.Coordinate, err = unmarshalCoordinate(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(d)
			m.ClientCreatedAtMs = int64(v)
			return n, err
		case 4:
			v, n, err := consumeString(d)
			m.Notes = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalSosReceivedAck(data []byte) (*SosReceivedAck, error) {
	m := &SosReceivedAck{}
	err := walkFields("sos_received_ack", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.MessageID = v
			return n, err
		case 2:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 3:
			v, n, err := consumeVarint(d)
			m.ReceivedAtMs = int64(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalDriverHeartbeat(data []byte) (*DriverHeartbeat, error) {
	m := &DriverHeartbeat{}
	err := walkFields("driver_heartbeat", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.DeviceID = v
			return n, err
		case 2:
			v, n, err := consumeVarint(d)
			m.OnDuty = v != 0
			return n, err
		case 3:
			v, n, err := consumeVarint(d)
			m.Available = v != 0
			return n, err
		case 4:
			v, n, err := consumeBytes(d)
			if err != nil {
				return 0, err
			}
			m.Coordinate, err = unmarshalCoordinate(v)
			return n, err
		case 5:
			v, n, err := consumeVarint(d)
			m.BatteryPct = int32(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalAssignmentOffer(data []byte) (*AssignmentOffer, error) {
	m := &AssignmentOffer{}
	err := walkFields("assignment_offer", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.AssignmentID = v
			return n, err
		case 2:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 3:
			v, n, err := consumeString(d)
			m.DriverDeviceID = v
			return n, err
		case 4:
			v, n, err := consumeBytes(d)
			if err != nil {
				return 0, err
			}
			m.IncidentCoordinate, err = unmarshalCoordinate(v)
			return n, err
		case 5:
			v, n, err := consumeVarint(d)
			m.AckDeadlineMs = int64(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalAssignmentAck(data []byte) (*AssignmentAck, error) {
	m := &AssignmentAck{}
	err := walkFields("assignment_ack", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.AssignmentID = v
			return n, err
		case 2:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 3:
			v, n, err := consumeString(d)
			m.DriverDeviceID = v
			return n, err
		case 4:
			v, n, err := consumeVarint(d)
			m.AckAtMs = int64(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalAssignmentReject(data []byte) (*AssignmentReject, error) {
	m := &AssignmentReject{}
	err := walkFields("assignment_reject", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.AssignmentID = v
			return n, err
		case 2:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 3:
			v, n, err := consumeString(d)
			m.DriverDeviceID = v
			return n, err
		case 4:
			v, n, err := consumeString(d)
			m.Reason = v
			return n, err
		case 5:
			v, n, err := consumeVarint(d)
			m.RejectedAtMs = int64(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalIncidentStatusUpdate(data []byte) (*IncidentStatusUpdate, error) {
	m := &IncidentStatusUpdate{}
	err := walkFields("incident_status_update", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.IncidentID = v
			return n, err
		case 2:
			v, n, err := consumeVarint(d)
			if err != nil {
				return 0, err
			}
			s, ok := wireToStatus[v]
			if !ok {
				return 0, fmt.Errorf("unknown incident status %d", v)
			}
			m.Status = s
			return n, nil
		case 3:
			v, n, err := consumeString(d)
			m.AssignedDriverID = v
			return n, err
		case 4:
			v, n, err := consumeVarint(d)
			m.UpdatedAtMs = int64(v)
			return n, err
		case 5:
			v, n, err := consumeString(d)
			m.Reason = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalPeerHello(data []byte) (*PeerHello, error) {
	m := &PeerHello{}
	err := walkFields("peer_hello", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(d)
			m.DeviceID = v
			return n, err
		case 2:
			v, n, err := consumeVarint(d)
			if err != nil {
				return 0, err
			}
			m.Role = wireToRole[v]
			return n, nil
		case 3:
			v, n, err := consumeVarint(d)
			if err != nil {
				return 0, err
			}
			if tk, ok := wireToTransport[v]; ok {
				m.Transports = append(m.Transports, tk)
			}
			return n, nil
		case 4:
			v, n, err := consumeVarint(d)
			m.SentAtMs = int64(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStoreForwardBundle(data []byte) (*StoreForwardBundle, error) {
	m := &StoreForwardBundle{}
	err := walkFields("store_forward_bundle", data, func(num protowire.Number, typ protowire.Type, d []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeBytes(d)
			if err != nil {
				return 0, err
			}
			env, err := UnmarshalEnvelope(v)
			if err != nil {
				return 0, err
			}
			m.Envelopes = append(m.Envelopes, env)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
