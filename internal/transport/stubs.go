package transport

import (
	"context"

	"github.com/emergance/emergance/internal/protocol"
)

// stubAdapter fills a transport slot whose radio has no implementation on
// this platform. It starts cleanly, reports no peers, and refuses sends, so
// the manager's preference order works unchanged when the real adapter
// lands.
type stubAdapter struct {
	kind protocol.TransportKind
}

// NewWifiDirectAdapter returns the Wi-Fi Direct transport slot.
func NewWifiDirectAdapter() Adapter {
	return &stubAdapter{kind: protocol.TransportWifiDirect}
}

// NewBLEAdapter returns the BLE transport slot.
func NewBLEAdapter() Adapter {
	return &stubAdapter{kind: protocol.TransportBLE}
}

func (s *stubAdapter) Kind() protocol.TransportKind { return s.kind }

func (s *stubAdapter) Start(context.Context) error { return ErrAdapterUnavailable }

func (s *stubAdapter) Stop() error { return nil }

func (s *stubAdapter) Peers() []Peer { return nil }

func (s *stubAdapter) Send(context.Context, Peer, []byte) error {
	return ErrAdapterUnavailable
}
