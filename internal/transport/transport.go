// Package transport moves signed envelope frames between nearby devices. A
// Manager multiplexes pluggable adapters in a fixed preference order (LAN,
// then Wi-Fi Direct, then BLE); the LAN adapter is the only one with a real
// radio today, the others satisfy the adapter contract so higher layers are
// already written against the multi-transport shape.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/protocol"
)

// ErrAdapterUnavailable is returned by adapters whose radio is not
// implemented or not currently usable.
var ErrAdapterUnavailable = errors.New("transport adapter unavailable")

// ErrNoPeers is returned when a send had nobody to deliver to.
var ErrNoPeers = errors.New("no reachable peers")

// Peer is a reachable neighbor as seen by one adapter.
type Peer struct {
	DeviceID string
	Address  string
	Kind     protocol.TransportKind
	Role     string
	LastSeen time.Time
}

// InboundFunc receives a raw envelope frame from a peer.
type InboundFunc func(frame []byte, from Peer)

// Adapter is one physical transport.
type Adapter interface {
	Kind() protocol.TransportKind
	Start(ctx context.Context) error
	Stop() error
	Peers() []Peer
	// Send delivers one frame to one peer over a short-lived connection.
	Send(ctx context.Context, peer Peer, frame []byte) error
}

// Manager fans envelope frames out across adapters.
type Manager struct {
	adapters []Adapter
	log      *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewManager builds a manager over adapters in preference order.
func NewManager(log *zap.Logger, adapters ...Adapter) *Manager {
	return &Manager{adapters: adapters, log: log}
}

// Start brings up every adapter. An adapter that reports itself unavailable
// is skipped rather than fatal; a mesh node should run with whatever radios
// it has.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	for _, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			if errors.Is(err, ErrAdapterUnavailable) {
				m.log.Info("transport adapter unavailable", zap.String("kind", string(a.Kind())))
				continue
			}
			return fmt.Errorf("start %s adapter: %w", a.Kind(), err)
		}
	}
	m.started = true
	return nil
}

// Stop shuts down every adapter.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, a := range m.adapters {
		if err := a.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.started = false
	return firstErr
}

// Peers returns the union of every adapter's peer table, deduplicated by
// device ID. The first adapter to report a device wins, so the preference
// order decides which transport a peer is reached on.
func (m *Manager) Peers() []Peer {
	seen := make(map[string]bool)
	var out []Peer
	for _, a := range m.adapters {
		for _, p := range a.Peers() {
			if seen[p.DeviceID] {
				continue
			}
			seen[p.DeviceID] = true
			out = append(out, p)
		}
	}
	return out
}

// Broadcast sends a frame to every known peer. It succeeds when at least one
// peer accepted the frame; per-peer failures are logged and absorbed because
// partial reach is the normal state of a partitioned mesh.
func (m *Manager) Broadcast(ctx context.Context, frame []byte) error {
	peers := m.Peers()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	delivered := 0
	for _, p := range peers {
		if err := m.sendToPeer(ctx, p, frame); err != nil {
			m.log.Debug("broadcast send failed",
				zap.String("peer", p.DeviceID),
				zap.String("kind", string(p.Kind)),
				zap.Error(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("broadcast reached 0 of %d peers", len(peers))
	}
	return nil
}

// SendTo delivers a frame to one device, trying adapters in preference
// order until one that knows the device succeeds.
func (m *Manager) SendTo(ctx context.Context, deviceID string, frame []byte) error {
	var lastErr error
	for _, a := range m.adapters {
		for _, p := range a.Peers() {
			if p.DeviceID != deviceID {
				continue
			}
			if err := a.Send(ctx, p, frame); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("send to %s: %w", deviceID, lastErr)
	}
	return fmt.Errorf("send to %s: %w", deviceID, ErrNoPeers)
}

func (m *Manager) sendToPeer(ctx context.Context, p Peer, frame []byte) error {
	for _, a := range m.adapters {
		if a.Kind() == p.Kind {
			return a.Send(ctx, p, frame)
		}
	}
	return ErrAdapterUnavailable
}
