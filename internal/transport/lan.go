package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/protocol"
)

const (
	// peerStaleAfter is how long a LAN peer stays in the table without a
	// discovery announcement or inbound traffic.
	peerStaleAfter = 15 * time.Second

	// dialTimeout bounds connection setup to a peer.
	dialTimeout = 3 * time.Second

	// writeTimeout bounds delivery of one frame.
	writeTimeout = 5 * time.Second

	// readTimeout bounds how long an accepted connection may take to
	// deliver its frame.
	readTimeout = 10 * time.Second
)

// LANAdapter exchanges envelope frames over TCP. Connections are
// single-message: the sender dials, writes one length-prefixed frame, and
// closes. Peers are learned from UDP discovery announcements and refreshed
// by inbound traffic.
type LANAdapter struct {
	deviceID string
	listen   string
	inbound  InboundFunc
	log      *zap.Logger

	mu       sync.RWMutex
	peers    map[string]Peer
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewLANAdapter builds the TCP adapter. listen is the host:port to accept
// frames on; inbound receives every frame read from a peer.
func NewLANAdapter(deviceID, listen string, inbound InboundFunc, log *zap.Logger) *LANAdapter {
	return &LANAdapter{
		deviceID: deviceID,
		listen:   listen,
		inbound:  inbound,
		log:      log,
		peers:    make(map[string]Peer),
		now:      time.Now,
	}
}

// Kind identifies this adapter as the LAN transport.
func (a *LANAdapter) Kind() protocol.TransportKind { return protocol.TransportLAN }

// Start begins accepting frames.
func (a *LANAdapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.listen, err)
	}
	a.mu.Lock()
	a.listener = ln
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(runCtx, ln)
	a.log.Info("lan adapter listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (a *LANAdapter) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	ln := a.listener
	a.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	a.wg.Wait()
	return nil
}

// Addr returns the bound listen address, usable once Start has returned.
func (a *LANAdapter) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *LANAdapter) acceptLoop(ctx context.Context, ln net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			a.log.Warn("accept failed", zap.Error(err))
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(conn)
		}()
	}
}

func (a *LANAdapter) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(a.now().Add(readTimeout))

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		a.log.Debug("bad inbound frame", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	from := Peer{
		Address:  conn.RemoteAddr().String(),
		Kind:     protocol.TransportLAN,
		LastSeen: a.now(),
	}
	if a.inbound != nil {
		a.inbound(frame, from)
	}
}

// Peers returns LAN peers seen within the staleness window.
func (a *LANAdapter) Peers() []Peer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cutoff := a.now().Add(-peerStaleAfter)
	var out []Peer
	for _, p := range a.peers {
		if p.LastSeen.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// AddPeer records or refreshes a peer, typically from a discovery
// announcement. A node never peers with itself.
func (a *LANAdapter) AddPeer(deviceID, address, role string) {
	if deviceID == "" || deviceID == a.deviceID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[deviceID] = Peer{
		DeviceID: deviceID,
		Address:  address,
		Kind:     protocol.TransportLAN,
		Role:     role,
		LastSeen: a.now(),
	}
}

// Send dials the peer, writes one frame, and closes. Failures isolate to
// the one peer; the caller decides whether to retry.
func (a *LANAdapter) Send(ctx context.Context, peer Peer, frame []byte) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer.Address, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(a.now().Add(writeTimeout))
	if err := protocol.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("write frame to %s: %w", peer.Address, err)
	}
	return nil
}
