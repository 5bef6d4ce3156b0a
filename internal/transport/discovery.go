package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// discoveryGroup is the multicast group announcements go to. It is a
	// wire contract shared by every node build, so it is not configurable.
	discoveryGroup = "239.10.10.10:37020"

	// discoveryBroadcast is the subnet broadcast leg, for networks that
	// filter multicast.
	discoveryBroadcast = "255.255.255.255:37020"

	// announceInterval is how often a node announces itself.
	announceInterval = 2 * time.Second

	// maxDatagram bounds an announcement packet.
	maxDatagram = 1024
)

// Announcement is the discovery datagram a node multicasts.
type Announcement struct {
	DeviceID string `json:"deviceId"`
	Role     string `json:"role"`
	TCPPort  int    `json:"tcpPort"`
	SentAtMs int64  `json:"sentAtMs"`
}

// AnnounceFunc receives a parsed announcement and the sender's address.
type AnnounceFunc func(ann Announcement, from net.Addr)

// Discovery multicasts this node's presence and listens for neighbors. It
// feeds the LAN adapter's peer table; losing a few datagrams only delays
// peer discovery by an announce interval.
type Discovery struct {
	self     Announcement
	onPeer   AnnounceFunc
	log      *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery builds the discovery service announcing self.
func NewDiscovery(self Announcement, onPeer AnnounceFunc, log *zap.Logger) *Discovery {
	return &Discovery{self: self, onPeer: onPeer, log: log, interval: announceInterval}
}

// Start joins the multicast group and begins the announce and listen loops.
func (d *Discovery) Start(ctx context.Context) error {
	group, err := net.ResolveUDPAddr("udp4", discoveryGroup)
	if err != nil {
		return fmt.Errorf("resolve discovery group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("join discovery group: %w", err)
	}
	conn.SetReadBuffer(maxDatagram)

	d.mu.Lock()
	d.conn = conn
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(2)
	go d.announceLoop(runCtx, group)
	go d.listenLoop(runCtx, conn)
	return nil
}

// Stop halts both loops.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
	return nil
}

func (d *Discovery) announceLoop(ctx context.Context, group *net.UDPAddr) {
	defer d.wg.Done()

	// Both legs carry the same datagram: multicast for switched LANs,
	// subnet broadcast for access points that filter multicast.
	targets := []*net.UDPAddr{group}
	if bcast, err := net.ResolveUDPAddr("udp4", discoveryBroadcast); err == nil {
		targets = append(targets, bcast)
	}
	var outs []*net.UDPConn
	for _, addr := range targets {
		out, err := net.DialUDP("udp4", nil, addr)
		if err != nil {
			d.log.Warn("discovery announce socket", zap.String("target", addr.String()), zap.Error(err))
			continue
		}
		defer out.Close()
		outs = append(outs, out)
	}
	if len(outs) == 0 {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		payload, err := d.announcement(time.Now())
		if err != nil {
			d.log.Error("marshal announcement", zap.Error(err))
			return
		}
		for _, out := range outs {
			if _, err := out.Write(payload); err != nil {
				d.log.Debug("discovery announce failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// announcement serializes this node's presence stamped at now.
func (d *Discovery) announcement(now time.Time) ([]byte, error) {
	ann := d.self
	ann.SentAtMs = now.UnixMilli()
	return json.Marshal(ann)
}

func (d *Discovery) listenLoop(ctx context.Context, conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.log.Debug("discovery read failed", zap.Error(err))
			continue
		}

		ann, ok := ParseAnnouncement(buf[:n])
		if !ok || ann.DeviceID == d.self.DeviceID {
			continue
		}
		if d.onPeer != nil {
			d.onPeer(ann, from)
		}
	}
}

// ParseAnnouncement decodes a discovery datagram, rejecting malformed or
// incomplete ones.
func ParseAnnouncement(data []byte) (Announcement, bool) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return Announcement{}, false
	}
	if ann.DeviceID == "" || ann.TCPPort <= 0 || ann.TCPPort > 65535 {
		return Announcement{}, false
	}
	return ann, true
}

// PeerAddress combines an announcement's TCP port with the datagram's
// source IP to produce the peer's frame endpoint.
func PeerAddress(ann Announcement, from net.Addr) string {
	host := ""
	if udp, ok := from.(*net.UDPAddr); ok {
		host = udp.IP.String()
	} else if h, _, err := net.SplitHostPort(from.String()); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(ann.TCPPort))
}
