package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/store"
)

const (
	flushInterval     = 500 * time.Millisecond
	reconcileInterval = time.Second
	heartbeatInterval = 5 * time.Second
	peerSnapInterval  = 2 * time.Second
)

// Run drives the periodic loops until ctx is cancelled: outbox flushes,
// assignment reconciliation, driver heartbeats, and peer snapshots. Each
// task gets its own goroutine so an outbox flush blocked on an unreachable
// peer's dial timeout cannot hold up reconciliation or heartbeats; a task
// is still serial with itself.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	every := func(interval time.Duration, task func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					task()
				}
			}
		}()
	}

	every(flushInterval, func() { s.flushOutbox(ctx) })
	every(reconcileInterval, s.reconcile)
	every(heartbeatInterval, s.sendHeartbeat)
	every(peerSnapInterval, s.snapshotPeers)
	wg.Wait()
}

// flushOutbox runs one delivery pass over the durable queue.
func (s *Service) flushOutbox(ctx context.Context) {
	res, err := s.queue.Flush(func(entry *store.OutboxEntry) error {
		var err error
		if entry.TargetDevice != "" {
			err = s.net.SendTo(ctx, entry.TargetDevice, entry.Envelope)
		} else {
			err = s.net.Broadcast(ctx, entry.Envelope)
		}
		if err == nil {
			s.mx.EnvelopesSent.WithLabelValues(entry.Type).Inc()
		}
		return err
	})
	if err != nil {
		s.log.Error("outbox flush failed", zap.Error(err))
		return
	}
	if res.Expired > 0 {
		s.mx.OutboxExpired.Add(float64(res.Expired))
	}
	if depth, err := s.queue.Depth(); err == nil {
		s.mx.OutboxDepth.Set(float64(depth))
	}
}

// reconcile sweeps timed-out offers and re-offers parked incidents. Dispatch
// role only; other roles have nothing to reconcile.
func (s *Service) reconcile() {
	if s.role != protocol.RoleDispatch {
		return
	}
	nowMs := s.now().UnixMilli()

	expired, err := s.db.ExpireTimedOutAssignments(nowMs)
	if err != nil {
		s.log.Error("assignment timeout sweep failed", zap.Error(err))
		return
	}
	for _, a := range expired {
		s.mx.AssignmentResults.WithLabelValues("timed_out").Inc()
		s.log.Info("assignment timed out",
			zap.String("assignment", a.ID),
			zap.String("incident", a.IncidentID),
			zap.String("driver", a.ResponderID))
		s.events.publish(Event{Kind: EventIncident, IncidentID: a.IncidentID, AtMs: nowMs})
	}

	retries, err := s.db.ListRetryIncidents(nowMs, retryDebounceMs)
	if err != nil {
		s.log.Error("retry incident scan failed", zap.Error(err))
		return
	}
	for _, inc := range retries {
		s.tryAssign(inc.ID)
	}

	if incidents, err := s.db.ListIncidents(); err == nil {
		open := 0
		for _, inc := range incidents {
			if !inc.Status.Terminal() {
				open++
			}
		}
		s.mx.IncidentsOpen.Set(float64(open))
	}
}

// sendHeartbeat publishes this driver's presence. Only on-duty driver nodes
// emit heartbeats; everyone else stays quiet on this channel.
func (s *Service) sendHeartbeat() {
	if s.role != protocol.RoleDriver {
		return
	}
	s.mu.Lock()
	onDuty := s.onDuty
	battery := s.battery
	pendingOffers := len(s.offers)
	s.mu.Unlock()
	if !onDuty {
		return
	}

	fix, err := s.loc.BestEffortFix(context.Background())
	if err != nil {
		s.log.Warn("heartbeat skipped, no location fix", zap.Error(err))
		return
	}

	hb := &protocol.Payload{DriverHeartbeat: &protocol.DriverHeartbeat{
		DeviceID:   s.DeviceID(),
		OnDuty:     onDuty,
		Available:  pendingOffers == 0,
		Coordinate: fix.Coordinate(),
		BatteryPct: int32(battery),
	}}
	if _, err := s.SendSecure(hb, "", "", ""); err != nil {
		s.log.Warn("queue heartbeat failed", zap.Error(err))
	}
}

// snapshotPeers persists the transport view so the bridge and post-incident
// review can see who was reachable when.
func (s *Service) snapshotPeers() {
	peers := s.net.Peers()
	s.mx.PeersVisible.Set(float64(len(peers)))
	nowMs := s.now().UnixMilli()
	for _, p := range peers {
		if p.DeviceID == "" {
			continue
		}
		if err := s.db.UpsertPeer(&store.Peer{
			DeviceID:     p.DeviceID,
			Address:      p.Address,
			Transport:    string(p.Kind),
			Role:         p.Role,
			LastSeenAtMs: nowMs,
		}); err != nil {
			s.log.Warn("peer snapshot failed", zap.Error(err))
		}
	}
}
