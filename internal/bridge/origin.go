package bridge

import (
	"fmt"
	"sync"
	"time"
)

// Philippine service-area bounding box. Pings outside it are operator input
// errors (swapped lat/lng, degrees-minutes confusion) and are rejected.
const (
	boundsWest  = 112.1661
	boundsSouth = 4.382696
	boundsEast  = 127.0742
	boundsNorth = 21.53021
)

const (
	// maxOriginPings caps the retained ping list.
	maxOriginPings = 64

	// originPingTTL is how long a ping stays on the map.
	originPingTTL = 24 * time.Hour
)

// OriginPing is an operator-placed map marker for where a report or call
// came from.
type OriginPing struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Label  string  `json:"label,omitempty"`
	AtMs   int64   `json:"atMs"`
	Source string  `json:"source,omitempty"`
}

// originPings is a bounded, TTL-pruned in-memory ping list. Pings are UI
// annotations, not dispatch state, so they are deliberately not persisted.
type originPings struct {
	mu    sync.Mutex
	pings []OriginPing
	now   func() time.Time
}

func newOriginPings(now func() time.Time) *originPings {
	return &originPings{now: now}
}

func (o *originPings) add(p OriginPing) error {
	if p.Lng < boundsWest || p.Lng > boundsEast || p.Lat < boundsSouth || p.Lat > boundsNorth {
		return fmt.Errorf("ping (%.4f, %.4f) outside service area", p.Lat, p.Lng)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	p.AtMs = o.now().UnixMilli()
	o.pings = append(o.pings, p)
	o.prune()
	return nil
}

func (o *originPings) list() []OriginPing {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prune()
	out := make([]OriginPing, len(o.pings))
	copy(out, o.pings)
	return out
}

// prune drops expired pings and trims to the cap, oldest first. Caller
// holds the lock.
func (o *originPings) prune() {
	cutoff := o.now().Add(-originPingTTL).UnixMilli()
	kept := o.pings[:0]
	for _, p := range o.pings {
		if p.AtMs > cutoff {
			kept = append(kept, p)
		}
	}
	if len(kept) > maxOriginPings {
		kept = kept[len(kept)-maxOriginPings:]
	}
	o.pings = kept
}
