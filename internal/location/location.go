// Package location abstracts where a device's position comes from. Nodes on
// real hardware plug in a GPS-backed provider; fixed installations and tests
// use a static one. Consumers always get an explicit quality marker so a
// stale cached fix is never mistaken for a live one.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emergance/emergance/internal/protocol"
)

// ErrNoFix is returned when no position is available at all.
var ErrNoFix = errors.New("no location fix available")

// Fix is one position sample.
type Fix struct {
	Lat       float64
	Lng       float64
	AccuracyM float64
	At        time.Time
	Quality   protocol.LocationQuality
}

// Coordinate converts the fix to its wire representation.
func (f Fix) Coordinate() protocol.Coordinate {
	return protocol.Coordinate{
		Lat:       f.Lat,
		Lng:       f.Lng,
		AccuracyM: f.AccuracyM,
		FixAtMs:   f.At.UnixMilli(),
		Quality:   f.Quality,
	}
}

// Provider supplies position fixes.
type Provider interface {
	// BestEffortFix returns the freshest fix obtainable before ctx
	// expires, falling back to a cached degraded fix rather than failing
	// when live positioning is slow.
	BestEffortFix(ctx context.Context) (Fix, error)
}

// Static is a provider pinned to one position, for dispatch posts and other
// fixed installations. Every fix it returns is stamped at call time.
type Static struct {
	Lat       float64
	Lng       float64
	AccuracyM float64
	now       func() time.Time
}

// NewStatic builds a fixed-position provider.
func NewStatic(lat, lng, accuracyM float64) *Static {
	return &Static{Lat: lat, Lng: lng, AccuracyM: accuracyM, now: time.Now}
}

// BestEffortFix returns the pinned position as a live fix.
func (s *Static) BestEffortFix(context.Context) (Fix, error) {
	return Fix{
		Lat:       s.Lat,
		Lng:       s.Lng,
		AccuracyM: s.AccuracyM,
		At:        s.now(),
		Quality:   protocol.QualityLive,
	}, nil
}

// Cache wraps a provider and remembers its last good fix. When the inner
// provider fails or times out, the cached fix is returned marked DEGRADED,
// as long as it is younger than maxAge.
type Cache struct {
	inner  Provider
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last *Fix
}

// NewCache wraps inner with a degraded-fallback cache.
func NewCache(inner Provider, maxAge time.Duration) *Cache {
	return &Cache{inner: inner, maxAge: maxAge, now: time.Now}
}

// BestEffortFix prefers a live fix and falls back to the cache.
func (c *Cache) BestEffortFix(ctx context.Context) (Fix, error) {
	fix, err := c.inner.BestEffortFix(ctx)
	if err == nil {
		c.mu.Lock()
		stored := fix
		c.last = &stored
		c.mu.Unlock()
		return fix, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil || c.now().Sub(c.last.At) > c.maxAge {
		return Fix{}, ErrNoFix
	}
	degraded := *c.last
	degraded.Quality = protocol.QualityDegraded
	return degraded, nil
}

// LastCachedFix returns the most recent remembered fix without consulting
// the inner provider, always marked DEGRADED. ErrNoFix when the cache is
// empty or older than maxAge.
func (c *Cache) LastCachedFix() (Fix, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil || c.now().Sub(c.last.At) > c.maxAge {
		return Fix{}, ErrNoFix
	}
	degraded := *c.last
	degraded.Quality = protocol.QualityDegraded
	return degraded, nil
}
