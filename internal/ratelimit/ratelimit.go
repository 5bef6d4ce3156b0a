// Package ratelimit guards the inbound envelope path against a chatty or
// misbehaving peer flooding the mesh.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// PerSender tracks one limiter per device ID. A distressed SOS device may
// legitimately retry hard, so the per-sender budget is generous; the point
// is to shed a runaway peer, not to police normal retry traffic.
type PerSender struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	lastSeen map[string]time.Time
	rate     int
	window   time.Duration
	now      func() time.Time
}

// NewPerSender creates a keyed limiter allowing rate envelopes per window
// for each sender.
func NewPerSender(rate int, window time.Duration) *PerSender {
	return &PerSender{
		limiters: make(map[string]*Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// Allow reports whether the sender is within its budget.
func (p *PerSender) Allow(senderID string) bool {
	p.mu.Lock()
	l, ok := p.limiters[senderID]
	if !ok {
		l = New(p.rate, p.window)
		l.now = p.now
		l.windowStart = p.now()
		p.limiters[senderID] = l
	}
	p.lastSeen[senderID] = p.now()
	p.prune()
	p.mu.Unlock()
	return l.Allow()
}

// prune drops limiters idle for ten windows. Caller holds the lock.
func (p *PerSender) prune() {
	if len(p.limiters) < 1024 {
		return
	}
	cutoff := p.now().Add(-10 * p.window)
	for id, seen := range p.lastSeen {
		if seen.Before(cutoff) {
			delete(p.limiters, id)
			delete(p.lastSeen, id)
		}
	}
}
