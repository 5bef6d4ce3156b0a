package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	nowMs := int64(0)
	l := New(2, 50*time.Millisecond)
	l.now = func() time.Time { return time.UnixMilli(nowMs) }
	l.windowStart = l.now()
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("3rd should be denied")
	}
	nowMs += 60
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestPerSender_IsolatesSenders(t *testing.T) {
	p := NewPerSender(2, time.Minute)
	p.Allow("dev-a")
	p.Allow("dev-a")
	if p.Allow("dev-a") {
		t.Fatal("dev-a over budget should be denied")
	}
	if !p.Allow("dev-b") {
		t.Fatal("dev-b has its own budget")
	}
}

func TestPerSender_RecoversAfterWindow(t *testing.T) {
	nowMs := int64(1_000_000)
	p := NewPerSender(1, time.Second)
	p.now = func() time.Time { return time.UnixMilli(nowMs) }

	if !p.Allow("dev-a") {
		t.Fatal("first envelope should pass")
	}
	if p.Allow("dev-a") {
		t.Fatal("second envelope in window should be denied")
	}
	nowMs += 1_100
	if !p.Allow("dev-a") {
		t.Fatal("envelope after window should pass")
	}
}
