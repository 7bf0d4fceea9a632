package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowPerPeerAndProtocol(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(100, 0)
	dm := Key{Peer: "a", Protocol: "dm"}

	if !l.Allow(dm, now) || !l.Allow(dm, now) {
		t.Fatal("burst should be allowed")
	}
	if l.Allow(dm, now) {
		t.Fatal("third request inside the same instant should be denied")
	}
	if !l.Allow(Key{Peer: "a", Protocol: "media"}, now) {
		t.Fatal("other protocol of the same peer has its own bucket")
	}
	if !l.Allow(Key{Peer: "b", Protocol: "dm"}, now) {
		t.Fatal("other peer has its own bucket")
	}
	if !l.Allow(dm, now.Add(time.Second)) {
		t.Fatal("bucket should refill over time")
	}
	if l.Denied() != 1 {
		t.Fatalf("expected 1 denial, got %d", l.Denied())
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *MapLimiter
	if New(0, 1, 0) != nil {
		t.Fatal("expected nil limiter for zero rate")
	}
	if !l.Allow(Key{Peer: "a"}, time.Now()) {
		t.Fatal("nil limiter must allow")
	}
}

func TestIdleEntriesAreSwept(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(0, 0)
	l.Allow(Key{Peer: "idle", Protocol: "dm"}, start)
	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow(Key{Peer: "busy", Protocol: "dm"}, later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected idle entry to be evicted, have %d entries", l.Len())
	}
}
