package p2p

import (
	"testing"
	"time"
)

func TestPeerTableTransitions(t *testing.T) {
	tab := newPeerTable()
	now := time.Unix(0, 0)
	steps := []PeerState{PeerDialing, PeerConnectedRelayed, PeerUpgradingToDirect, PeerConnectedDirect, PeerDisconnected, PeerDialing}
	for _, next := range steps {
		if _, err := tab.transition("p", next, now); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	if tab.state("p") != PeerDialing {
		t.Fatalf("expected dialing, got %s", tab.state("p"))
	}
	if changed, err := tab.transition("p", PeerDialing, now); changed || err != nil {
		t.Fatalf("same-state transition must be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestPeerTableRejectsInvalidTransitions(t *testing.T) {
	tab := newPeerTable()
	now := time.Unix(0, 0)
	if _, err := tab.transition("p", PeerUpgradingToDirect, now); err == nil {
		t.Fatal("disconnected peer cannot start upgrading")
	}
	_, _ = tab.transition("p", PeerConnectedDirect, now)
	if _, err := tab.transition("p", PeerDialing, now); err == nil {
		t.Fatal("connected peer cannot go back to dialing")
	}
	if _, err := tab.transition("p", PeerUpgradingToDirect, now); err == nil {
		t.Fatal("direct peer has nothing to upgrade")
	}
}

func TestPeerTableIdle(t *testing.T) {
	tab := newPeerTable()
	t0 := time.Unix(0, 0)
	_, _ = tab.transition("a", PeerConnectedDirect, t0)
	_, _ = tab.transition("b", PeerConnectedRelayed, t0)
	tab.touch("b", t0.Add(time.Minute))
	idle := tab.idle(t0.Add(30 * time.Second))
	if len(idle) != 1 || idle[0] != "a" {
		t.Fatalf("expected only a to be idle, got %v", idle)
	}
	direct, relayed := tab.counts()
	if direct != 1 || relayed != 1 {
		t.Fatalf("unexpected counts direct=%d relayed=%d", direct, relayed)
	}
}
