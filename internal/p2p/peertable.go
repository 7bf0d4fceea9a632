package p2p

import (
	"fmt"
	"time"
)

type PeerState string

const (
	PeerDisconnected      PeerState = "disconnected"
	PeerDialing           PeerState = "dialing"
	PeerConnectedDirect   PeerState = "connected_direct"
	PeerConnectedRelayed  PeerState = "connected_relayed"
	PeerUpgradingToDirect PeerState = "upgrading_to_direct"
)

func (s PeerState) Connected() bool {
	return s == PeerConnectedDirect || s == PeerConnectedRelayed || s == PeerUpgradingToDirect
}

// Disconnected to Connected covers connections the remote side opened.
var peerTransitions = map[PeerState][]PeerState{
	PeerDisconnected:      {PeerDialing, PeerConnectedDirect, PeerConnectedRelayed},
	PeerDialing:           {PeerConnectedDirect, PeerConnectedRelayed, PeerDisconnected},
	PeerConnectedRelayed:  {PeerUpgradingToDirect, PeerConnectedDirect, PeerDisconnected},
	PeerUpgradingToDirect: {PeerConnectedDirect, PeerConnectedRelayed, PeerDisconnected},
	PeerConnectedDirect:   {PeerConnectedRelayed, PeerDisconnected},
}

type peerRecord struct {
	state      PeerState
	since      time.Time
	lastActive time.Time
}

// peerTable tracks the connection state machine of every remote peer. Owned by the
// service loop.
type peerTable struct {
	byPeer map[string]*peerRecord
}

func newPeerTable() *peerTable {
	return &peerTable{byPeer: make(map[string]*peerRecord)}
}

func (t *peerTable) state(peerID string) PeerState {
	if r, ok := t.byPeer[peerID]; ok {
		return r.state
	}
	return PeerDisconnected
}

func (t *peerTable) known(peerID string) bool {
	_, ok := t.byPeer[peerID]
	return ok
}

// transition moves peerID to next. Moving to the current state is a no-op.
func (t *peerTable) transition(peerID string, next PeerState, now time.Time) (bool, error) {
	r, ok := t.byPeer[peerID]
	if !ok {
		r = &peerRecord{state: PeerDisconnected, since: now}
		t.byPeer[peerID] = r
	}
	if r.state == next {
		return false, nil
	}
	if !transitionAllowed(r.state, next) {
		return false, fmt.Errorf("invalid peer transition %s -> %s", r.state, next)
	}
	r.state = next
	r.since = now
	if next.Connected() {
		r.lastActive = now
	}
	return true, nil
}

func transitionAllowed(from, to PeerState) bool {
	for _, s := range peerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *peerTable) touch(peerID string, now time.Time) {
	if r, ok := t.byPeer[peerID]; ok {
		r.lastActive = now
	}
}

// idle lists connected peers with no activity since cutoff.
func (t *peerTable) idle(cutoff time.Time) []string {
	var out []string
	for id, r := range t.byPeer {
		if r.state.Connected() && r.lastActive.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (t *peerTable) counts() (direct, relayed int) {
	for _, r := range t.byPeer {
		switch r.state {
		case PeerConnectedDirect:
			direct++
		case PeerConnectedRelayed, PeerUpgradingToDirect:
			relayed++
		}
	}
	return direct, relayed
}
