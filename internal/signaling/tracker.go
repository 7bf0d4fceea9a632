// Package signaling enforces per-session ordering of call negotiation messages. The
// tracker is not safe for concurrent use; the network service loop owns it.
package signaling

import (
	"fmt"
	"time"

	"ardents/p2pcore/internal/protocol"
)

type State string

const (
	StateOffered  State = "offered"
	StateAnswered State = "answered"
	StateEnded    State = "ended"
)

const DefaultEndedRetention = 10 * time.Minute

type sessionKey struct {
	remote    string
	sessionID string
}

type session struct {
	state   State
	updated time.Time
}

type Tracker struct {
	sessions       map[sessionKey]*session
	endedRetention time.Duration
	now            func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions:       make(map[sessionKey]*session),
		endedRetention: DefaultEndedRetention,
		now:            time.Now,
	}
}

// Apply advances the session shared with remote. Both directions of a call use the
// same key, so outbound and inbound messages go through one tracker.
func (t *Tracker) Apply(remote string, sessionID string, typ protocol.SignalType) (State, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: missing session id", protocol.ErrInvalidSessionState)
	}
	key := sessionKey{remote: remote, sessionID: sessionID}
	s := t.sessions[key]
	now := t.now()

	switch typ {
	case protocol.SignalOffer:
		if s != nil {
			return s.state, fmt.Errorf("%w: duplicate offer in state %s", protocol.ErrInvalidSessionState, s.state)
		}
		t.sessions[key] = &session{state: StateOffered, updated: now}
		return StateOffered, nil
	case protocol.SignalAnswer:
		if s == nil || s.state != StateOffered {
			return stateOf(s), fmt.Errorf("%w: answer without pending offer", protocol.ErrInvalidSessionState)
		}
		s.state = StateAnswered
	case protocol.SignalICECandidate:
		if s == nil || s.state == StateEnded {
			return stateOf(s), fmt.Errorf("%w: ice candidate outside active session", protocol.ErrInvalidSessionState)
		}
	case protocol.SignalHangup:
		if s == nil || s.state == StateEnded {
			return stateOf(s), fmt.Errorf("%w: hangup outside active session", protocol.ErrInvalidSessionState)
		}
		s.state = StateEnded
	default:
		return stateOf(s), fmt.Errorf("%w: unknown signal type %q", protocol.ErrInvalidSessionState, typ)
	}
	s.updated = now
	return s.state, nil
}

// Check reports the error Apply would return without changing state.
func (t *Tracker) Check(remote string, sessionID string, typ protocol.SignalType) error {
	key := sessionKey{remote: remote, sessionID: sessionID}
	saved, existed := t.sessions[key]
	var snapshot session
	if existed {
		snapshot = *saved
	}
	_, err := t.Apply(remote, sessionID, typ)
	if existed {
		*saved = snapshot
		t.sessions[key] = saved
	} else {
		delete(t.sessions, key)
	}
	return err
}

func (t *Tracker) State(remote, sessionID string) (State, bool) {
	s, ok := t.sessions[sessionKey{remote: remote, sessionID: sessionID}]
	if !ok {
		return "", false
	}
	return s.state, true
}

func (t *Tracker) Active() int {
	n := 0
	for _, s := range t.sessions {
		if s.state != StateEnded {
			n++
		}
	}
	return n
}

// Prune forgets ended sessions older than the retention window. An id reused after
// pruning starts a new session.
func (t *Tracker) Prune() int {
	cutoff := t.now().Add(-t.endedRetention)
	removed := 0
	for key, s := range t.sessions {
		if s.state == StateEnded && s.updated.Before(cutoff) {
			delete(t.sessions, key)
			removed++
		}
	}
	return removed
}

func stateOf(s *session) State {
	if s == nil {
		return ""
	}
	return s.state
}
