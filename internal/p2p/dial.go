package p2p

import (
	"context"
	"fmt"

	"ardents/p2pcore/internal/protocol"
)

type dialAttempt struct {
	addr    string
	err     error
	relayed bool
}

// startDial moves peerID to Dialing and tries its known addresses off the loop. It is
// a no-op while the peer is connected or already being dialed.
func (s *Service) startDial(peerID string) {
	state := s.peers.state(peerID)
	if state.Connected() || state == PeerDialing {
		return
	}
	s.setPeerState(peerID, PeerDialing)

	candidates := s.book.candidates(peerID)
	if len(candidates) > s.cfg.MaxDialAttempts {
		candidates = candidates[:s.cfg.MaxDialAttempts]
	}
	s.workers.Add(1)
	go s.dial(peerID, candidates)
}

func (s *Service) dial(peerID string, candidates []string) {
	defer s.workers.Done()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.DialTimeout)
	defer cancel()

	attempts := 0
	tryAll := func(addrs []string) (bool, bool) {
		for _, addr := range addrs {
			if attempts >= s.cfg.MaxDialAttempts || ctx.Err() != nil {
				return false, false
			}
			attempts++
			relayed, err := s.tr.Dial(ctx, peerID, addr)
			attempt := dialAttempt{addr: addr, err: err, relayed: relayed}
			_ = s.send(context.Background(), func() { s.recordDialAttempt(peerID, attempt) })
			if err == nil {
				return true, relayed
			}
			s.logger.Debug("dial attempt failed", "remote_peer", peerID, "peer_addr", addr, "error", err)
		}
		return false, false
	}

	ok, relayed := tryAll(candidates)
	if !ok && s.cfg.EnableDht && ctx.Err() == nil {
		found, err := s.tr.FindPeer(ctx, peerID)
		if err != nil {
			s.logger.Debug("dht lookup failed", "remote_peer", peerID, "error", err)
		} else {
			fresh := subtract(normalizeAll(peerID, found), candidates)
			_ = s.send(context.Background(), func() {
				now := s.now()
				for _, addr := range fresh {
					s.learnAddr(peerID, addr, SourceDHT, now)
				}
			})
			ok, relayed = tryAll(fresh)
		}
	}
	if !ok && s.cfg.EnableRelayClient && ctx.Err() == nil {
		if err := s.tr.DialRelayed(ctx, peerID); err != nil {
			s.logger.Debug("relayed dial failed", "remote_peer", peerID, "error", err)
		} else {
			ok, relayed = true, true
		}
	}

	var result error
	if !ok {
		result = fmt.Errorf("%w: %s after %d attempts", protocol.ErrPeerUnreachable, peerID, attempts)
	}
	_ = s.send(context.Background(), func() { s.finishDial(peerID, relayed, result) })
}

func (s *Service) recordDialAttempt(peerID string, a dialAttempt) {
	now := s.now()
	if a.err != nil {
		s.metrics.Dial("failure")
		s.book.markFailure(peerID, a.addr, now)
		return
	}
	s.metrics.Dial("success")
	s.book.markSuccess(peerID, a.addr, now)
}

// finishDial settles every request that was waiting on the dial exactly once.
func (s *Service) finishDial(peerID string, relayed bool, result error) {
	if result == nil {
		if !s.peers.state(peerID).Connected() {
			next := PeerConnectedDirect
			if relayed {
				next = PeerConnectedRelayed
			}
			s.setPeerState(peerID, next)
		}
		return
	}

	if s.peers.state(peerID).Connected() {
		// An inbound connection won the race.
		return
	}
	if s.peers.state(peerID) == PeerDialing {
		s.setPeerState(peerID, PeerDisconnected)
	}
	s.logger.Info("peer unreachable", "remote_peer", peerID)
	// finish edits s.waiting in place, so settle from a detached copy.
	ids := s.waiting[peerID]
	delete(s.waiting, peerID)
	for _, id := range ids {
		s.finish(id, requestResult{err: result})
	}
	s.notifyConnectWaiters(peerID, result)
}

func normalizeAll(peerID string, raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if addr, err := normalizeAddr(peerID, r); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

func subtract(all, known []string) []string {
	seen := make(map[string]struct{}, len(known))
	for _, k := range known {
		seen[k] = struct{}{}
	}
	var out []string
	for _, a := range all {
		if _, ok := seen[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
