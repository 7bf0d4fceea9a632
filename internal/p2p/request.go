package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ardents/p2pcore/internal/protocol"
)

type requestResult struct {
	raw []byte
	err error
}

type pendingRequest struct {
	peer     string
	kind     protocol.Kind
	payload  []byte
	deadline time.Time
	cancel   context.CancelFunc
	result   chan requestResult
}

// request sends one encoded request to peerID and waits for the raw response frame.
// The loop dials the peer first if needed and enforces the per-kind deadline.
func (s *Service) request(ctx context.Context, peerID string, kind protocol.Kind, payload []byte) ([]byte, error) {
	if !s.isRunning() {
		return nil, protocol.ErrServiceStopped
	}
	if len(payload) > s.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: request exceeds %d bytes", protocol.ErrEncoding, s.cfg.MaxMessageSize)
	}
	res := make(chan requestResult, 1)
	var id uint64
	if err := s.call(ctx, func() { id = s.enqueue(peerID, kind, payload, res) }); err != nil {
		return nil, err
	}

	select {
	case r := <-res:
		return r.raw, r.err
	case <-ctx.Done():
		err := contextError(ctx)
		_ = s.send(context.Background(), func() { s.finish(id, requestResult{err: err}) })
		return nil, err
	case <-s.done:
		select {
		case r := <-res:
			return r.raw, r.err
		default:
			return nil, protocol.ErrServiceStopped
		}
	}
}

func (s *Service) enqueue(peerID string, kind protocol.Kind, payload []byte, res chan requestResult) uint64 {
	s.nextID++
	id := s.nextID
	p := &pendingRequest{
		peer:     peerID,
		kind:     kind,
		payload:  payload,
		deadline: s.now().Add(s.cfg.Timeouts.For(kind)),
		result:   res,
	}
	s.pending[id] = p

	if s.peers.state(peerID).Connected() {
		s.dispatch(id, p)
		return id
	}
	s.waiting[peerID] = append(s.waiting[peerID], id)
	s.startDial(peerID)
	return id
}

// dispatch starts the round trip for a request whose peer is connected. The result
// comes back through the loop; a result for a request that already finished is
// dropped.
func (s *Service) dispatch(id uint64, p *pendingRequest) {
	ctx, cancel := context.WithDeadline(s.baseCtx, p.deadline)
	p.cancel = cancel
	s.peers.touch(p.peer, s.now())

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		raw, err := s.tr.RoundTrip(ctx, p.peer, p.kind, p.payload)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", protocol.ErrTimeout, p.kind)
		}
		_ = s.send(context.Background(), func() {
			s.peers.touch(p.peer, s.now())
			s.finish(id, requestResult{raw: raw, err: err})
		})
	}()
}

func (s *Service) flushWaiting(peerID string) {
	ids := s.waiting[peerID]
	delete(s.waiting, peerID)
	for _, id := range ids {
		if p, ok := s.pending[id]; ok {
			s.dispatch(id, p)
		}
	}
}

func (s *Service) finish(id uint64, r requestResult) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	if p.cancel != nil {
		p.cancel()
	}
	if ids := s.waiting[p.peer]; len(ids) > 0 {
		kept := ids[:0]
		for _, w := range ids {
			if w != id {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(s.waiting, p.peer)
		} else {
			s.waiting[p.peer] = kept
		}
	}
	p.result <- r
}

const (
	outcomeOK          = "ok"
	outcomeTimeout     = "timeout"
	outcomeUnreachable = "unreachable"
	outcomeStopped     = "stopped"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, protocol.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, protocol.ErrPeerUnreachable):
		return outcomeUnreachable
	case errors.Is(err, protocol.ErrServiceStopped):
		return outcomeStopped
	default:
		return protocol.CodeOf(err)
	}
}
