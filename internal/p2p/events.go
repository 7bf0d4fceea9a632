package p2p

import (
	"context"
	"time"

	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/pkg/models"
)

type EventKind string

const (
	EventMessage        EventKind = "message"
	EventIncomingCall   EventKind = "incoming_call"
	EventSignal         EventKind = "signal"
	EventConnectivity   EventKind = "connectivity"
	EventReachability   EventKind = "reachability"
	EventPeerDiscovered EventKind = "peer_discovered"
)

// Event is delivered to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind         EventKind
	Peer         string
	At           time.Time
	Message      *models.Message
	Signal       *protocol.SignalMessage
	State        PeerState
	Reachability string
	Addrs        []string
	Source       string
}

type subscriber struct {
	ch chan Event
}

// Subscribe returns a channel of service events. The channel is closed when ctx ends
// or the service stops. A subscriber that falls behind loses events rather than
// stalling the service.
func (s *Service) Subscribe(ctx context.Context) (<-chan Event, error) {
	if !s.isRunning() {
		return nil, protocol.ErrServiceStopped
	}
	var (
		id uint64
		ch chan Event
	)
	if err := s.call(ctx, func() {
		s.nextSub++
		id = s.nextSub
		ch = make(chan Event, s.cfg.EventBuffer)
		s.subs[id] = &subscriber{ch: ch}
	}); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.send(context.Background(), func() { s.unsubscribe(id) })
		case <-s.done:
		}
	}()
	return ch, nil
}

func (s *Service) unsubscribe(id uint64) {
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// emit runs on the loop.
func (s *Service) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.droppedEvents.Add(1)
			s.metrics.DroppedEvent()
		}
	}
}

func (s *Service) closeSubscribers() {
	for id := range s.subs {
		s.unsubscribe(id)
	}
}
