// Package p2p runs the node's network service: connection management across direct,
// relayed and hole-punched links, the request/response protocols, and the event feed
// consumed by the application.
//
// All mutable networking state (address book, peer table, pending requests, call
// sessions, subscribers) is owned by a single loop goroutine. Everything else talks
// to it through commands.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ardents/p2pcore/internal/bootstrap"
	"ardents/p2pcore/internal/identity"
	"ardents/p2pcore/internal/metrics"
	"ardents/p2pcore/internal/platform/ratelimiter"
	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/internal/signaling"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var errAlreadyStarted = errors.New("network service already started")

type Status struct {
	State            string
	PeerCount        int
	DirectPeers      int
	RelayedPeers     int
	ListenAddrs      []string
	Reachability     string
	StateTransitions int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func withTransport(t transport) Option {
	return func(s *Service) { s.tr = t }
}

type Service struct {
	cfg     Config
	session *identity.Session
	store   Store
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	limiter *ratelimiter.MapLimiter
	tr      transport

	mu               sync.RWMutex
	status           Status
	running          bool
	started          bool
	stateTransitions int

	cmds       chan func()
	quit       chan struct{}
	done       chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    sync.WaitGroup

	droppedEvents atomic.Int64

	// Loop-owned.
	book           *addrBook
	peers          *peerTable
	tracker        *signaling.Tracker
	pending        map[uint64]*pendingRequest
	waiting        map[string][]uint64
	connectWaiters map[string][]chan error
	subs           map[uint64]*subscriber
	nextID         uint64
	nextSub        uint64
}

func NewService(cfg Config, session *identity.Session, store Store, opts ...Option) *Service {
	cfg = normalizeConfig(cfg)
	s := &Service{
		cfg:            cfg,
		session:        session,
		store:          store,
		logger:         slog.Default(),
		now:            time.Now,
		cmds:           make(chan func()),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		book:           newAddrBook(cfg.AddressTTL, cfg.MaxAddressFailures),
		peers:          newPeerTable(),
		tracker:        signaling.NewTracker(),
		pending:        make(map[uint64]*pendingRequest),
		waiting:        make(map[string][]uint64),
		connectWaiters: make(map[string][]chan error),
		subs:           make(map[uint64]*subscriber),
		status:         Status{State: StateDisconnected, Reachability: "unknown"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = ratelimiter.New(cfg.InboundRate, cfg.InboundBurst, cfg.IdleConnectionTimeout)
	return s
}

// Start brings up the transport and the service loop. A Service runs once; create a
// new one after Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.started = true
	s.transitionStateLocked(StateConnecting)
	s.mu.Unlock()

	key, err := s.session.Libp2pKey()
	if err != nil {
		s.setDisconnected()
		return err
	}
	if s.tr == nil {
		s.tr = newTransport(s.cfg.Transport, s.logger)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	if err := s.tr.Start(ctx, s.cfg, key, s.handleInbound); err != nil {
		s.baseCancel()
		s.setDisconnected()
		return err
	}
	if got := s.tr.LocalPeerID(); got != s.session.PeerID() {
		_ = s.tr.Stop()
		s.baseCancel()
		s.setDisconnected()
		return fmt.Errorf("transport peer id %s does not match identity %s", got, s.session.PeerID())
	}

	s.mu.Lock()
	s.running = true
	s.status.ListenAddrs = s.tr.ListenAddrs()
	s.transitionStateLocked(StateDegraded)
	s.mu.Unlock()

	go s.run(s.tr.Events())

	seeds, errs := bootstrap.Resolve(s.cfg.BootstrapNodes)
	for _, err := range errs {
		s.logger.Warn("bootstrap entry skipped", "error", err)
	}
	if len(seeds) > 0 {
		_ = s.send(ctx, func() {
			now := s.now()
			for _, info := range seeds {
				id := info.ID.String()
				for _, addr := range info.Addrs {
					s.learnAddr(id, addr.String(), SourceBootstrap, now)
				}
				s.startDial(id)
			}
		})
	}
	s.logger.Info("network service started", "peer_id", s.session.PeerID(), "transport", s.cfg.Transport)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.baseCancel()
	close(s.quit)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := s.tr.Stop()
	s.workers.Wait()
	s.setDisconnected()
	s.logger.Info("network service stopped", "peer_id", s.session.PeerID())
	return err
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.ListenAddrs = append([]string(nil), s.status.ListenAddrs...)
	st.StateTransitions = s.stateTransitions
	return st
}

func (s *Service) NetworkMetrics() map[string]int {
	s.mu.RLock()
	transitions := s.stateTransitions
	tr := s.tr
	running := s.running
	s.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
		"dropped_events":            int(s.droppedEvents.Load()),
		"inbound_rate_limited":      int(s.limiter.Denied()),
	}
	if tr != nil && running {
		for k, v := range tr.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) setDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionStateLocked(StateDisconnected)
	s.status.PeerCount = 0
	s.status.DirectPeers = 0
	s.status.RelayedPeers = 0
}

func (s *Service) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if s.status.State != next {
		s.stateTransitions++
		s.status.State = next
	}
}

// send hands fn to the loop without waiting for it to run.
func (s *Service) send(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.done:
		return protocol.ErrServiceStopped
	case <-ctx.Done():
		return contextError(ctx)
	}
}

// call runs fn on the loop and waits for it to finish.
func (s *Service) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.send(ctx, func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return protocol.ErrServiceStopped
		}
	}
}

func (s *Service) run(events <-chan transportEvent) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case fn := <-s.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onTransportEvent(ev)
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Service) shutdown() {
	for id := range s.pending {
		s.finish(id, requestResult{err: protocol.ErrServiceStopped})
	}
	for peerID := range s.connectWaiters {
		s.notifyConnectWaiters(peerID, protocol.ErrServiceStopped)
	}
	s.closeSubscribers()
}

func (s *Service) onTick() {
	now := s.now()
	for id, p := range s.pending {
		if now.After(p.deadline) {
			s.finish(id, requestResult{err: fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, p.kind, s.cfg.Timeouts.For(p.kind))})
		}
	}

	cutoff := now.Add(-s.cfg.IdleConnectionTimeout)
	for _, peerID := range s.peers.idle(cutoff) {
		if s.hasPending(peerID) {
			continue
		}
		if err := s.tr.ClosePeer(peerID); err != nil {
			s.logger.Debug("closing idle connection failed", "remote_peer", peerID, "error", err)
		}
		s.setPeerState(peerID, PeerDisconnected)
	}

	if n := s.book.prune(now); n > 0 {
		s.logger.Debug("pruned stale addresses", "count", n)
	}
	s.tracker.Prune()
}

func (s *Service) hasPending(peerID string) bool {
	if len(s.waiting[peerID]) > 0 {
		return true
	}
	for _, p := range s.pending {
		if p.peer == peerID {
			return true
		}
	}
	return false
}

func (s *Service) onTransportEvent(ev transportEvent) {
	switch ev.kind {
	case evConnected:
		next := PeerConnectedDirect
		if ev.relayed {
			next = PeerConnectedRelayed
			if s.peers.state(ev.peer) == PeerUpgradingToDirect {
				return
			}
		}
		s.setPeerState(ev.peer, next)
	case evDisconnected:
		s.setPeerState(ev.peer, PeerDisconnected)
	case evDiscovered:
		now := s.now()
		var learned []string
		for _, addr := range ev.addrs {
			if s.learnAddr(ev.peer, addr, ev.source, now) {
				learned = append(learned, addr)
			}
		}
		if len(learned) > 0 {
			s.emit(Event{Kind: EventPeerDiscovered, Peer: ev.peer, Addrs: learned, Source: string(ev.source)})
			// A fresh address for a peer we have dealt with before, or one with
			// requests queued, is worth a dial.
			if s.peers.known(ev.peer) || len(s.waiting[ev.peer]) > 0 {
				s.startDial(ev.peer)
			}
		}
	case evHolePunchStarted:
		if s.peers.state(ev.peer) == PeerConnectedRelayed {
			s.setPeerState(ev.peer, PeerUpgradingToDirect)
		}
	case evHolePunchFinished:
		if ev.success {
			s.metrics.HolePunch("success")
			if s.peers.state(ev.peer).Connected() {
				s.setPeerState(ev.peer, PeerConnectedDirect)
			}
			return
		}
		s.metrics.HolePunch("failure")
		s.logger.Debug("hole punch failed", "remote_peer", ev.peer, "error", ev.err)
		if s.peers.state(ev.peer) == PeerUpgradingToDirect {
			s.setPeerState(ev.peer, PeerConnectedRelayed)
		}
	case evReachability:
		s.mu.Lock()
		s.status.Reachability = ev.reachability
		s.mu.Unlock()
		s.emit(Event{Kind: EventReachability, Reachability: ev.reachability})
	case evBackgroundError:
		s.metrics.BackgroundError(ev.component)
		s.logger.Warn("background network task failed", "component", ev.component, "error", ev.err)
	}
}

// learnAddr adds addr to the book and reports whether it was new.
func (s *Service) learnAddr(peerID, addr string, source addrSource, now time.Time) bool {
	if peerID == "" || peerID == s.session.PeerID() {
		return false
	}
	added, err := s.book.add(peerID, addr, source, now)
	if err != nil {
		s.logger.Debug("ignoring address", "remote_peer", peerID, "peer_addr", addr, "source", source, "error", err)
		return false
	}
	if added {
		s.metrics.Discovered(string(source))
	}
	return added
}

func (s *Service) setPeerState(peerID string, next PeerState) {
	changed, err := s.peers.transition(peerID, next, s.now())
	if err != nil {
		s.logger.Debug("peer state transition rejected", "remote_peer", peerID, "error", err)
		return
	}
	if !changed {
		return
	}
	s.emit(Event{Kind: EventConnectivity, Peer: peerID, State: next})
	if next.Connected() {
		s.flushWaiting(peerID)
		s.notifyConnectWaiters(peerID, nil)
	}
	s.refreshStatus()
}

func (s *Service) refreshStatus() {
	direct, relayed := s.peers.counts()
	s.metrics.SetConnected(direct, relayed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.status.PeerCount = direct + relayed
	s.status.DirectPeers = direct
	s.status.RelayedPeers = relayed
	if direct+relayed > 0 {
		s.transitionStateLocked(StateConnected)
	} else {
		s.transitionStateLocked(StateDegraded)
	}
}

func (s *Service) notifyConnectWaiters(peerID string, err error) {
	for _, ch := range s.connectWaiters[peerID] {
		ch <- err
	}
	delete(s.connectWaiters, peerID)
}

// connect registers a waiter for peerID's next connection and starts a dial if none
// is running.
func (s *Service) connect(ctx context.Context, peerID string, addrs []string) (PeerState, error) {
	res := make(chan error, 1)
	var state PeerState
	if err := s.call(ctx, func() {
		now := s.now()
		for _, addr := range addrs {
			s.learnAddr(peerID, addr, SourceManual, now)
		}
		state = s.peers.state(peerID)
		if state.Connected() {
			res <- nil
			return
		}
		s.connectWaiters[peerID] = append(s.connectWaiters[peerID], res)
		s.startDial(peerID)
	}); err != nil {
		return PeerDisconnected, err
	}

	select {
	case err := <-res:
		if err != nil {
			return PeerDisconnected, err
		}
	case <-ctx.Done():
		return PeerDisconnected, contextError(ctx)
	case <-s.done:
		return PeerDisconnected, protocol.ErrServiceStopped
	}

	if err := s.call(ctx, func() { state = s.peers.state(peerID) }); err != nil {
		return PeerDisconnected, err
	}
	return state, nil
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	return err
}
