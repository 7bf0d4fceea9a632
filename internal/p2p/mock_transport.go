package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ardents/p2pcore/internal/protocol"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var errMockDialRefused = errors.New("mock dial refused")

// mockNetwork is an in-process network for the mock transport. It models direct
// reachability, relay circuits and hole punching so multi-node behavior can be tested
// without sockets.
type mockNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*mockTransport
	addrs       map[string]string
	links       map[linkKey]bool
	nextHost    int
	natted      map[string]bool
	punchable   map[string]bool
	unsupported map[string]map[protocol.Kind]bool
	noRelay     bool
	autoPunch   bool
	dialDelay   time.Duration
}

// linkKey is an unordered peer pair.
type linkKey struct {
	a, b string
}

func newLinkKey(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

var defaultMockNetwork = newMockNetwork()

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		nodes:       make(map[string]*mockTransport),
		addrs:       make(map[string]string),
		links:       make(map[linkKey]bool),
		natted:      make(map[string]bool),
		punchable:   make(map[string]bool),
		unsupported: make(map[string]map[protocol.Kind]bool),
	}
}

func (n *mockNetwork) newTransport() *mockTransport {
	return &mockTransport{net: n, events: make(chan transportEvent, 1024)}
}

// setNAT puts peerID behind a NAT: direct dials to it fail, relayed dials work, and a
// hole punch succeeds only when punchable is set.
func (n *mockNetwork) setNAT(peerID string, punchable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.natted[peerID] = true
	n.punchable[peerID] = punchable
}

func (n *mockNetwork) setUnsupported(peerID string, kind protocol.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unsupported[peerID] == nil {
		n.unsupported[peerID] = make(map[protocol.Kind]bool)
	}
	n.unsupported[peerID][kind] = true
}

// holePunch attempts to upgrade the relayed link between a and b to a direct one,
// reporting the attempt to both sides the way DCUtR does.
func (n *mockNetwork) holePunch(a, b string) bool {
	n.mu.Lock()
	key := newLinkKey(a, b)
	relayed, linked := n.links[key]
	ta, tb := n.nodes[a], n.nodes[b]
	ok := linked && relayed && ta != nil && tb != nil && (!n.natted[a] || n.punchable[a]) && (!n.natted[b] || n.punchable[b])
	if ok {
		n.links[key] = false
	}
	n.mu.Unlock()
	if !linked || ta == nil || tb == nil {
		return false
	}

	ta.emit(transportEvent{kind: evHolePunchStarted, peer: b})
	tb.emit(transportEvent{kind: evHolePunchStarted, peer: a})
	var punchErr error
	if !ok {
		punchErr = errors.New("mock hole punch failed")
	}
	ta.emit(transportEvent{kind: evHolePunchFinished, peer: b, success: ok, err: punchErr})
	tb.emit(transportEvent{kind: evHolePunchFinished, peer: a, success: ok, err: punchErr})
	if ok {
		ta.emit(transportEvent{kind: evConnected, peer: b})
		tb.emit(transportEvent{kind: evConnected, peer: a})
	}
	return ok
}

func (n *mockNetwork) connect(a, b string, relayed bool) {
	n.mu.Lock()
	key := newLinkKey(a, b)
	current, linked := n.links[key]
	if linked && !current {
		// A direct link is never downgraded by a relayed dial.
		relayed = false
	}
	n.links[key] = relayed
	ta, tb := n.nodes[a], n.nodes[b]
	autoPunch := relayed && n.autoPunch
	n.mu.Unlock()

	if ta != nil {
		ta.emit(transportEvent{kind: evConnected, peer: b, relayed: relayed})
	}
	if tb != nil {
		tb.emit(transportEvent{kind: evConnected, peer: a, relayed: relayed})
	}
	if autoPunch {
		go n.holePunch(a, b)
	}
}

func (n *mockNetwork) disconnect(a, b string) {
	n.mu.Lock()
	key := newLinkKey(a, b)
	_, linked := n.links[key]
	delete(n.links, key)
	ta, tb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()
	if !linked {
		return
	}
	if ta != nil {
		ta.emit(transportEvent{kind: evDisconnected, peer: b})
	}
	if tb != nil {
		tb.emit(transportEvent{kind: evDisconnected, peer: a})
	}
}

type mockTransport struct {
	net     *mockNetwork
	cfg     Config
	selfID  string
	addr    string
	handler requestHandler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	events  chan transportEvent
	closed  bool
	metrics struct {
		dialAttempts int
		dialSuccess  int
		dialFailures int
		dropped      int
	}
}

func (t *mockTransport) Start(_ context.Context, cfg Config, key crypto.PrivKey, handler requestHandler) error {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return err
	}
	t.cfg = cfg
	t.selfID = id.String()
	t.handler = handler
	t.ctx, t.cancel = context.WithCancel(context.Background())

	n := t.net
	n.mu.Lock()
	if _, exists := n.nodes[t.selfID]; exists {
		n.mu.Unlock()
		t.cancel()
		return fmt.Errorf("peer %s already on mock network", t.selfID)
	}
	n.nextHost++
	t.addr = fmt.Sprintf("/ip4/10.0.%d.%d/tcp/4001", n.nextHost/250, n.nextHost%250+1)
	n.nodes[t.selfID] = t
	n.addrs[t.addr] = t.selfID
	var neighbours []*mockTransport
	if cfg.EnableMdns {
		for id, other := range n.nodes {
			if id != t.selfID && other.cfg.EnableMdns {
				neighbours = append(neighbours, other)
			}
		}
	}
	n.mu.Unlock()

	for _, other := range neighbours {
		t.emit(transportEvent{kind: evDiscovered, peer: other.selfID, addrs: []string{other.addr}, source: SourceMdns})
		other.emit(transportEvent{kind: evDiscovered, peer: t.selfID, addrs: []string{t.addr}, source: SourceMdns})
	}
	if cfg.EnableAutonat {
		reach := "public"
		if n.isNatted(t.selfID) {
			reach = "private"
		}
		t.emit(transportEvent{kind: evReachability, reachability: reach})
	}
	return nil
}

func (n *mockNetwork) isNatted(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.natted[peerID]
}

func (t *mockTransport) Stop() error {
	n := t.net
	n.mu.Lock()
	delete(n.nodes, t.selfID)
	delete(n.addrs, t.addr)
	var peers []string
	for key := range n.links {
		switch t.selfID {
		case key.a:
			peers = append(peers, key.b)
		case key.b:
			peers = append(peers, key.a)
		}
	}
	n.mu.Unlock()
	for _, p := range peers {
		n.disconnect(t.selfID, p)
	}
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

func (t *mockTransport) LocalPeerID() string { return t.selfID }

func (t *mockTransport) ListenAddrs() []string {
	if t.addr == "" {
		return nil
	}
	return []string{t.addr}
}

func (t *mockTransport) Events() <-chan transportEvent { return t.events }

func (t *mockTransport) Dial(ctx context.Context, peerID, addr string) (bool, error) {
	t.count(func() { t.metrics.dialAttempts++ })
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n := t.net
	n.mu.Lock()
	delay := n.dialDelay
	n.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.count(func() { t.metrics.dialFailures++ })
			return false, ctx.Err()
		}
	}
	n.mu.Lock()
	target, known := n.addrs[addr]
	_, running := n.nodes[peerID]
	natted := n.natted[peerID]
	n.mu.Unlock()
	if !known || target != peerID || !running || natted {
		t.count(func() { t.metrics.dialFailures++ })
		return false, fmt.Errorf("%w: %s", errMockDialRefused, addr)
	}
	t.count(func() { t.metrics.dialSuccess++ })
	n.connect(t.selfID, peerID, false)
	return false, nil
}

func (t *mockTransport) DialRelayed(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := t.net
	n.mu.Lock()
	_, running := n.nodes[peerID]
	noRelay := n.noRelay
	n.mu.Unlock()
	if !running || noRelay || !t.cfg.EnableRelayClient {
		return fmt.Errorf("%w: no relay path to %s", errMockDialRefused, peerID)
	}
	n.connect(t.selfID, peerID, true)
	return nil
}

func (t *mockTransport) FindPeer(ctx context.Context, peerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.cfg.EnableDht {
		return nil, errors.New("dht disabled")
	}
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.nodes[peerID]
	if !ok || !target.cfg.EnableDht {
		return nil, protocol.ErrNotFound
	}
	return []string{target.addr + "/p2p/" + peerID}, nil
}

func (t *mockTransport) RoundTrip(ctx context.Context, peerID string, kind protocol.Kind, payload []byte) ([]byte, error) {
	n := t.net
	n.mu.Lock()
	_, linked := n.links[newLinkKey(t.selfID, peerID)]
	target := n.nodes[peerID]
	unsupported := n.unsupported[peerID][kind]
	n.mu.Unlock()
	if !linked || target == nil {
		return nil, fmt.Errorf("%w: not connected to %s", protocol.ErrPeerUnreachable, peerID)
	}
	if unsupported {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedProtocol, kind.ProtocolID())
	}
	if len(payload) > target.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", protocol.ErrEncoding, target.cfg.MaxMessageSize)
	}

	result := make(chan []byte, 1)
	hctx, cancel := context.WithTimeout(target.ctx, target.cfg.Timeouts.For(kind))
	go func() {
		defer cancel()
		result <- target.handler(hctx, t.selfID, kind, append([]byte(nil), payload...))
	}()
	select {
	case raw := <-result:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-target.ctx.Done():
		return nil, fmt.Errorf("%w: %s went away", protocol.ErrPeerUnreachable, peerID)
	}
}

func (t *mockTransport) ClosePeer(peerID string) error {
	t.net.disconnect(t.selfID, peerID)
	return nil
}

func (t *mockTransport) NetworkMetrics() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]int{
		"dial_attempts":            t.metrics.dialAttempts,
		"dial_success":             t.metrics.dialSuccess,
		"dial_failures":            t.metrics.dialFailures,
		"transport_events_dropped": t.metrics.dropped,
	}
}

func (t *mockTransport) count(fn func()) {
	t.mu.Lock()
	fn()
	t.mu.Unlock()
}

func (t *mockTransport) emit(ev transportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.metrics.dropped++
	}
}
