package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ardents/p2pcore/internal/bootstrap"
	"ardents/p2pcore/internal/protocol"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"
)

const (
	connLowWater  = 32
	connHighWater = 128

	bootstrapRedialInterval = 5 * time.Second
	bootstrapRedialMax      = 2 * time.Minute
	bootstrapMinPeers       = 2
)

type libp2pTransport struct {
	mu       sync.RWMutex
	host     host.Host
	dht      *dht.IpfsDHT
	mdns     mdns.Service
	cfg      Config
	handler  requestHandler
	relays   []peer.AddrInfo
	events   chan transportEvent
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	eventSub event.Subscription
	logger   *slog.Logger
	metrics  libp2pMetrics
}

type libp2pMetrics struct {
	DialAttempts      int
	DialSuccess       int
	DialFailures      int
	RelayDials        int
	HolePunchAttempts int
	HolePunchSuccess  int
	DHTLookups        int
	DHTLookupFailures int
	DroppedEvents     int
}

func newLibp2pTransport(logger *slog.Logger) transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &libp2pTransport{events: make(chan transportEvent, 256), logger: logger}
}

func (t *libp2pTransport) Start(_ context.Context, cfg Config, key crypto.PrivKey, handler requestHandler) error {
	relays, errs := bootstrap.Resolve(cfg.BootstrapNodes)
	for _, err := range errs {
		t.logger.Warn("bootstrap entry skipped", "reason", err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(cfg.IdleConnectionTimeout))
	if err != nil {
		cancel()
		return err
	}
	opts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenHost, cfg.TCPPort),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", cfg.ListenHost, cfg.QUICPort),
		),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.ConnectionManager(cm),
	}
	if cfg.EnableRelayClient {
		opts = append(opts, libp2p.EnableRelay())
		if len(relays) > 0 {
			opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays(relays))
		}
		if cfg.EnableDcutr {
			opts = append(opts, libp2p.EnableHolePunching(holepunch.WithTracer(t)))
		}
	} else {
		opts = append(opts, libp2p.DisableRelay())
	}
	if cfg.EnableAutonat {
		opts = append(opts, libp2p.EnableNATService(), libp2p.NATPortMap())
	}
	if cfg.EnableDht {
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			d, err := dht.New(runCtx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix(libp2pproto.ID(cfg.DHTProtocolPrefix)),
				dht.BootstrapPeers(relays...),
			)
			if err != nil {
				return nil, err
			}
			t.mu.Lock()
			t.dht = d
			t.mu.Unlock()
			return d, nil
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return err
	}
	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerConnectednessChanged),
		new(event.EvtLocalReachabilityChanged),
	})
	if err != nil {
		_ = h.Close()
		cancel()
		return err
	}

	t.mu.Lock()
	t.host = h
	t.cfg = cfg
	t.handler = handler
	t.relays = relays
	t.ctx = runCtx
	t.cancel = cancel
	t.eventSub = sub
	t.mu.Unlock()

	for _, kind := range protocol.Kinds() {
		h.SetStreamHandler(libp2pproto.ID(kind.ProtocolID()), func(s network.Stream) { t.serveStream(kind, s) })
	}

	t.wg.Add(1)
	go t.forwardBusEvents(sub)

	if cfg.EnableMdns {
		svc := mdns.NewMdnsService(h, cfg.MdnsServiceName, t)
		if err := svc.Start(); err != nil {
			t.logger.Warn("mdns discovery unavailable", "reason", err.Error())
			t.emit(transportEvent{kind: evBackgroundError, component: "mdns", err: err})
		} else {
			t.mu.Lock()
			t.mdns = svc
			t.mu.Unlock()
		}
	}

	t.mu.RLock()
	d := t.dht
	t.mu.RUnlock()
	if d != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := d.Bootstrap(runCtx); err != nil {
				t.emit(transportEvent{kind: evBackgroundError, component: "dht", err: err})
			}
		}()
	}
	if len(relays) > 0 {
		t.startBootstrapMaintenance(runCtx)
	}
	return nil
}

func (t *libp2pTransport) Stop() error {
	t.mu.Lock()
	h := t.host
	cancel := t.cancel
	svc := t.mdns
	d := t.dht
	sub := t.eventSub
	t.host = nil
	t.mdns = nil
	t.dht = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if svc != nil {
		_ = svc.Close()
	}
	if sub != nil {
		_ = sub.Close()
	}
	var errs []error
	if d != nil {
		errs = append(errs, d.Close())
	}
	if h != nil {
		errs = append(errs, h.Close())
	}
	t.wg.Wait()

	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	t.mu.Unlock()
	return errors.Join(errs...)
}

func (t *libp2pTransport) LocalPeerID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

func (t *libp2pTransport) ListenAddrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.host == nil {
		return nil
	}
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (t *libp2pTransport) Events() <-chan transportEvent { return t.events }

// Dial connects through exactly one address by narrowing the peerstore entry for the
// duration of the attempt.
func (t *libp2pTransport) Dial(ctx context.Context, peerID, addr string) (bool, error) {
	h := t.currentHost()
	if h == nil {
		return false, protocol.ErrServiceStopped
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return false, err
	}
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return false, err
	}
	t.record(func(c *libp2pMetrics) { c.DialAttempts++ })
	h.Peerstore().ClearAddrs(pid)
	h.Peerstore().AddAddr(pid, m, peerstore.TempAddrTTL)
	if err := h.Connect(network.WithForceDirectDial(ctx, "address book dial"), peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{m}}); err != nil {
		t.record(func(c *libp2pMetrics) { c.DialFailures++ })
		return false, err
	}
	t.record(func(c *libp2pMetrics) { c.DialSuccess++ })
	return onlyLimited(h.Network().ConnsToPeer(pid)), nil
}

// DialRelayed reaches peerID through a circuit on each bootstrap relay in turn.
func (t *libp2pTransport) DialRelayed(ctx context.Context, peerID string) error {
	h := t.currentHost()
	if h == nil {
		return protocol.ErrServiceStopped
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}
	t.mu.RLock()
	relays := append([]peer.AddrInfo(nil), t.relays...)
	t.mu.RUnlock()
	if len(relays) == 0 {
		return errors.New("no relays configured")
	}

	var lastErr error
	for _, relay := range relays {
		if relay.ID == pid {
			continue
		}
		var circuits []ma.Multiaddr
		for _, raddr := range relay.Addrs {
			c, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s/p2p-circuit", raddr, relay.ID))
			if err != nil {
				continue
			}
			circuits = append(circuits, c)
		}
		if len(circuits) == 0 {
			continue
		}
		t.record(func(c *libp2pMetrics) { c.RelayDials++ })
		dialCtx := network.WithAllowLimitedConn(ctx, "relayed dial")
		if err := h.Connect(dialCtx, peer.AddrInfo{ID: pid, Addrs: circuits}); err != nil {
			lastErr = err
			t.logger.Warn("relayed dial failed", "relay_addr", relay.String(), "reason", err.Error())
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no usable relay address")
	}
	return lastErr
}

func (t *libp2pTransport) FindPeer(ctx context.Context, peerID string) ([]string, error) {
	t.mu.RLock()
	d := t.dht
	t.mu.RUnlock()
	if d == nil {
		return nil, errors.New("dht disabled")
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	t.record(func(c *libp2pMetrics) { c.DHTLookups++ })
	info, err := d.FindPeer(ctx, pid)
	if err != nil {
		t.record(func(c *libp2pMetrics) { c.DHTLookupFailures++ })
		return nil, err
	}
	out := make([]string, 0, len(info.Addrs))
	for _, addr := range info.Addrs {
		out = append(out, addr.String())
	}
	return out, nil
}

func (t *libp2pTransport) RoundTrip(ctx context.Context, peerID string, kind protocol.Kind, payload []byte) ([]byte, error) {
	h := t.currentHost()
	if h == nil {
		return nil, protocol.ErrServiceStopped
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	s, err := h.NewStream(network.WithAllowLimitedConn(ctx, kind.String()), pid, libp2pproto.ID(kind.ProtocolID()))
	if err != nil {
		var unsupported multistream.ErrNotSupported[libp2pproto.ID]
		if errors.As(err, &unsupported) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedProtocol, kind.ProtocolID())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrPeerUnreachable, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := protocol.WriteFrame(s, payload); err != nil {
		_ = s.Reset()
		return nil, streamError(ctx, err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return nil, streamError(ctx, err)
	}
	raw, err := protocol.ReadFrame(s, t.cfg.MaxMessageSize)
	if err != nil {
		_ = s.Reset()
		if errors.Is(err, protocol.ErrEncoding) {
			return nil, err
		}
		return nil, streamError(ctx, err)
	}
	_ = s.Close()
	return raw, nil
}

func streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", protocol.ErrPeerUnreachable, err)
}

func (t *libp2pTransport) serveStream(kind protocol.Kind, s network.Stream) {
	t.mu.RLock()
	base := t.ctx
	handler := t.handler
	cfg := t.cfg
	t.mu.RUnlock()

	timeout := cfg.Timeouts.For(kind)
	_ = s.SetDeadline(time.Now().Add(timeout))
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	remote := s.Conn().RemotePeer().String()
	payload, err := protocol.ReadFrame(s, cfg.MaxMessageSize)
	var resp []byte
	switch {
	case err == nil:
		resp = handler(ctx, remote, kind, payload)
	case errors.Is(err, protocol.ErrEncoding):
		resp, _ = protocol.EncodeResponse(nil, err)
	default:
		_ = s.Reset()
		return
	}
	if err := protocol.WriteFrame(s, resp); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

func (t *libp2pTransport) ClosePeer(peerID string) error {
	h := t.currentHost()
	if h == nil {
		return nil
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}
	return h.Network().ClosePeer(pid)
}

func (t *libp2pTransport) NetworkMetrics() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[string]int{
		"dial_attempts":            t.metrics.DialAttempts,
		"dial_success":             t.metrics.DialSuccess,
		"dial_failures":            t.metrics.DialFailures,
		"relay_dials":              t.metrics.RelayDials,
		"hole_punch_attempts":      t.metrics.HolePunchAttempts,
		"hole_punch_success":       t.metrics.HolePunchSuccess,
		"dht_lookups":              t.metrics.DHTLookups,
		"dht_lookup_failures":      t.metrics.DHTLookupFailures,
		"transport_events_dropped": t.metrics.DroppedEvents,
	}
	if t.host != nil {
		out["libp2p_peers"] = len(t.host.Network().Peers())
	}
	return out
}

// HandlePeerFound receives mDNS discoveries.
func (t *libp2pTransport) HandlePeerFound(info peer.AddrInfo) {
	h := t.currentHost()
	if h == nil || info.ID == h.ID() {
		return
	}
	addrs := make([]string, 0, len(info.Addrs))
	for _, addr := range info.Addrs {
		addrs = append(addrs, addr.String())
	}
	t.emit(transportEvent{kind: evDiscovered, peer: info.ID.String(), addrs: addrs, source: SourceMdns})
}

// Trace receives hole punch progress from the DCUtR service.
func (t *libp2pTransport) Trace(evt *holepunch.Event) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case holepunch.StartHolePunchEvtT:
		t.record(func(c *libp2pMetrics) { c.HolePunchAttempts++ })
		t.emit(transportEvent{kind: evHolePunchStarted, peer: evt.Remote.String()})
	case holepunch.EndHolePunchEvtT:
		end, ok := evt.Evt.(*holepunch.EndHolePunchEvt)
		if !ok {
			return
		}
		var err error
		if end.Success {
			t.record(func(c *libp2pMetrics) { c.HolePunchSuccess++ })
		} else {
			err = errors.New(end.Error)
		}
		t.emit(transportEvent{kind: evHolePunchFinished, peer: evt.Remote.String(), success: end.Success, err: err})
	}
}

func (t *libp2pTransport) forwardBusEvents(sub event.Subscription) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := raw.(type) {
			case event.EvtPeerConnectednessChanged:
				t.onConnectedness(evt)
			case event.EvtLocalReachabilityChanged:
				t.emit(transportEvent{kind: evReachability, reachability: strings.ToLower(evt.Reachability.String())})
			}
		}
	}
}

func (t *libp2pTransport) onConnectedness(evt event.EvtPeerConnectednessChanged) {
	switch evt.Connectedness {
	case network.Connected:
		relayed := false
		if h := t.currentHost(); h != nil {
			relayed = onlyLimited(h.Network().ConnsToPeer(evt.Peer))
		}
		t.emit(transportEvent{kind: evConnected, peer: evt.Peer.String(), relayed: relayed})
	case network.Limited:
		t.emit(transportEvent{kind: evConnected, peer: evt.Peer.String(), relayed: true})
	case network.NotConnected:
		t.emit(transportEvent{kind: evDisconnected, peer: evt.Peer.String()})
	}
}

// startBootstrapMaintenance redials the bootstrap peers with exponential backoff
// while the host has fewer than bootstrapMinPeers connections, keeping the DHT and
// relay reservations alive.
func (t *libp2pTransport) startBootstrapMaintenance(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(bootstrapRedialInterval)
		defer ticker.Stop()

		backoff := bootstrapRedialInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !t.needMorePeers() {
					backoff = bootstrapRedialInterval
					nextAttemptAt = time.Now()
					continue
				}
				if t.redialBootstrapPeers(ctx, rnd) || !t.needMorePeers() {
					backoff = bootstrapRedialInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > bootstrapRedialMax {
					backoff = bootstrapRedialMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (t *libp2pTransport) needMorePeers() bool {
	h := t.currentHost()
	if h == nil {
		return false
	}
	t.mu.RLock()
	target := len(t.relays)
	t.mu.RUnlock()
	if target > bootstrapMinPeers {
		target = bootstrapMinPeers
	}
	return len(h.Network().Peers()) < target
}

func (t *libp2pTransport) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	h := t.currentHost()
	if h == nil {
		return false
	}
	t.mu.RLock()
	relays := append([]peer.AddrInfo(nil), t.relays...)
	t.mu.RUnlock()
	rnd.Shuffle(len(relays), func(i, j int) { relays[i], relays[j] = relays[j], relays[i] })

	success := false
	for i, info := range relays {
		attempt := i + 1
		if h.Network().Connectedness(info.ID) == network.Connected {
			success = true
			continue
		}
		t.record(func(c *libp2pMetrics) { c.DialAttempts++ })
		if err := h.Connect(ctx, info); err != nil {
			t.record(func(c *libp2pMetrics) { c.DialFailures++ })
			t.logger.Warn("bootstrap redial failed", "peer_id", info.ID.String(), "attempt", attempt, "reason", err.Error())
			continue
		}
		t.record(func(c *libp2pMetrics) { c.DialSuccess++ })
		success = true
		t.logger.Info("bootstrap redial succeeded", "peer_id", info.ID.String(), "attempt", attempt)
	}
	return success
}

func (t *libp2pTransport) currentHost() host.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.host
}

func (t *libp2pTransport) record(fn func(*libp2pMetrics)) {
	t.mu.Lock()
	fn(&t.metrics)
	t.mu.Unlock()
}

func (t *libp2pTransport) emit(ev transportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.metrics.DroppedEvents++
	}
}

// onlyLimited reports whether every connection to a peer is relay mediated.
func onlyLimited(conns []network.Conn) bool {
	if len(conns) == 0 {
		return false
	}
	for _, c := range conns {
		if !c.Stat().Limited && !isCircuit(c.RemoteMultiaddr()) {
			return false
		}
	}
	return true
}

func isCircuit(m ma.Multiaddr) bool {
	_, err := m.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}
