package p2p

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ardents/p2pcore/internal/identity"
	"ardents/p2pcore/internal/storage"
	"ardents/p2pcore/pkg/models"
)

type testNode struct {
	svc     *Service
	h       *Handle
	store   *storage.Memory
	session *identity.Session
}

func (n *testNode) id() string { return n.session.PeerID() }

func (n *testNode) addr() string { return n.svc.Status().ListenAddrs[0] }

type nodeSetup struct {
	cfg       Config
	store     Store
	natted    bool
	punchable bool
	opts      []Option
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport = TransportMock
	cfg.EnableMdns = false
	cfg.EnableDht = false
	cfg.EnableAutonat = false
	cfg.Timeouts = Timeouts{
		Identity:  2 * time.Second,
		Messaging: 2 * time.Second,
		Manifest:  2 * time.Second,
		Media:     2 * time.Second,
		Signaling: 2 * time.Second,
	}
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func newTestSession(t *testing.T, seed byte) *identity.Session {
	t.Helper()
	s, err := identity.NewEphemeralSession(bytes.Repeat([]byte{seed}, 32), fmt.Sprintf("node-%d", seed))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func testPeerID(seed byte) string {
	s, err := identity.NewEphemeralSession(bytes.Repeat([]byte{seed}, 32), "")
	if err != nil {
		panic(err)
	}
	return s.PeerID()
}

func startNode(t *testing.T, net *mockNetwork, seed byte, setup ...func(*nodeSetup)) *testNode {
	t.Helper()
	session := newTestSession(t, seed)
	mem := storage.NewMemory()
	ns := nodeSetup{cfg: testConfig(), store: mem}
	for _, fn := range setup {
		fn(&ns)
	}
	if ns.natted {
		net.setNAT(session.PeerID(), ns.punchable)
	}
	opts := append([]Option{
		withTransport(net.newTransport()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, ns.opts...)
	svc := NewService(ns.cfg, session, ns.store, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start node %d: %v", seed, err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return &testNode{svc: svc, h: svc.Handle(), store: mem, session: session}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func peerStateOf(t *testing.T, n *testNode, peerID string) PeerState {
	t.Helper()
	peers, err := n.h.Peers(testContext(t))
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	for _, p := range peers {
		if p.PeerID == peerID {
			return p.State
		}
	}
	return PeerDisconnected
}

// gateStore blocks content lookups until released.
type gateStore struct {
	*storage.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateStore() *gateStore {
	return &gateStore{
		Memory:  storage.NewMemory(),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gateStore) Content(ctx context.Context, owner, hash string) (models.Content, bool, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return models.Content{}, false, ctx.Err()
	}
	return g.Memory.Content(ctx, owner, hash)
}

func (g *gateStore) open() {
	g.once.Do(func() { close(g.release) })
}

// corruptStore returns content bytes that no longer match their hash.
type corruptStore struct {
	*storage.Memory
}

func (c corruptStore) Content(ctx context.Context, owner, hash string) (models.Content, bool, error) {
	content, ok, err := c.Memory.Content(ctx, owner, hash)
	if ok && len(content.Data) > 0 {
		content.Data[0] ^= 0xff
	}
	return content, ok, err
}
