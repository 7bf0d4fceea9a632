package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/internal/storage"

	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
)

func loopbackConfig() Config {
	cfg := testConfig()
	cfg.Transport = TransportLibp2p
	cfg.ListenHost = "127.0.0.1"
	cfg.EnableRelayClient = false
	cfg.EnableDcutr = false
	cfg.Timeouts = Timeouts{
		Identity:  10 * time.Second,
		Messaging: 10 * time.Second,
		Manifest:  10 * time.Second,
		Media:     10 * time.Second,
		Signaling: 10 * time.Second,
	}
	cfg.DialTimeout = 10 * time.Second
	return cfg
}

func startLoopbackNode(t *testing.T, seed byte) (*testNode, *libp2pTransport) {
	t.Helper()
	session := newTestSession(t, seed)
	mem := storage.NewMemory()
	svc := NewService(loopbackConfig(), session, mem, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start libp2p node %d: %v", seed, err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	tr, ok := svc.tr.(*libp2pTransport)
	if !ok {
		t.Fatalf("expected libp2p transport, got %T", svc.tr)
	}
	return &testNode{svc: svc, h: svc.Handle(), store: mem, session: session}, tr
}

func loopbackTCPAddr(t *testing.T, tr *libp2pTransport) string {
	t.Helper()
	h := tr.currentHost()
	if h == nil {
		t.Fatal("transport has no host")
	}
	for _, addr := range h.Network().ListenAddresses() {
		if s := addr.String(); strings.HasPrefix(s, "/ip4/127.0.0.1/tcp/") {
			return s
		}
	}
	t.Fatalf("no loopback tcp listen address in %v", h.Network().ListenAddresses())
	return ""
}

func TestLibp2pTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	a, _ := startLoopbackNode(t, 1)
	b, bt := startLoopbackNode(t, 2)

	// Served protocols are advertised through identify, so drop signaling before the
	// first connection.
	bt.currentHost().RemoveStreamHandler(libp2pproto.ID(protocol.KindSignal.ProtocolID()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := a.h.Connect(ctx, b.id(), loopbackTCPAddr(t, bt))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state != PeerConnectedDirect {
		t.Fatalf("expected direct tcp connection, got %s", state)
	}

	resp, err := a.h.ExchangeIdentity(ctx, b.id())
	if err != nil {
		t.Fatalf("exchange identity: %v", err)
	}
	if resp.PeerID != b.id() || len(resp.ListenAddrs) == 0 {
		t.Fatalf("unexpected identity: %+v", resp)
	}

	ack, err := a.h.SendDirectMessage(ctx, b.id(), []byte("over a real stream"))
	if err != nil {
		t.Fatalf("direct message: %v", err)
	}
	stored, ok := b.store.GetMessage(ack.MessageID)
	if !ok || string(stored.Body) != "over a real stream" {
		t.Fatalf("message not stored on receiver: ok=%v msg=%+v", ok, stored)
	}

	sid := a.h.NewCallSessionID()
	if _, err := a.h.SendSignal(ctx, b.id(), sid, protocol.SignalOffer, "sdp-offer"); !errors.Is(err, protocol.ErrUnsupportedProtocol) {
		t.Fatalf("expected unsupported protocol, got %v", err)
	}
}
