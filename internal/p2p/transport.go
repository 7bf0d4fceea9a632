package p2p

import (
	"context"
	"log/slog"

	"ardents/p2pcore/internal/protocol"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// requestHandler answers one inbound request frame with one response frame. It runs on
// the transport's stream goroutine.
type requestHandler func(ctx context.Context, from string, kind protocol.Kind, payload []byte) []byte

type transport interface {
	Start(ctx context.Context, cfg Config, key crypto.PrivKey, handler requestHandler) error
	Stop() error
	LocalPeerID() string
	ListenAddrs() []string
	Events() <-chan transportEvent
	// Dial connects through one address. relayed reports whether the resulting
	// connection is relay mediated.
	Dial(ctx context.Context, peerID, addr string) (relayed bool, err error)
	DialRelayed(ctx context.Context, peerID string) error
	FindPeer(ctx context.Context, peerID string) ([]string, error)
	RoundTrip(ctx context.Context, peerID string, kind protocol.Kind, payload []byte) ([]byte, error)
	ClosePeer(peerID string) error
	NetworkMetrics() map[string]int
}

type transportEventKind int

const (
	evConnected transportEventKind = iota + 1
	evDisconnected
	evDiscovered
	evHolePunchStarted
	evHolePunchFinished
	evReachability
	evBackgroundError
)

type transportEvent struct {
	kind         transportEventKind
	peer         string
	relayed      bool
	addrs        []string
	source       addrSource
	success      bool
	reachability string
	component    string
	err          error
}

func newTransport(name string, logger *slog.Logger) transport {
	switch name {
	case TransportMock:
		return defaultMockNetwork.newTransport()
	default:
		return newLibp2pTransport(logger)
	}
}
