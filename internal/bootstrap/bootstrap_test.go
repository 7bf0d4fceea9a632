package bootstrap

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func testPeerID(t *testing.T, seed byte) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(bytes.Repeat([]byte{seed}, 64)))
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	return id
}

func TestResolveOrdersMergesAndFilters(t *testing.T) {
	a := testPeerID(t, 1)
	b := testPeerID(t, 2)
	entries := []Entry{
		{Address: "/ip4/10.0.0.2/tcp/4001/p2p/" + b.String(), Label: "b", Priority: 5, Enabled: true},
		{Address: "/ip4/10.0.0.1/tcp/4001/p2p/" + a.String(), Label: "a", Priority: 1, Enabled: true},
		{Address: "/ip4/10.0.0.9/tcp/4001/p2p/" + a.String(), Label: "a-disabled", Priority: 0, Enabled: false},
		{Address: "/ip4/10.0.0.3/udp/4001/quic-v1/p2p/" + a.String(), Label: "a-quic", Priority: 7, Enabled: true},
		{Address: "not-a-multiaddr", Label: "broken", Priority: 2, Enabled: true},
		{Address: "/ip4/10.0.0.4/tcp/4001", Label: "no-peer", Priority: 3, Enabled: true},
	}
	infos, errs := Resolve(entries)
	if len(errs) != 2 {
		t.Fatalf("expected 2 invalid entries, got %v", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("expected ErrInvalidEntry, got %v", err)
		}
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(infos))
	}
	if infos[0].ID != a || infos[1].ID != b {
		t.Fatalf("expected priority order a, b; got %s, %s", infos[0].ID, infos[1].ID)
	}
	if len(infos[0].Addrs) != 2 {
		t.Fatalf("expected merged addresses for a, got %v", infos[0].Addrs)
	}
	if infos[0].Addrs[0].String() != "/ip4/10.0.0.1/tcp/4001" {
		t.Fatalf("expected highest priority address first, got %s", infos[0].Addrs[0])
	}
}

func TestManagerFallsBackToCacheThenBaked(t *testing.T) {
	a := testPeerID(t, 1)
	good := []Entry{{Address: "/ip4/10.0.0.1/tcp/4001/p2p/" + a.String(), Label: "seed", Enabled: true}}
	baked := []Entry{{Address: "/dns4/seed.example/tcp/4001/p2p/" + a.String(), Label: "baked", Enabled: true}}
	cache := filepath.Join(t.TempDir(), "bootstrap-cache.json")

	m := NewManager(cache, baked)
	set := m.Load(good)
	if set.Source != SourceConfig || len(set.Entries) != 1 {
		t.Fatalf("expected configured set, got %+v", set)
	}

	set = NewManager(cache, baked).Load(nil)
	if set.Source != SourceCache || set.Entries[0].Label != "seed" {
		t.Fatalf("expected cached set, got %+v", set)
	}

	noCache := NewManager(filepath.Join(t.TempDir(), "missing.json"), baked)
	set = noCache.Load([]Entry{{Address: "/ip4/1.2.3.4/tcp/1", Enabled: true}})
	if set.Source != SourceBaked {
		t.Fatalf("expected baked set, got %+v", set)
	}
	if noCache.LastReason() == "" {
		t.Fatal("expected a reason for falling back")
	}
}
