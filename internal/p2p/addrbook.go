package p2p

import (
	"errors"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

type addrSource string

const (
	SourceMdns      addrSource = "mdns"
	SourceDHT       addrSource = "dht"
	SourceExchange  addrSource = "exchange"
	SourceBootstrap addrSource = "bootstrap"
	SourceManual    addrSource = "manual"
)

var errAddrPeerMismatch = errors.New("address names a different peer")

type addrEntry struct {
	addr        string
	source      addrSource
	firstSeen   time.Time
	lastSeen    time.Time
	lastSuccess time.Time
	failures    int
}

// pinned entries come from configuration and are never pruned.
func (e *addrEntry) pinned() bool {
	return e.source == SourceBootstrap || e.source == SourceManual
}

// addrBook merges addresses from every discovery source, keyed by peer id. Owned by
// the service loop.
type addrBook struct {
	byPeer      map[string][]*addrEntry
	ttl         time.Duration
	maxFailures int
}

func newAddrBook(ttl time.Duration, maxFailures int) *addrBook {
	return &addrBook{
		byPeer:      make(map[string][]*addrEntry),
		ttl:         ttl,
		maxFailures: maxFailures,
	}
}

// normalizeAddr strips a trailing /p2p/<id> component, which must name peerID.
func normalizeAddr(peerID, raw string) (string, error) {
	m, err := ma.NewMultiaddr(raw)
	if err != nil {
		return "", err
	}
	transportAddr, id := peer.SplitAddr(m)
	if id != "" && id.String() != peerID {
		return "", errAddrPeerMismatch
	}
	if len(transportAddr) == 0 {
		return "", errors.New("address has no transport part")
	}
	return transportAddr.String(), nil
}

// add records addr for peerID and reports whether it was previously unknown.
func (b *addrBook) add(peerID, raw string, source addrSource, now time.Time) (bool, error) {
	addr, err := normalizeAddr(peerID, raw)
	if err != nil {
		return false, err
	}
	for _, e := range b.byPeer[peerID] {
		if e.addr == addr {
			e.lastSeen = now
			if source == SourceBootstrap || source == SourceManual {
				e.source = source
			} else if !e.pinned() {
				e.source = source
			}
			return false, nil
		}
	}
	b.byPeer[peerID] = append(b.byPeer[peerID], &addrEntry{
		addr:      addr,
		source:    source,
		firstSeen: now,
		lastSeen:  now,
	})
	return true, nil
}

// candidates orders a peer's addresses for dialing: addresses that worked most
// recently first, then fewest failures, then most recently seen.
func (b *addrBook) candidates(peerID string) []string {
	entries := append([]*addrEntry(nil), b.byPeer[peerID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		a, c := entries[i], entries[j]
		if !a.lastSuccess.Equal(c.lastSuccess) {
			return a.lastSuccess.After(c.lastSuccess)
		}
		if a.failures != c.failures {
			return a.failures < c.failures
		}
		return a.lastSeen.After(c.lastSeen)
	})
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.addr)
	}
	return out
}

func (b *addrBook) markSuccess(peerID, addr string, now time.Time) {
	if e := b.find(peerID, addr); e != nil {
		e.failures = 0
		e.lastSuccess = now
		e.lastSeen = now
	}
}

// markFailure counts a failed dial. An unpinned address that keeps failing is dropped
// once it has also gone stale.
func (b *addrBook) markFailure(peerID, addr string, now time.Time) {
	e := b.find(peerID, addr)
	if e == nil {
		return
	}
	e.failures++
	if b.droppable(e, now) {
		b.remove(peerID, addr)
	}
}

// prune drops stale addresses that have failed since they were last confirmed.
func (b *addrBook) prune(now time.Time) int {
	removed := 0
	for peerID, entries := range b.byPeer {
		kept := entries[:0]
		for _, e := range entries {
			if b.droppable(e, now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(b.byPeer, peerID)
		} else {
			b.byPeer[peerID] = kept
		}
	}
	return removed
}

func (b *addrBook) droppable(e *addrEntry, now time.Time) bool {
	if e.pinned() || e.failures == 0 {
		return false
	}
	last := e.lastSeen
	if e.lastSuccess.After(last) {
		last = e.lastSuccess
	}
	stale := now.Sub(last) > b.ttl
	return stale || e.failures >= b.maxFailures
}

func (b *addrBook) addrs(peerID string) []string {
	out := make([]string, 0, len(b.byPeer[peerID]))
	for _, e := range b.byPeer[peerID] {
		out = append(out, e.addr)
	}
	return out
}

func (b *addrBook) find(peerID, addr string) *addrEntry {
	for _, e := range b.byPeer[peerID] {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

func (b *addrBook) remove(peerID, addr string) {
	entries := b.byPeer[peerID]
	for i, e := range entries {
		if e.addr == addr {
			b.byPeer[peerID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(b.byPeer[peerID]) == 0 {
		delete(b.byPeer, peerID)
	}
}
