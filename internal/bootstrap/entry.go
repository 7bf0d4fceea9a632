// Package bootstrap turns the externally managed list of seed peers into the ordered
// dial set the network service consumes, with a cached last-known-good fallback.
package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var ErrInvalidEntry = errors.New("invalid bootstrap entry")

// Entry is one seed peer. Address must be a multiaddr ending in /p2p/<peer id>.
// Lower Priority values are dialed first.
type Entry struct {
	Address  string `yaml:"address" json:"address"`
	Label    string `yaml:"label" json:"label"`
	Priority int    `yaml:"priority" json:"priority"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

func (e Entry) AddrInfo() (peer.AddrInfo, error) {
	raw := strings.TrimSpace(e.Address)
	if raw == "" {
		return peer.AddrInfo{}, fmt.Errorf("%w: empty address", ErrInvalidEntry)
	}
	m, err := ma.NewMultiaddr(raw)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, e.label(), err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, e.label(), err)
	}
	return *info, nil
}

func (e Entry) label() string {
	if e.Label != "" {
		return e.Label
	}
	return e.Address
}

// Resolve drops disabled entries, orders the rest by priority (stable for equal
// priorities), and merges entries that name the same peer. Invalid entries are
// skipped and reported.
func Resolve(entries []Entry) ([]peer.AddrInfo, []error) {
	enabled := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority < enabled[j].Priority })

	var errs []error
	out := make([]peer.AddrInfo, 0, len(enabled))
	index := make(map[peer.ID]int, len(enabled))
	for _, e := range enabled {
		info, err := e.AddrInfo()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i, ok := index[info.ID]; ok {
			out[i].Addrs = appendUnique(out[i].Addrs, info.Addrs...)
			continue
		}
		index[info.ID] = len(out)
		out = append(out, info)
	}
	return out, errs
}

func appendUnique(dst []ma.Multiaddr, addrs ...ma.Multiaddr) []ma.Multiaddr {
	for _, a := range addrs {
		dup := false
		for _, d := range dst {
			if d.Equal(a) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, a)
		}
	}
	return dst
}
