package bootstrap

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

const (
	SourceConfig = "config"
	SourceCache  = "cache"
	SourceBaked  = "baked"
)

type Set struct {
	Source  string  `json:"source"`
	Entries []Entry `json:"entries"`
}

type cachePayload struct {
	CachedAt time.Time `json:"cached_at"`
	Entries  []Entry   `json:"entries"`
}

// Manager picks the bootstrap set: configured entries when at least one is usable,
// otherwise the cached set from a previous run, otherwise the baked-in defaults.
type Manager struct {
	cachePath string
	baked     []Entry
	now       func() time.Time

	lastReason string
}

func NewManager(cachePath string, baked []Entry) *Manager {
	return &Manager{
		cachePath: cachePath,
		baked:     append([]Entry(nil), baked...),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Load(configured []Entry) Set {
	if err := validateEntries(configured); err == nil {
		if err := m.saveCache(configured); err != nil {
			m.lastReason = "cache write failed: " + err.Error()
		}
		return Set{Source: SourceConfig, Entries: append([]Entry(nil), configured...)}
	} else {
		m.lastReason = "configured entries unusable: " + err.Error()
	}

	if cached, err := m.loadCache(); err == nil {
		return Set{Source: SourceCache, Entries: cached}
	} else {
		m.lastReason += "; cache invalid: " + err.Error()
	}
	return Set{Source: SourceBaked, Entries: append([]Entry(nil), m.baked...)}
}

func (m *Manager) LastReason() string {
	return m.lastReason
}

func (m *Manager) loadCache() ([]Entry, error) {
	if m.cachePath == "" {
		return nil, errors.New("cache path is not configured")
	}
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil, err
	}
	var cached cachePayload
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	if err := validateEntries(cached.Entries); err != nil {
		return nil, err
	}
	return cached.Entries, nil
}

func (m *Manager) saveCache(entries []Entry) error {
	if m.cachePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(cachePayload{CachedAt: m.now(), Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.cachePath, raw, 0o600)
}

func validateEntries(entries []Entry) error {
	infos, errs := Resolve(entries)
	if len(infos) == 0 {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return errors.New("no enabled bootstrap entries")
	}
	return nil
}
