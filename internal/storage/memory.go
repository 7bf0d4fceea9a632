// Package storage is a reference implementation of the read/write contracts the
// network service depends on. Snapshots are optionally persisted as JSON, sealed with a
// passphrase when one is given.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/internal/securestore"
	"ardents/p2pcore/pkg/models"
)

var (
	ErrMessageIDConflict = errors.New("message id conflict")
	ErrInvalidContent    = errors.New("invalid content")
)

type relationKey struct {
	grantor string
	grantee string
}

type contentKey struct {
	owner string
	hash  string
}

type snapshot struct {
	Profiles map[string]models.Profile       `json:"profiles"`
	Posts    map[string][]models.PostSummary `json:"posts"`
	Content  []models.Content                `json:"content"`
	Messages map[string]models.Message       `json:"messages"`
	Acks     []models.Ack                    `json:"acks"`
	Grants   []capability.Grant              `json:"grants"`
	Revokes  []capability.Revoke             `json:"revokes"`
}

type Memory struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
	posts    map[string][]models.PostSummary
	content  map[contentKey]models.Content
	messages map[string]models.Message
	acks     []models.Ack
	grants   map[relationKey][]capability.Grant
	revokes  map[relationKey][]capability.Revoke
	path     string
	secret   string
}

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]models.Profile),
		posts:    make(map[string][]models.PostSummary),
		content:  make(map[contentKey]models.Content),
		messages: make(map[string]models.Message),
		grants:   make(map[relationKey][]capability.Grant),
		revokes:  make(map[relationKey][]capability.Revoke),
	}
}

// NewPersistent loads path if it exists and rewrites it after every mutation.
func NewPersistent(path string) (*Memory, error) {
	m := NewMemory()
	m.path = path
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEncrypted is NewPersistent with the snapshot sealed under secret.
func NewEncrypted(path, secret string) (*Memory, error) {
	if secret == "" {
		return nil, errors.New("storage secret is required")
	}
	m := NewMemory()
	m.path = path
	m.secret = secret
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) PutProfile(p models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.PeerID] = p
	return m.persistLocked()
}

func (m *Memory) Profile(_ context.Context, peerID string) (models.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[peerID]
	return p, ok, nil
}

// PutPost stores content and its summary, addressing the content by its hash.
// Re-using a post id replaces the earlier summary.
func (m *Memory) PutPost(owner, postID, mimeType string, data []byte, visibility models.Visibility, at time.Time) (models.PostSummary, error) {
	if owner == "" || postID == "" {
		return models.PostSummary{}, fmt.Errorf("%w: owner and post id are required", ErrInvalidContent)
	}
	if !visibility.Valid() {
		return models.PostSummary{}, fmt.Errorf("%w: visibility %q", ErrInvalidContent, visibility)
	}
	hash := protocol.ContentHash(data)
	summary := models.PostSummary{ID: postID, Owner: owner, Hash: hash, Timestamp: at.UTC(), Visibility: visibility}

	m.mu.Lock()
	defer m.mu.Unlock()
	posts := make([]models.PostSummary, 0, len(m.posts[owner])+1)
	for _, p := range m.posts[owner] {
		if p.ID != postID {
			posts = append(posts, p)
		}
	}
	posts = append(posts, summary)
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].Timestamp.Before(posts[j].Timestamp) })
	m.posts[owner] = posts
	m.content[contentKey{owner: owner, hash: hash}] = models.Content{
		Owner:      owner,
		Hash:       hash,
		MimeType:   mimeType,
		Data:       append([]byte(nil), data...),
		Visibility: visibility,
	}
	return summary, m.persistLocked()
}

func (m *Memory) PostSummaries(_ context.Context, owner string) ([]models.PostSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PostSummary(nil), m.posts[owner]...), nil
}

func (m *Memory) Content(_ context.Context, owner, hash string) (models.Content, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[contentKey{owner: owner, hash: hash}]
	if !ok {
		return models.Content{}, false, nil
	}
	c.Data = append([]byte(nil), c.Data...)
	return c, true, nil
}

// SaveMessage is idempotent on the message id: an identical re-submission reports
// duplicate without storing anything new.
func (m *Memory) SaveMessage(_ context.Context, msg models.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.messages[msg.ID]; ok {
		if messagesEqual(existing, msg) {
			return true, nil
		}
		return false, ErrMessageIDConflict
	}
	m.messages[msg.ID] = msg
	return false, m.persistLocked()
}

func (m *Memory) SaveAck(_ context.Context, ack models.Ack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ack)
	return m.persistLocked()
}

func (m *Memory) GetMessage(id string) (models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok
}

func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *Memory) Acks() []models.Ack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Ack(nil), m.acks...)
}

func (m *Memory) AddGrant(g capability.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relationKey{grantor: g.Grantor, grantee: g.Grantee}
	for _, existing := range m.grants[key] {
		if existing.ID == g.ID {
			return nil
		}
	}
	m.grants[key] = append(m.grants[key], g)
	return m.persistLocked()
}

func (m *Memory) AddRevoke(r capability.Revoke) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relationKey{grantor: r.Grantor, grantee: r.Grantee}
	m.revokes[key] = append(m.revokes[key], r)
	return m.persistLocked()
}

func (m *Memory) Grants(_ context.Context, grantor, grantee string) ([]capability.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]capability.Grant(nil), m.grants[relationKey{grantor: grantor, grantee: grantee}]...), nil
}

func (m *Memory) Revokes(_ context.Context, grantor, grantee string) ([]capability.Revoke, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]capability.Revoke(nil), m.revokes[relationKey{grantor: grantor, grantee: grantee}]...), nil
}

func (m *Memory) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return nil
	}
	var (
		data []byte
		err  error
	)
	if m.secret != "" {
		data, err = securestore.ReadDecryptedFile(m.path, m.secret)
	} else {
		data, err = os.ReadFile(m.path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for k, v := range snap.Profiles {
		m.profiles[k] = v
	}
	for k, v := range snap.Posts {
		m.posts[k] = v
	}
	for _, c := range snap.Content {
		m.content[contentKey{owner: c.Owner, hash: c.Hash}] = c
	}
	for k, v := range snap.Messages {
		m.messages[k] = v
	}
	m.acks = snap.Acks
	for _, g := range snap.Grants {
		key := relationKey{grantor: g.Grantor, grantee: g.Grantee}
		m.grants[key] = append(m.grants[key], g)
	}
	for _, r := range snap.Revokes {
		key := relationKey{grantor: r.Grantor, grantee: r.Grantee}
		m.revokes[key] = append(m.revokes[key], r)
	}
	return nil
}

func (m *Memory) persistLocked() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return err
	}
	snap := snapshot{
		Profiles: m.profiles,
		Posts:    m.posts,
		Messages: m.messages,
		Acks:     m.acks,
	}
	for _, c := range m.content {
		snap.Content = append(snap.Content, c)
	}
	for _, gs := range m.grants {
		snap.Grants = append(snap.Grants, gs...)
	}
	for _, rs := range m.revokes {
		snap.Revokes = append(snap.Revokes, rs...)
	}
	if m.secret != "" {
		return securestore.WriteEncryptedJSON(m.path, m.secret, snap)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func messagesEqual(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.Sender == b.Sender &&
		a.Recipient == b.Recipient &&
		bytes.Equal(a.Body, b.Body) &&
		a.Encrypted == b.Encrypted &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Direction == b.Direction
}
