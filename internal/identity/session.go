package identity

import (
	"crypto/ed25519"
	"strings"
	"sync"
	"time"

	"ardents/p2pcore/internal/canonical"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Session holds the decrypted keys of an unlocked identity. It is the only owner of
// the private key bytes; Lock zeroes them.
type Session struct {
	mu        sync.RWMutex
	identity  Identity
	signing   ed25519.PrivateKey
	agreement []byte
	locked    bool
}

// Unlocker applies an exponential lockout after failed passphrase attempts.
type Unlocker struct {
	mu             sync.Mutex
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewUnlocker() *Unlocker {
	return &Unlocker{now: time.Now}
}

func newUnlockerWithClock(now func() time.Time) *Unlocker {
	return &Unlocker{now: now}
}

func Unlock(id Identity, passphrase string) (*Session, error) {
	return NewUnlocker().Unlock(id, passphrase)
}

func (u *Unlocker) Unlock(id Identity, passphrase string) (*Session, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	u.mu.Lock()
	if !u.lockedUntil.IsZero() && u.now().Before(u.lockedUntil) {
		u.mu.Unlock()
		return nil, ErrLocked
	}
	u.mu.Unlock()

	keys, err := openIdentity(id, []byte(passphrase))
	if err != nil {
		if err == ErrInvalidPassphrase {
			u.mu.Lock()
			u.failedAttempts++
			u.lockedUntil = u.now().Add(failedAttemptBackoff(u.failedAttempts))
			u.mu.Unlock()
		}
		return nil, err
	}

	u.mu.Lock()
	u.failedAttempts = 0
	u.lockedUntil = time.Time{}
	u.mu.Unlock()

	pub := id
	pub.SigningPublicKey = append([]byte(nil), id.SigningPublicKey...)
	pub.AgreementPublicKey = append([]byte(nil), id.AgreementPublicKey...)
	return &Session{
		identity:  pub,
		signing:   ed25519.PrivateKey(keys.SigningPrivateKey),
		agreement: keys.AgreementPrivateKey,
	}, nil
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

func (s *Session) PeerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.PeerID
}

func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.identity
	out.SigningPublicKey = append([]byte(nil), s.identity.SigningPublicKey...)
	out.AgreementPublicKey = append([]byte(nil), s.identity.AgreementPublicKey...)
	return out
}

// Sign produces a canonical signature over payload with the identity's signing key.
func (s *Session) Sign(payload any) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrSessionLocked
	}
	return canonical.Sign(s.signing, payload)
}

func (s *Session) SigningKey() (ed25519.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrSessionLocked
	}
	return append(ed25519.PrivateKey(nil), s.signing...), nil
}

func (s *Session) AgreementPrivateKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrSessionLocked
	}
	return append([]byte(nil), s.agreement...), nil
}

// Libp2pKey converts the signing key for use as the transport host identity, so the
// host's peer id equals the identity's peer id.
func (s *Session) Libp2pKey() (crypto.PrivKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrSessionLocked
	}
	return crypto.UnmarshalEd25519PrivateKey(append([]byte(nil), s.signing...))
}

func (s *Session) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	zeroBytes(s.signing)
	zeroBytes(s.agreement)
	s.signing = nil
	s.agreement = nil
	s.locked = true
}

// NewEphemeralSession builds an unlocked session straight from seed bytes without an
// encrypted envelope. Used for throwaway nodes and tests.
func NewEphemeralSession(seed []byte, displayName string) (*Session, error) {
	keys, err := DeriveKeys(seed)
	if err != nil {
		return nil, err
	}
	peerID, err := DerivePeerID(keys.SigningPublicKey)
	if err != nil {
		keys.Zero()
		return nil, err
	}
	return &Session{
		identity: Identity{
			PeerID:             peerID,
			SigningPublicKey:   keys.SigningPublicKey,
			AgreementPublicKey: keys.AgreementPublicKey,
			DisplayName:        displayName,
		},
		signing:   ed25519.PrivateKey(keys.SigningPrivateKey),
		agreement: keys.AgreementPrivateKey,
	}, nil
}
