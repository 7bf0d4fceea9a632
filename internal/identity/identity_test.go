package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"testing"
	"time"

	"ardents/p2pcore/internal/canonical"
)

func TestMain(m *testing.M) {
	kdfParams.time = 1
	kdfParams.memKB = 1024
	os.Exit(m.Run())
}

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 64)
	a, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	b, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	if !bytes.Equal(a.SigningPublicKey, b.SigningPublicKey) || !bytes.Equal(a.AgreementPublicKey, b.AgreementPublicKey) {
		t.Fatal("same seed must derive same keys")
	}
	if bytes.Equal(a.SigningPublicKey, a.AgreementPublicKey) {
		t.Fatal("signing and agreement keys must be domain separated")
	}

	other, err := DeriveKeys(bytes.Repeat([]byte{8}, 64))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	if bytes.Equal(a.SigningPublicKey, other.SigningPublicKey) {
		t.Fatal("different seeds must derive different keys")
	}
}

func TestPeerIDRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	id1, err := DerivePeerID(pub)
	if err != nil {
		t.Fatalf("derive peer id failed: %v", err)
	}
	id2, _ := DerivePeerID(pub)
	if id1 != id2 {
		t.Fatal("peer id must be deterministic")
	}
	recovered, err := PublicKeyFromPeerID(id1)
	if err != nil {
		t.Fatalf("recover public key failed: %v", err)
	}
	if !bytes.Equal(recovered, pub) {
		t.Fatal("recovered key must equal original")
	}
	if ok, err := VerifyPeerID(id1, pub); err != nil || !ok {
		t.Fatalf("expected peer id to verify, ok=%v err=%v", ok, err)
	}
	if _, err := DerivePeerID(pub[:10]); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := PublicKeyFromPeerID("not-a-peer-id"); err == nil {
		t.Fatal("expected error for garbage peer id")
	}
}

func TestCreateAndImportReproduceIdentity(t *testing.T) {
	created, mnemonic, err := Create("pass-1", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatal("created mnemonic must be valid")
	}
	if created.EncryptedKeys == nil {
		t.Fatal("created identity must carry encrypted keys")
	}
	imported, err := Import(mnemonic, "pass-2", "alice")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if created.PeerID != imported.PeerID {
		t.Fatal("importing same mnemonic should reproduce same peer id")
	}
	if !bytes.Equal(created.AgreementPublicKey, imported.AgreementPublicKey) {
		t.Fatal("importing same mnemonic should reproduce agreement key")
	}
}

func TestCreateImportInvalidInputs(t *testing.T) {
	if _, _, err := Create("", "x"); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := Import("", "p", "x"); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := Import("not a mnemonic", "p", "x"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestUnlockSignAndLock(t *testing.T) {
	id, _, err := Create("pass", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	s, err := Unlock(id, "pass")
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if s.PeerID() != id.PeerID {
		t.Fatal("session peer id must match identity")
	}

	payload := map[string]any{"hello": "world"}
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	ok, err := canonical.Verify(ed25519.PublicKey(id.SigningPublicKey), payload, sig)
	if err != nil || !ok {
		t.Fatalf("expected signature to verify, ok=%v err=%v", ok, err)
	}

	key, err := s.Libp2pKey()
	if err != nil {
		t.Fatalf("libp2p key failed: %v", err)
	}
	raw, err := key.GetPublic().Raw()
	if err != nil || !bytes.Equal(raw, id.SigningPublicKey) {
		t.Fatal("libp2p key must wrap the signing key")
	}

	signing := s.signing
	s.Lock()
	if !s.Locked() {
		t.Fatal("session should report locked")
	}
	for _, b := range signing {
		if b != 0 {
			t.Fatal("signing key bytes must be zeroed on lock")
		}
	}
	if _, err := s.Sign(payload); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	if _, err := s.SigningKey(); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	s.Lock()
}

func TestUnlockWrongPassphraseLockout(t *testing.T) {
	id, _, err := Create("right", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	u := newUnlockerWithClock(func() time.Time { return now })

	if _, err := u.Unlock(id, "wrong"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
	if _, err := u.Unlock(id, "right"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked during backoff, got %v", err)
	}
	now = now.Add(1100 * time.Millisecond)
	s, err := u.Unlock(id, "right")
	if err != nil {
		t.Fatalf("unlock after backoff failed: %v", err)
	}
	s.Lock()
}

func TestFailedAttemptBackoff(t *testing.T) {
	cases := map[int]time.Duration{0: 0, 1: time.Second, 2: 2 * time.Second, 6: 32 * time.Second, 20: 32 * time.Second}
	for attempt, want := range cases {
		if got := failedAttemptBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestChangePassphrase(t *testing.T) {
	id, _, err := Create("old", "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	changed, err := ChangePassphrase(id, "old", "new")
	if err != nil {
		t.Fatalf("change passphrase failed: %v", err)
	}
	if changed.PeerID != id.PeerID {
		t.Fatal("peer id must survive passphrase change")
	}
	if _, err := Unlock(changed, "old"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected old passphrase to fail, got %v", err)
	}
	s, err := Unlock(changed, "new")
	if err != nil {
		t.Fatalf("unlock with new passphrase failed: %v", err)
	}
	s.Lock()
}

func TestUnlockWithoutEnvelope(t *testing.T) {
	if _, err := Unlock(Identity{PeerID: "x"}, "p"); !errors.Is(err, ErrNoKeyEnvelope) {
		t.Fatalf("expected ErrNoKeyEnvelope, got %v", err)
	}
}

func TestEphemeralSession(t *testing.T) {
	s, err := NewEphemeralSession(bytes.Repeat([]byte{1}, 32), "bob")
	if err != nil {
		t.Fatalf("ephemeral session failed: %v", err)
	}
	pub, err := PublicKeyFromPeerID(s.PeerID())
	if err != nil {
		t.Fatalf("recover key failed: %v", err)
	}
	if !bytes.Equal(pub, s.Identity().SigningPublicKey) {
		t.Fatal("peer id must embed signing key")
	}
}
