package identity

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrInvalidPassphrase  = errors.New("invalid passphrase")
	ErrPassphraseRequired = errors.New("passphrase is required")
	ErrMnemonicRequired   = errors.New("mnemonic is required")
	ErrIdentityInit       = errors.New("identity initialization failed")
	ErrNoKeyEnvelope      = errors.New("identity has no encrypted keys")
	ErrLocked             = errors.New("passphrase attempts are temporarily locked")
	ErrSessionLocked      = errors.New("session is locked")
)

// Create generates a fresh mnemonic and derives a new identity from it. The mnemonic
// is returned once so the caller can show it for backup; it is never stored.
func Create(passphrase, displayName string) (Identity, string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return Identity{}, "", ErrPassphraseRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return Identity{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Identity{}, "", err
	}
	id, err := Import(mnemonic, passphrase, displayName)
	if err != nil {
		return Identity{}, "", err
	}
	return id, mnemonic, nil
}

func Import(mnemonic, passphrase, displayName string) (Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return Identity{}, ErrMnemonicRequired
	}
	if strings.TrimSpace(passphrase) == "" {
		return Identity{}, ErrPassphraseRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Identity{}, ErrInvalidMnemonic
	}

	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return Identity{}, err
	}
	defer keys.Zero()
	return sealIdentity(keys, []byte(passphrase), strings.TrimSpace(displayName))
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// ChangePassphrase re-seals the identity's keys under a new passphrase.
func ChangePassphrase(id Identity, oldPassphrase, newPassphrase string) (Identity, error) {
	if strings.TrimSpace(oldPassphrase) == "" || strings.TrimSpace(newPassphrase) == "" {
		return Identity{}, ErrPassphraseRequired
	}
	keys, err := openIdentity(id, []byte(oldPassphrase))
	if err != nil {
		return Identity{}, err
	}
	defer keys.Zero()
	out, err := sealIdentity(keys, []byte(newPassphrase), id.DisplayName)
	if err != nil {
		return Identity{}, err
	}
	out.Bio = id.Bio
	out.AvatarHash = id.AvatarHash
	return out, nil
}

func sealIdentity(keys *DerivedKeys, passphrase []byte, displayName string) (Identity, error) {
	peerID, err := DerivePeerID(keys.SigningPublicKey)
	if err != nil {
		return Identity{}, err
	}
	material := make([]byte, 0, ed25519.SeedSize+len(keys.AgreementPrivateKey))
	material = append(material, ed25519.PrivateKey(keys.SigningPrivateKey).Seed()...)
	material = append(material, keys.AgreementPrivateKey...)
	defer zeroBytes(material)

	env, err := SealKeys(material, passphrase)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		PeerID:             peerID,
		SigningPublicKey:   append([]byte(nil), keys.SigningPublicKey...),
		AgreementPublicKey: append([]byte(nil), keys.AgreementPublicKey...),
		EncryptedKeys:      env,
		DisplayName:        displayName,
	}, nil
}

func openIdentity(id Identity, passphrase []byte) (*DerivedKeys, error) {
	material, err := OpenKeys(id.EncryptedKeys, passphrase)
	if err != nil {
		if errors.Is(err, ErrNoKeyEnvelope) {
			return nil, err
		}
		return nil, ErrInvalidPassphrase
	}
	defer zeroBytes(material)
	if len(material) != 2*ed25519.SeedSize {
		return nil, ErrIdentityInit
	}
	keys, err := keysFromSeeds(material[:ed25519.SeedSize], material[ed25519.SeedSize:])
	if err != nil {
		return nil, err
	}
	ok, err := VerifyPeerID(id.PeerID, keys.SigningPublicKey)
	if err != nil || !ok {
		keys.Zero()
		return nil, ErrIdentityInit
	}
	return keys, nil
}
