package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning   = "ardents/identity/signing/v1"
	hkdfInfoAgreement = "ardents/identity/agreement/v1"
)

var ErrUnsupportedPeerKey = errors.New("peer id does not embed an ed25519 key")

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingSeed)
	agreementPriv, err := hkdfExpand(seedBytes, hkdfInfoAgreement, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	return keysFromSeeds(signingSeed, agreementPriv)
}

func keysFromSeeds(signingSeed, agreementPriv []byte) (*DerivedKeys, error) {
	if len(signingSeed) != ed25519.SeedSize || len(agreementPriv) != curve25519.ScalarSize {
		return nil, ErrIdentityInit
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)
	agreementPub, err := curve25519.X25519(agreementPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &DerivedKeys{
		SigningPrivateKey:   signingPriv,
		SigningPublicKey:    signingPub,
		AgreementPrivateKey: append([]byte(nil), agreementPriv...),
		AgreementPublicKey:  agreementPub,
	}, nil
}

// DerivePeerID returns the libp2p peer id of an Ed25519 signing key. Ed25519 ids
// inline the key, so the key can be recovered from the id alone.
func DerivePeerID(signingPublicKey ed25519.PublicKey) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	pk, err := crypto.UnmarshalEd25519PublicKey(signingPublicKey)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func PublicKeyFromPeerID(peerID string) (ed25519.PublicKey, error) {
	id, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	pk, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPeerKey, err)
	}
	if _, ok := pk.(*crypto.Ed25519PublicKey); !ok {
		return nil, ErrUnsupportedPeerKey
	}
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrUnsupportedPeerKey
	}
	return ed25519.PublicKey(raw), nil
}

func VerifyPeerID(peerID string, signingPublicKey []byte) (bool, error) {
	expected, err := DerivePeerID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return expected == peerID, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
