package protocol

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"ardents/p2pcore/internal/canonical"
	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/internal/identity"
)

type Signer = capability.Signer

// Seal signs msg in place with signer's key.
func Seal(signer Signer, msg Signed) error {
	msg.SetSig(nil)
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	msg.SetSig(sig)
	return nil
}

// Open verifies msg against the key embedded in its author's peer id.
func Open(msg Signed) error {
	pub, err := identity.PublicKeyFromPeerID(msg.Author())
	if err != nil {
		return fmt.Errorf("%w: author: %v", ErrInvalidSignature, err)
	}
	ok, err := canonical.Verify(ed25519.PublicKey(pub), msg, msg.Sig())
	if err != nil {
		if errors.Is(err, canonical.ErrMalformedSignature) || errors.Is(err, canonical.ErrEncoding) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// OpenFrom is Open plus a check that the author is the expected peer.
func OpenFrom(msg Signed, peerID string) error {
	if msg.Author() != peerID {
		return fmt.Errorf("%w: author %s does not match sender", ErrInvalidSignature, msg.Author())
	}
	return Open(msg)
}
