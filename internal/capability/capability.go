// Package capability models who may access whose content: signed grants, signed
// revokes, and the pure authorization check over both.
package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"ardents/p2pcore/internal/canonical"
	"ardents/p2pcore/internal/identity"

	"github.com/google/uuid"
)

type Capability string

const (
	ViewProfile   Capability = "view-profile"
	ViewPosts     Capability = "view-posts"
	DirectMessage Capability = "direct-message"
)

func (c Capability) Valid() bool {
	switch c {
	case ViewProfile, ViewPosts, DirectMessage:
		return true
	default:
		return false
	}
}

func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.TrimSpace(strings.ToLower(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCapability, raw)
	}
	return c, nil
}

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrInvalidGrant      = errors.New("invalid grant")
)

// Signer is satisfied by an unlocked identity session.
type Signer interface {
	PeerID() string
	Sign(payload any) ([]byte, error)
}

// Grant allows Grantee to exercise Capability over Grantor's resources. Timestamps are
// unix milliseconds; ExpiresAt zero means the grant never expires.
type Grant struct {
	ID         string     `json:"id"`
	Grantor    string     `json:"grantor"`
	Grantee    string     `json:"grantee"`
	Capability Capability `json:"capability"`
	IssuedAt   int64      `json:"issued_at"`
	ExpiresAt  int64      `json:"expires_at,omitempty"`
	Signature  []byte     `json:"signature,omitempty"`
}

// Revoke withdraws grants issued at or before Timestamp. With GrantID set it targets
// that grant only; otherwise every grant of the (grantor, grantee, capability) tuple.
type Revoke struct {
	GrantID    string     `json:"grant_id,omitempty"`
	Grantor    string     `json:"grantor"`
	Grantee    string     `json:"grantee"`
	Capability Capability `json:"capability"`
	Timestamp  int64      `json:"timestamp"`
	Signature  []byte     `json:"signature,omitempty"`
}

// Ref names what a revoke applies to.
type Ref struct {
	GrantID    string
	Grantee    string
	Capability Capability
}

func RefOf(g Grant) Ref {
	return Ref{GrantID: g.ID, Grantee: g.Grantee, Capability: g.Capability}
}

func IssueGrant(signer Signer, grantee string, c Capability, issuedAt time.Time, expiresAt *time.Time) (Grant, error) {
	grantee = strings.TrimSpace(grantee)
	if grantee == "" {
		return Grant{}, fmt.Errorf("%w: grantee is required", ErrInvalidGrant)
	}
	if !c.Valid() {
		return Grant{}, ErrInvalidCapability
	}
	g := Grant{
		ID:         uuid.NewString(),
		Grantor:    signer.PeerID(),
		Grantee:    grantee,
		Capability: c,
		IssuedAt:   issuedAt.UnixMilli(),
	}
	if expiresAt != nil {
		if !expiresAt.After(issuedAt) {
			return Grant{}, fmt.Errorf("%w: expiry must be after issue time", ErrInvalidGrant)
		}
		g.ExpiresAt = expiresAt.UnixMilli()
	}
	sig, err := signer.Sign(g)
	if err != nil {
		return Grant{}, err
	}
	g.Signature = sig
	return g, nil
}

func IssueRevoke(signer Signer, ref Ref, at time.Time) (Revoke, error) {
	if strings.TrimSpace(ref.Grantee) == "" {
		return Revoke{}, fmt.Errorf("%w: grantee is required", ErrInvalidGrant)
	}
	if !ref.Capability.Valid() {
		return Revoke{}, ErrInvalidCapability
	}
	r := Revoke{
		GrantID:    ref.GrantID,
		Grantor:    signer.PeerID(),
		Grantee:    ref.Grantee,
		Capability: ref.Capability,
		Timestamp:  at.UnixMilli(),
	}
	sig, err := signer.Sign(r)
	if err != nil {
		return Revoke{}, err
	}
	r.Signature = sig
	return r, nil
}

func VerifyGrant(g Grant) error {
	return verifyBy(g.Grantor, g, g.Signature)
}

func VerifyRevoke(r Revoke) error {
	return verifyBy(r.Grantor, r, r.Signature)
}

func verifyBy(signerPeerID string, payload any, sig []byte) error {
	pub, err := identity.PublicKeyFromPeerID(signerPeerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ok, err := canonical.Verify(ed25519.PublicKey(pub), payload, sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
