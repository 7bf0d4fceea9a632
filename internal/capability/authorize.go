package capability

import "time"

// IsAuthorized reports whether at least one grant from owner to subject for c is
// correctly signed, live at now, and not withdrawn by a correctly signed revoke
// stamped at or after its issue time. Records failing verification are ignored.
func IsAuthorized(subject, owner string, c Capability, grants []Grant, revokes []Revoke, now time.Time) bool {
	if subject == "" || owner == "" || !c.Valid() {
		return false
	}
	nowMs := now.UnixMilli()

	var applicable []Revoke
	for _, r := range revokes {
		if r.Grantor != owner || r.Grantee != subject || r.Capability != c {
			continue
		}
		if VerifyRevoke(r) != nil {
			continue
		}
		applicable = append(applicable, r)
	}

	for _, g := range grants {
		if g.Grantor != owner || g.Grantee != subject || g.Capability != c {
			continue
		}
		if g.IssuedAt > nowMs {
			continue
		}
		if g.ExpiresAt != 0 && nowMs >= g.ExpiresAt {
			continue
		}
		if revoked(g, applicable) {
			continue
		}
		if VerifyGrant(g) != nil {
			continue
		}
		return true
	}
	return false
}

func revoked(g Grant, revokes []Revoke) bool {
	for _, r := range revokes {
		if r.GrantID != "" && r.GrantID != g.ID {
			continue
		}
		if r.Timestamp >= g.IssuedAt {
			return true
		}
	}
	return false
}

func Authorize(subject, owner string, c Capability, grants []Grant, revokes []Revoke, now time.Time) error {
	if !IsAuthorized(subject, owner, c, grants, revokes, now) {
		return ErrUnauthorized
	}
	return nil
}

// Proof is the set of grants a requester presents to justify access to an owner's
// content.
type Proof struct {
	Grants []Grant `json:"grants"`
}

// VerifyProof checks the presented grants against the verifier's view of revokes.
func VerifyProof(proof Proof, requester, owner string, c Capability, revokes []Revoke, now time.Time) error {
	return Authorize(requester, owner, c, proof.Grants, revokes, now)
}
