package capability

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"ardents/p2pcore/internal/identity"
)

func newSession(t *testing.T, seed byte, name string) *identity.Session {
	t.Helper()
	s, err := identity.NewEphemeralSession(bytes.Repeat([]byte{seed}, 32), name)
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	return s
}

func TestGrantThenLaterRevokeDeniesAccess(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	issued := time.UnixMilli(1_000_000)

	g, err := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	if err != nil {
		t.Fatalf("issue grant failed: %v", err)
	}
	now := issued.Add(time.Minute)
	if !IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, nil, now) {
		t.Fatal("expected grant to authorize")
	}

	r, err := IssueRevoke(alice, RefOf(g), issued.Add(time.Second))
	if err != nil {
		t.Fatalf("issue revoke failed: %v", err)
	}
	if IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, []Revoke{r}, now) {
		t.Fatal("later revoke must deny access")
	}
	if err := Authorize(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, []Revoke{r}, now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRevokeEqualTimestampDenies(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	issued := time.UnixMilli(5_000)
	g, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	r, _ := IssueRevoke(alice, Ref{Grantee: bob.PeerID(), Capability: ViewPosts}, issued)
	if IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, []Revoke{r}, issued.Add(time.Second)) {
		t.Fatal("revoke with equal timestamp must deny access")
	}
}

func TestEarlierRevokeLeavesGrantValid(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	issued := time.UnixMilli(10_000)
	g, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	r, _ := IssueRevoke(alice, Ref{Grantee: bob.PeerID(), Capability: ViewPosts}, issued.Add(-time.Second))
	if !IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, []Revoke{r}, issued.Add(time.Second)) {
		t.Fatal("revoke older than grant must not deny access")
	}
}

func TestRevokeTargetingOtherGrantIsIgnored(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	issued := time.UnixMilli(10_000)
	g1, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	g2, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	r, _ := IssueRevoke(alice, RefOf(g1), issued.Add(time.Second))
	now := issued.Add(time.Minute)
	if IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g1}, []Revoke{r}, now) {
		t.Fatal("revoked grant must not authorize")
	}
	if !IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{g1, g2}, []Revoke{r}, now) {
		t.Fatal("untargeted grant must still authorize")
	}
}

func TestExpiryWindow(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	issued := time.UnixMilli(100_000)
	expires := issued.Add(time.Hour)
	g, err := IssueGrant(alice, bob.PeerID(), ViewProfile, issued, &expires)
	if err != nil {
		t.Fatalf("issue grant failed: %v", err)
	}
	cases := []struct {
		now  time.Time
		want bool
	}{
		{issued.Add(-time.Millisecond), false},
		{issued, true},
		{expires.Add(-time.Millisecond), true},
		{expires, false},
	}
	for _, tc := range cases {
		if got := IsAuthorized(bob.PeerID(), alice.PeerID(), ViewProfile, []Grant{g}, nil, tc.now); got != tc.want {
			t.Fatalf("at %d: expected %v, got %v", tc.now.UnixMilli(), tc.want, got)
		}
	}
	if _, err := IssueGrant(alice, bob.PeerID(), ViewProfile, issued, &issued); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant for non-positive lifetime, got %v", err)
	}
}

func TestBadRecordsAreIgnoredNotFatal(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	mallory := newSession(t, 3, "mallory")
	issued := time.UnixMilli(10_000)
	now := issued.Add(time.Minute)

	good, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)
	tampered := good
	tampered.ID = "forged"
	tampered.ExpiresAt = 1

	// A revoke signed by someone other than the grantor.
	forgedRevoke, _ := IssueRevoke(mallory, RefOf(good), issued.Add(time.Second))
	forgedRevoke.Grantor = alice.PeerID()

	if !IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{tampered, good}, []Revoke{forgedRevoke}, now) {
		t.Fatal("valid grant must survive bad sibling records")
	}
	if IsAuthorized(bob.PeerID(), alice.PeerID(), ViewPosts, []Grant{tampered}, nil, now) {
		t.Fatal("tampered grant alone must not authorize")
	}
	if err := VerifyGrant(tampered); err == nil {
		t.Fatal("expected tampered grant to fail verification")
	}
	if err := VerifyRevoke(forgedRevoke); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestGrantScope(t *testing.T) {
	alice := newSession(t, 1, "alice")
	bob := newSession(t, 2, "bob")
	carol := newSession(t, 3, "carol")
	issued := time.UnixMilli(10_000)
	now := issued.Add(time.Minute)
	g, _ := IssueGrant(alice, bob.PeerID(), ViewPosts, issued, nil)

	if IsAuthorized(carol.PeerID(), alice.PeerID(), ViewPosts, []Grant{g}, nil, now) {
		t.Fatal("grant must not authorize another grantee")
	}
	if IsAuthorized(bob.PeerID(), alice.PeerID(), ViewProfile, []Grant{g}, nil, now) {
		t.Fatal("grant must not authorize another capability")
	}
	if IsAuthorized(bob.PeerID(), carol.PeerID(), ViewPosts, []Grant{g}, nil, now) {
		t.Fatal("grant must not authorize access to another owner")
	}
	if err := VerifyProof(Proof{Grants: []Grant{g}}, bob.PeerID(), alice.PeerID(), ViewPosts, nil, now); err != nil {
		t.Fatalf("expected proof to verify: %v", err)
	}
}

func TestParseCapability(t *testing.T) {
	if c, err := ParseCapability(" View-Posts "); err != nil || c != ViewPosts {
		t.Fatalf("unexpected parse result %q %v", c, err)
	}
	if _, err := ParseCapability("admin"); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}
