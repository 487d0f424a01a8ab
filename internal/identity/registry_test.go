package identity_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/identity"
)

func openRegistry(t *testing.T, path string) *identity.Registry {
	t.Helper()
	reg, err := identity.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	return reg
}

// TestClaimUniqueness verifies that a username belongs to one address, except
// that the claiming address may reclaim it.
func TestClaimUniqueness(t *testing.T) {
	reg := openRegistry(t, "")

	if err := reg.Claim("10.0.0.1", "alice"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := reg.Claim("10.0.0.2", "alice"); !errors.Is(err, identity.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if err := reg.Claim("10.0.0.1", "alice"); err != nil {
		t.Fatalf("reclaim by same address failed: %v", err)
	}
	if err := reg.Claim("10.0.0.1", "   "); !errors.Is(err, identity.ErrEmptyUsername) {
		t.Fatalf("expected ErrEmptyUsername, got %v", err)
	}

	if got := reg.UsernameCount(); got != 1 {
		t.Errorf("expected 1 username, got %d", got)
	}
	if got := reg.AddressCount(); got != 1 {
		t.Errorf("expected 1 address, got %d", got)
	}
}

// TestMostRecentFollowsClaimOrder verifies recency queries.
func TestMostRecentFollowsClaimOrder(t *testing.T) {
	reg := openRegistry(t, "")

	if _, ok := reg.MostRecent("10.0.0.1"); ok {
		t.Fatal("expected no username for unknown address")
	}

	for _, name := range []string{"alice", "al", "ally"} {
		if err := reg.Claim("10.0.0.1", name); err != nil {
			t.Fatalf("claim %q failed: %v", name, err)
		}
	}
	if err := reg.Claim("10.0.0.1", "alice"); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	if got, _ := reg.MostRecent("10.0.0.1"); got != "ally" {
		t.Errorf("expected most recent ally, got %q", got)
	}
	want := []string{"alice", "al", "ally"}
	if got := reg.Usernames("10.0.0.1"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !reg.Verify(identity.Identity{Address: "10.0.0.1", Username: "al"}) {
		t.Error("expected al to verify for 10.0.0.1")
	}
	if reg.Verify(identity.Identity{Address: "10.0.0.2", Username: "al"}) {
		t.Error("expected al not to verify for 10.0.0.2")
	}
}

// TestChannelMembership verifies created/joined bookkeeping.
func TestChannelMembership(t *testing.T) {
	reg := openRegistry(t, "")
	alice := identity.Identity{Address: "10.0.0.1", Username: "alice"}
	bob := identity.Identity{Address: "10.0.0.2", Username: "bob"}
	mustClaim(t, reg, alice)
	mustClaim(t, reg, bob)

	if err := reg.AddCreatedChannel(alice, "1"); err != nil {
		t.Fatalf("AddCreatedChannel failed: %v", err)
	}
	if err := reg.JoinChannel(bob, "1"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}
	if err := reg.JoinChannel(bob, "1"); err != nil {
		t.Fatalf("second JoinChannel failed: %v", err)
	}

	// creators cannot leave their own channel
	if err := reg.LeaveChannel(alice, "1"); err != nil {
		t.Fatalf("LeaveChannel failed: %v", err)
	}
	m, _ := reg.Channels(alice)
	if !reflect.DeepEqual(m, identity.Membership{Created: []string{"1"}, Joined: []string{"1"}}) {
		t.Errorf("unexpected creator membership: %+v", m)
	}

	if got := reg.MemberCount("1"); got != 2 {
		t.Errorf("expected 2 members, got %d", got)
	}

	if touched := reg.RemoveChannel("1"); touched != 2 {
		t.Errorf("expected 2 identities touched, got %d", touched)
	}
	m, _ = reg.Channels(bob)
	if len(m.Joined) != 0 {
		t.Errorf("expected bob to have no joined channels, got %v", m.Joined)
	}

	stranger := identity.Identity{Address: "10.0.0.9", Username: "eve"}
	if err := reg.JoinChannel(stranger, "1"); !errors.Is(err, identity.ErrUnknownIdentity) {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}
}

// TestPersistenceRoundTrip verifies the nested schema survives a reload with
// claim order intact.
func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	reg := openRegistry(t, path)

	alice := identity.Identity{Address: "10.0.0.1", Username: "zed"}
	mustClaim(t, reg, alice)
	mustClaim(t, reg, identity.Identity{Address: "10.0.0.1", Username: "amy"})
	if err := reg.AddCreatedChannel(alice, "3"); err != nil {
		t.Fatalf("AddCreatedChannel failed: %v", err)
	}

	reloaded := openRegistry(t, path)
	if got := reloaded.Usernames("10.0.0.1"); !reflect.DeepEqual(got, []string{"zed", "amy"}) {
		t.Errorf("claim order lost: %v", got)
	}
	m, err := reloaded.Channels(alice)
	if err != nil {
		t.Fatalf("Channels failed: %v", err)
	}
	if !reflect.DeepEqual(m.Created, []string{"3"}) || !reflect.DeepEqual(m.Joined, []string{"3"}) {
		t.Errorf("membership lost: %+v", m)
	}
	if got := reloaded.ReferencedChannelIDs(); !reflect.DeepEqual(got, []string{"3"}) {
		t.Errorf("expected referenced ids [3], got %v", got)
	}
}

// TestLegacySchema verifies the list-of-usernames schema is read and migrated.
func TestLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	legacy := `{"10.0.0.1": ["alice", "al"], "10.0.0.2": ["bob"]}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	reg := openRegistry(t, path)
	if got, _ := reg.MostRecent("10.0.0.1"); got != "al" {
		t.Errorf("expected al, got %q", got)
	}
	if !reg.Exists("bob") {
		t.Error("expected bob to exist")
	}

	bob := identity.Identity{Address: "10.0.0.2", Username: "bob"}
	if err := reg.JoinChannel(bob, "2"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}

	// the next write uses the nested schema
	migrated := openRegistry(t, path)
	m, err := migrated.Channels(bob)
	if err != nil {
		t.Fatalf("Channels after migration failed: %v", err)
	}
	if !reflect.DeepEqual(m.Joined, []string{"2"}) {
		t.Errorf("expected joined [2], got %v", m.Joined)
	}
	if got := migrated.Usernames("10.0.0.1"); !reflect.DeepEqual(got, []string{"alice", "al"}) {
		t.Errorf("legacy order lost: %v", got)
	}
}

// TestCorruptFileFailsLoudly verifies that a damaged users file is not silently
// replaced.
func TestCorruptFileFailsLoudly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte(`{"10.0.0.1": 42}`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := identity.Open(path, zerolog.Nop()); !errors.Is(err, identity.ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func mustClaim(t *testing.T, reg *identity.Registry, id identity.Identity) {
	t.Helper()
	if err := reg.Claim(id.Address, id.Username); err != nil {
		t.Fatalf("claim %+v failed: %v", id, err)
	}
}
