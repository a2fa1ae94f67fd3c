package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 2*time.Hour, DefaultPasswordLength)
	require.NoError(t, err)
	return s
}

func TestLoadOrCreateMintsThenReuses(t *testing.T) {
	s := newTestStore(t)

	tok1, err := s.LoadOrCreate("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", tok1.User)
	assert.Len(t, tok1.Password, DefaultPasswordLength)
	assert.False(t, tok1.ExpiresAt.IsZero())

	tok2, err := s.LoadOrCreate("alice")
	require.NoError(t, err)
	assert.Equal(t, tok1.Password, tok2.Password, "a second call should reuse the existing token")
}

func TestLoadRequiresMatchingPassword(t *testing.T) {
	s := newTestStore(t)
	tok, err := s.LoadOrCreate("bob")
	require.NoError(t, err)

	loaded, err := s.Load("bob", tok.Password)
	require.NoError(t, err)
	assert.Equal(t, tok.User, loaded.User)

	_, err = s.Load("bob", "wrong-password")
	assert.Error(t, err)
}

func TestExpiredTokenIsTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	tok, err := s.LoadOrCreate("carol")
	require.NoError(t, err)

	tok.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, s.Flush(tok))

	_, err = s.Load("carol", tok.Password)
	assert.Error(t, err, "expired token must not be loadable")
}

func TestAddRemovePrivilegeIdempotentAndCleansUpEmptySet(t *testing.T) {
	tok := &Token{User: "dave", Password: "x"}

	tok.AddPrivilege("org/p", Upload)
	tok.AddPrivilege("org/p", Upload) // idempotent
	assert.True(t, tok.HasPrivilege("org/p", Upload))
	assert.Len(t, tok.Privileges["org/p"], 1)

	tok.RemovePrivilege("org/p", Upload)
	assert.False(t, tok.HasPrivilege("org/p", Upload))
	_, ok := tok.Privileges["org/p"]
	assert.False(t, ok, "repo key must be removed once its action set is empty")
}

func TestTokenRoundTripsThroughDisk(t *testing.T) {
	s := newTestStore(t)
	tok, err := s.LoadOrCreate("erin")
	require.NoError(t, err)
	tok.AddPrivilege("org/p", Download)
	require.NoError(t, s.Flush(tok))

	reloaded, err := s.Load("erin", tok.Password)
	require.NoError(t, err)

	assert.Equal(t, tok.User, reloaded.User)
	assert.Equal(t, tok.Password, reloaded.Password)
	assert.True(t, reloaded.ExpiresAt.Equal(tok.ExpiresAt))
	assert.True(t, reloaded.HasPrivilege("org/p", Download))

	if diff := cmp.Diff(tok.Privileges, reloaded.Privileges); diff != "" {
		t.Errorf("privilege grant map changed across a disk round trip (-want +got):\n%s", diff)
	}
}

func TestAuthHeaderDerivation(t *testing.T) {
	tok := &Token{User: "alice", Password: "s3cr3t"}
	header := tok.AuthHeader()
	assert.Contains(t, header, "Basic ")
}

func TestCheckPasswordAcceptsOnlyExactMatch(t *testing.T) {
	tok := &Token{User: "alice", Password: "correct-password"}
	assert.True(t, tok.CheckPassword("correct-password"))
	assert.False(t, tok.CheckPassword("incorrect-password"))
	assert.False(t, tok.CheckPassword(""))
}

type fakeOracle struct {
	allow map[string]bool
}

func (f *fakeOracle) HasAccess(repo, user string, action Action) bool {
	return f.allow[repo+"|"+string(action)]
}

func TestRevalidateDropsStaleGrants(t *testing.T) {
	s := newTestStore(t)
	tok, err := s.LoadOrCreate("frank")
	require.NoError(t, err)
	tok.AddPrivilege("org/p", Upload)
	tok.AddPrivilege("org/q", Download)
	require.NoError(t, s.Flush(tok))

	oracle := &fakeOracle{allow: map[string]bool{"org/q|download": true}}
	require.NoError(t, s.Revalidate(tok, oracle))

	assert.False(t, tok.HasPrivilege("org/p", Upload), "revoked grant must be dropped")
	assert.True(t, tok.HasPrivilege("org/q", Download), "still-granted privilege survives")
}

func TestReapRemovesOnlyExpiredTokens(t *testing.T) {
	s := newTestStore(t)

	fresh, err := s.LoadOrCreate("fresh-user")
	require.NoError(t, err)

	stale, err := s.LoadOrCreate("stale-user")
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Flush(stale))

	removed, err := s.Reap(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Load("fresh-user", fresh.Password)
	assert.NoError(t, err)

	_, err = s.Load("stale-user", stale.Password)
	assert.Error(t, err)
}

func TestDeleteRemovesFile(t *testing.T) {
	s := newTestStore(t)
	tok, err := s.LoadOrCreate("grace")
	require.NoError(t, err)

	require.NoError(t, s.Delete("grace"))

	_, err = s.Load("grace", tok.Password)
	assert.Error(t, err)
}
