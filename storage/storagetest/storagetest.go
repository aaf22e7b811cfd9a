// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpagliara/authgate/storage"
)

// Factory returns a fresh, empty repository. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) storage.Repository

// Run executes the full suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepo(t)) })
	t.Run("DuplicateUser", func(t *testing.T) { testDuplicateUser(t, newRepo(t)) })
	t.Run("ConcurrentRegistration", func(t *testing.T) { testConcurrentRegistration(t, newRepo(t)) })
	t.Run("ReplaceToken", func(t *testing.T) { testReplaceToken(t, newRepo(t)) })
	t.Run("TokenExpiry", func(t *testing.T) { testTokenExpiry(t, newRepo(t)) })
	t.Run("DeleteTokens", func(t *testing.T) { testDeleteTokens(t, newRepo(t)) })
	t.Run("Proposals", func(t *testing.T) { testProposals(t, newRepo(t)) })
}

func sampleUser(name string) storage.User {
	return storage.User{
		Username:     name,
		PasswordHash: []byte("0123456789abcdef0123456789abcdef"),
		Salt:         []byte("salt-salt-salt-!"),
		ProfileImage: []byte{0x89, 'P', 'N', 'G'},
	}
}

func testUsers(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	exists, err := repo.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.CreateUser(ctx, sampleUser("alice")))

	exists, err = repo.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	u, err := repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	want := sampleUser("alice")
	assert.Equal(t, want.Username, u.Username)
	assert.Equal(t, want.PasswordHash, u.PasswordHash)
	assert.Equal(t, want.Salt, u.Salt)
	assert.Equal(t, want.ProfileImage, u.ProfileImage)
	assert.False(t, u.CreatedAt.IsZero())

	// Usernames are case sensitive.
	exists, err = repo.UserExists(ctx, "Alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testDuplicateUser(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, sampleUser("bob")))

	dup := sampleUser("bob")
	dup.PasswordHash = []byte("ffffffffffffffffffffffffffffffff")
	err := repo.CreateUser(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrUserExists)

	u, err := repo.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, sampleUser("bob").PasswordHash, u.PasswordHash, "original row must survive")
}

func testConcurrentRegistration(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.CreateUser(ctx, sampleUser("carol"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		// SQLite may surface lock contention instead of the conflict.
		if !errors.Is(err, storage.ErrUserExists) {
			t.Logf("concurrent create returned: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one registration must succeed")
}

func testReplaceToken(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, sampleUser("dave")))
	now := time.Now().UTC().Truncate(time.Second)

	first := storage.RememberToken{UUID: "11111111-1111-1111-1111-111111111111", Username: "dave", EncryptedToken: "first", ExpiresAt: now.Add(time.Hour)}
	second := storage.RememberToken{UUID: "22222222-2222-2222-2222-222222222222", Username: "dave", EncryptedToken: "second", ExpiresAt: now.Add(2 * time.Hour)}

	require.NoError(t, repo.ReplaceToken(ctx, first))
	got, err := repo.GetToken(ctx, first.UUID, now)
	require.NoError(t, err)
	assert.Equal(t, "dave", got.Username)
	assert.Equal(t, "first", got.EncryptedToken)
	assert.True(t, got.ExpiresAt.Equal(first.ExpiresAt))

	require.NoError(t, repo.ReplaceToken(ctx, second))
	_, err = repo.GetToken(ctx, first.UUID, now)
	assert.ErrorIs(t, err, storage.ErrNotFound, "previous token must be replaced")

	got, err = repo.GetToken(ctx, second.UUID, now)
	require.NoError(t, err)
	assert.Equal(t, "second", got.EncryptedToken)
}

func testTokenExpiry(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, sampleUser("erin")))
	require.NoError(t, repo.CreateUser(ctx, sampleUser("frank")))
	now := time.Now().UTC().Truncate(time.Second)

	expired := storage.RememberToken{UUID: "33333333-3333-3333-3333-333333333333", Username: "erin", EncryptedToken: "x", ExpiresAt: now.Add(-time.Minute)}
	live := storage.RememberToken{UUID: "44444444-4444-4444-4444-444444444444", Username: "frank", EncryptedToken: "y", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.ReplaceToken(ctx, expired))
	require.NoError(t, repo.ReplaceToken(ctx, live))

	_, err := repo.GetToken(ctx, expired.UUID, now)
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired tokens are never returned")

	n, err := repo.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.GetToken(ctx, live.UUID, now)
	assert.NoError(t, err)

	// A token expiring exactly now is expired.
	_, err = repo.GetToken(ctx, live.UUID, live.ExpiresAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteTokens(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, sampleUser("gina")))
	now := time.Now().UTC()
	tok := storage.RememberToken{UUID: "55555555-5555-5555-5555-555555555555", Username: "gina", EncryptedToken: "z", ExpiresAt: now.Add(time.Hour)}

	require.NoError(t, repo.ReplaceToken(ctx, tok))
	n, err := repo.DeleteTokenByUUID(ctx, tok.UUID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.DeleteTokenByUUID(ctx, tok.UUID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.ReplaceToken(ctx, tok))
	n, err = repo.DeleteTokensByUsername(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.DeleteTokensByUsername(ctx, "gina")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteTokensByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testProposals(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, sampleUser("hank")))

	list, err := repo.ListProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	p1, err := repo.CreateProposal(ctx, storage.Proposal{Username: "hank", FileName: "a.txt", Content: "alpha"})
	require.NoError(t, err)
	assert.NotZero(t, p1.ID)
	assert.False(t, p1.CreatedAt.IsZero())

	p2, err := repo.CreateProposal(ctx, storage.Proposal{Username: "hank", FileName: "b.txt", Content: "beta ünïcode"})
	require.NoError(t, err)
	assert.Greater(t, p2.ID, p1.ID)

	list, err = repo.ListProposals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.txt", list[0].FileName)
	assert.Equal(t, "beta ünïcode", list[1].Content)
	assert.Equal(t, "hank", list[1].Username)
}
