package remember

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpagliara/authgate/crypto"
	"github.com/gpagliara/authgate/storage"
	"github.com/gpagliara/authgate/storage/memory"
)

var cookiePattern = regexp.MustCompile(`^[0-9a-f-]{36}:.+$`)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memory.Repository, *clock) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := crypto.NewCipherFromText(key)
	require.NoError(t, err)

	repo := memory.NewRepository()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewService(repo, c, WithClock(clk.Now), WithStoreTimeout(time.Second)), repo, clk
}

func issueCookie(t *testing.T, s *Service, username string) (string, *Issued) {
	t.Helper()
	issued, err := s.Issue(context.Background(), username)
	require.NoError(t, err)
	value, err := s.CookieValue(issued)
	require.NoError(t, err)
	return value, issued
}

func TestIssueAndValidate(t *testing.T) {
	s, _, clk := newTestService(t)
	ctx := context.Background()

	value, issued := issueCookie(t, s, "alice")
	assert.Regexp(t, cookiePattern, value)
	assert.Len(t, issued.Token, TokenLength)
	assert.True(t, clk.Now().Add(DefaultTTL).Equal(issued.ExpiresAt))

	username, uuid, err := s.ValidateCookie(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
	assert.Equal(t, issued.UUID, uuid)

	// A second encryption of the same token validates too.
	again, err := s.CookieValue(issued)
	require.NoError(t, err)
	assert.NotEqual(t, value, again)
	username, _, err = s.ValidateCookie(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	issued.Wipe()
	assert.Equal(t, make([]byte, TokenLength), issued.Token)
}

func TestIssueReplacesPreviousToken(t *testing.T) {
	s, repo, clk := newTestService(t)
	ctx := context.Background()

	first, _ := issueCookie(t, s, "alice")
	second, _ := issueCookie(t, s, "alice")

	_, _, err := s.ValidateCookie(ctx, first)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = s.ValidateCookie(ctx, second)
	assert.NoError(t, err)

	// Exactly one live row: the sweep after expiry removes one.
	clk.Advance(DefaultTTL)
	n, err := repo.DeleteExpiredTokens(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentIssueLeavesOneToken(t *testing.T) {
	s, repo, clk := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Issue(ctx, "bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	clk.Advance(DefaultTTL)
	n, err := repo.DeleteExpiredTokens(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIssueEmptyUsername(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Issue(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyUsername)
}

func TestValidateRejects(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	value, issued := issueCookie(t, s, "alice")
	uuid, encrypted, err := ParseCookieValue(value)
	require.NoError(t, err)

	t.Run("unknown uuid", func(t *testing.T) {
		_, err := s.Validate(ctx, encrypted, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("bit flips", func(t *testing.T) {
		raw, err := base64.StdEncoding.DecodeString(encrypted)
		require.NoError(t, err)
		for _, i := range []int{0, 15, 16, len(raw) / 2, len(raw) - 1} {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 0x01
			_, err := s.Validate(ctx, base64.StdEncoding.EncodeToString(tampered), uuid)
			assert.ErrorIs(t, err, ErrInvalidToken, "flip at byte %d", i)
		}
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := s.Validate(ctx, "%%%", uuid)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("different token same uuid", func(t *testing.T) {
		other, err := s.sealer.EncryptToText(make([]byte, TokenLength))
		require.NoError(t, err)
		_, err = s.Validate(ctx, other, issued.UUID)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestExpiry(t *testing.T) {
	s, _, clk := newTestService(t)
	ctx := context.Background()
	value, _ := issueCookie(t, s, "alice")

	clk.Advance(DefaultTTL - time.Second)
	_, _, err := s.ValidateCookie(ctx, value)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, _, err = s.ValidateCookie(ctx, value)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired tokens are rejected before the sweep")

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _, err = s.ValidateCookie(ctx, value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeIsIdempotent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	value, issued := issueCookie(t, s, "alice")

	n, err := s.RevokeByUUID(ctx, issued.UUID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RevokeByUUID(ctx, issued.UUID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = s.ValidateCookie(ctx, value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	issueCookie(t, s, "alice")
	n, err = s.RevokeByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RevokeByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type brokenTokens struct {
	storage.TokenRepository
	err error
}

func (b brokenTokens) GetToken(context.Context, string, time.Time) (*storage.RememberToken, error) {
	return nil, b.err
}

func (b brokenTokens) ReplaceToken(context.Context, storage.RememberToken) error { return b.err }

func TestStoreErrorsAreNotTokenErrors(t *testing.T) {
	boom := errors.New("store down")
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := crypto.NewCipherFromText(key)
	require.NoError(t, err)
	s := NewService(brokenTokens{err: boom}, c)

	_, err = s.Issue(context.Background(), "alice")
	assert.ErrorIs(t, err, boom)

	_, err = s.Validate(context.Background(), "x", "y")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

type slowTokens struct {
	storage.TokenRepository
}

func (slowTokens) DeleteExpiredTokens(ctx context.Context, _ time.Time) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestStoreTimeout(t *testing.T) {
	s := NewService(slowTokens{}, nil, WithStoreTimeout(10*time.Millisecond))
	_, err := s.SweepExpired(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
