// Package remember implements the remember-me token protocol.
//
// A token is 32 random bytes. The server stores its encrypted text form
// under a random UUID, one row per user. The client receives
// "<uuid>:<encrypted text>", encrypted freshly for the response. Validation
// decrypts both the stored and the presented ciphertext and compares the
// plaintexts in constant time, so neither ciphertext needs to be stable.
package remember

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpagliara/authgate/internal/util"
	"github.com/gpagliara/authgate/internal/uuid"
	"github.com/gpagliara/authgate/storage"
)

const (
	// TokenLength is the size of a plaintext token (256 bits).
	TokenLength = 32
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour

	defaultStoreTimeout = 5 * time.Second
)

var (
	// ErrEmptyUsername is returned by Issue for an empty username.
	ErrEmptyUsername = errors.New("username is required")
	// ErrInvalidToken covers every validation failure: unknown or expired
	// uuid, undecryptable ciphertext, plaintext mismatch.
	ErrInvalidToken = errors.New("invalid remember-me token")
)

// Sealer encrypts and decrypts token bytes to and from text.
// *crypto.Cipher implements it.
type Sealer interface {
	EncryptToText(plain []byte) (string, error)
	DecryptFromText(text string) ([]byte, error)
}

// Issued is a freshly issued token. Token holds plaintext and must be
// released with Wipe once the cookie value has been produced.
type Issued struct {
	UUID      string
	Username  string
	Token     []byte
	ExpiresAt time.Time
}

// Wipe zeroes the plaintext token.
func (i *Issued) Wipe() {
	util.WipeBytes(i.Token)
}

// Service issues, validates and revokes remember-me tokens.
type Service struct {
	tokens       storage.TokenRepository
	sealer       Sealer
	ttl          time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithStoreTimeout bounds each repository call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService returns a Service storing tokens in repo and sealing them with sealer.
func NewService(repo storage.TokenRepository, sealer Sealer, opts ...Option) *Service {
	s := &Service{
		tokens:       repo,
		sealer:       sealer,
		ttl:          DefaultTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime given to issued tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Issue creates a token for username, replacing any token the user already
// has. Nothing is persisted when an error is returned.
func (s *Service) Issue(ctx context.Context, username string) (*Issued, error) {
	if username == "" {
		return nil, ErrEmptyUsername
	}
	plain, err := util.RandomBytes(TokenLength)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.sealer.EncryptToText(plain)
	if err != nil {
		util.WipeBytes(plain)
		return nil, fmt.Errorf("encrypting token: %w", err)
	}

	issued := &Issued{
		UUID:      uuid.New(),
		Username:  username,
		Token:     plain,
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.tokens.ReplaceToken(cctx, storage.RememberToken{
		UUID:           issued.UUID,
		Username:       username,
		EncryptedToken: encrypted,
		ExpiresAt:      issued.ExpiresAt,
	}); err != nil {
		issued.Wipe()
		return nil, fmt.Errorf("storing token: %w", err)
	}
	return issued, nil
}

// CookieValue encrypts the issued token for transport and returns the
// full cookie value.
func (s *Service) CookieValue(issued *Issued) (string, error) {
	encrypted, err := s.sealer.EncryptToText(issued.Token)
	if err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	return FormatCookieValue(issued.UUID, encrypted), nil
}

// Validate returns the username owning the token stored under uuid when
// encryptedToken decrypts to the same plaintext. Decryption failures are
// logged and reported as ErrInvalidToken. Store failures are returned
// wrapped and are not ErrInvalidToken.
func (s *Service) Validate(ctx context.Context, encryptedToken, uuid string) (string, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	row, err := s.tokens.GetToken(cctx, uuid, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}

	stored, err := s.sealer.DecryptFromText(row.EncryptedToken)
	if err != nil {
		s.logger.Warn("stored remember token failed to decrypt", "uuid", uuid, "error", err)
		return "", ErrInvalidToken
	}
	defer util.WipeBytes(stored)

	presented, err := s.sealer.DecryptFromText(encryptedToken)
	if err != nil {
		s.logger.Debug("presented remember token failed to decrypt", "uuid", uuid, "error", err)
		return "", ErrInvalidToken
	}
	defer util.WipeBytes(presented)

	if !util.ConstantTimeEqual(stored, presented) {
		return "", ErrInvalidToken
	}
	return row.Username, nil
}

// ValidateCookie parses a cookie value and validates it. It returns the
// parsed uuid alongside the username so callers can revoke by uuid.
func (s *Service) ValidateCookie(ctx context.Context, value string) (username, uuid string, err error) {
	uuid, encrypted, err := ParseCookieValue(value)
	if err != nil {
		return "", "", err
	}
	username, err = s.Validate(ctx, encrypted, uuid)
	return username, uuid, err
}

// RevokeByUsername deletes every token of username. Absent rows are not an error.
func (s *Service) RevokeByUsername(ctx context.Context, username string) (int, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.tokens.DeleteTokensByUsername(cctx, username)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens of %s: %w", username, err)
	}
	return n, nil
}

// RevokeByUUID deletes the token stored under uuid. Absent rows are not an error.
func (s *Service) RevokeByUUID(ctx context.Context, uuid string) (int, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.tokens.DeleteTokenByUUID(cctx, uuid)
	if err != nil {
		return 0, fmt.Errorf("revoking token %s: %w", uuid, err)
	}
	return n, nil
}

// SweepExpired deletes every token whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.tokens.DeleteExpiredTokens(cctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired tokens: %w", err)
	}
	return n, nil
}
