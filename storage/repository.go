// Package storage defines the record-store contracts used by the
// authentication core: user credentials, remember-me tokens and project
// proposals. Backends live in the memory, bbolt, postgres and sqlite
// sub-packages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUserExists is returned by CreateUser when the username is taken.
	ErrUserExists = errors.New("user already exists")
)

// User is a registered account. Username is the natural key.
type User struct {
	Username     string
	PasswordHash []byte
	Salt         []byte
	ProfileImage []byte
	CreatedAt    time.Time
}

// RememberToken is a persisted remember-me credential. EncryptedToken is
// the text form of the sealed token value; the plaintext is never stored.
type RememberToken struct {
	UUID           string
	Username       string
	EncryptedToken string
	ExpiresAt      time.Time
}

// Expired reports whether the token is no longer usable at now.
func (t RememberToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Proposal is a project proposal submitted by an authenticated user.
type Proposal struct {
	ID        int64
	Username  string
	FileName  string
	Content   string
	CreatedAt time.Time
}

// UserRepository persists credentials.
type UserRepository interface {
	// CreateUser stores the user row and its salt in one transaction.
	// Returns ErrUserExists if the username is taken; on any failure
	// nothing is written.
	CreateUser(ctx context.Context, user User) error
	// GetUser returns the user with its hash and salt, or ErrNotFound.
	GetUser(ctx context.Context, username string) (*User, error)
	// UserExists reports whether username is registered.
	UserExists(ctx context.Context, username string) (bool, error)
}

// TokenRepository persists remember-me tokens.
type TokenRepository interface {
	// ReplaceToken atomically removes every token owned by token.Username
	// and stores token, so a user never has more than one live row.
	ReplaceToken(ctx context.Context, token RememberToken) error
	// GetToken returns the token with the given uuid if it has not
	// expired at now, or ErrNotFound.
	GetToken(ctx context.Context, uuid string, now time.Time) (*RememberToken, error)
	// DeleteTokensByUsername removes every token of username and returns
	// how many were removed. Zero is not an error.
	DeleteTokensByUsername(ctx context.Context, username string) (int, error)
	// DeleteTokenByUUID removes one token. Zero is not an error.
	DeleteTokenByUUID(ctx context.Context, uuid string) (int, error)
	// DeleteExpiredTokens removes every token expired at now.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// ProposalRepository persists project proposals.
type ProposalRepository interface {
	CreateProposal(ctx context.Context, p Proposal) (*Proposal, error)
	// ListProposals returns every proposal, oldest first.
	ListProposals(ctx context.Context) ([]Proposal, error)
}

// Repository is the full record store a server runs against.
type Repository interface {
	UserRepository
	TokenRepository
	ProposalRepository
	Close() error
}
