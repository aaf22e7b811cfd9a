// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gpagliara/authgate/internal/util"
	"github.com/gpagliara/authgate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	users     map[string]storage.User
	tokens    map[string]storage.RememberToken // uuid -> token
	proposals []storage.Proposal
	nextID    int64
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:  make(map[string]storage.User),
		tokens: make(map[string]storage.RememberToken),
	}
}

func cloneUser(u storage.User) storage.User {
	return storage.User{
		Username:     u.Username,
		PasswordHash: util.CopyBytes(u.PasswordHash),
		Salt:         util.CopyBytes(u.Salt),
		ProfileImage: util.CopyBytes(u.ProfileImage),
		CreatedAt:    u.CreatedAt,
	}
}

func (r *Repository) CreateUser(ctx context.Context, user storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.Username]; ok {
		return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
	}
	u := cloneUser(user)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	r.users[user.Username] = u
	return nil
}

func (r *Repository) GetUser(ctx context.Context, username string) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	c := cloneUser(u)
	return &c, nil
}

func (r *Repository) UserExists(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[username]
	return ok, nil
}

func (r *Repository) ReplaceToken(ctx context.Context, token storage.RememberToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteByUsernameLocked(token.Username)
	r.tokens[token.UUID] = token
	return nil
}

func (r *Repository) GetToken(ctx context.Context, uuid string, now time.Time) (*storage.RememberToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[uuid]
	if !ok || t.Expired(now) {
		return nil, fmt.Errorf("token %s: %w", uuid, storage.ErrNotFound)
	}
	return &t, nil
}

func (r *Repository) DeleteTokensByUsername(ctx context.Context, username string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteByUsernameLocked(username), nil
}

func (r *Repository) deleteByUsernameLocked(username string) int {
	n := 0
	for id, t := range r.tokens {
		if t.Username == username {
			delete(r.tokens, id)
			n++
		}
	}
	return n
}

func (r *Repository) DeleteTokenByUUID(ctx context.Context, uuid string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[uuid]; !ok {
		return 0, nil
	}
	delete(r.tokens, uuid)
	return 1, nil
}

func (r *Repository) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tokens {
		if t.Expired(now) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) CreateProposal(ctx context.Context, p storage.Proposal) (*storage.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[p.Username]; !ok {
		return nil, fmt.Errorf("user %s: %w", p.Username, storage.ErrNotFound)
	}
	r.nextID++
	p.ID = r.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.proposals = append(r.proposals, p)
	return &p, nil
}

func (r *Repository) ListProposals(ctx context.Context) ([]storage.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.Proposal, len(r.proposals))
	copy(out, r.proposals)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }
