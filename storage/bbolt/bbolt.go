// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gpagliara/authgate/storage"
)

var (
	usersBucket        = []byte("users")
	saltsBucket        = []byte("user_salts")
	tokensBucket       = []byte("remember_tokens")
	tokensByUserBucket = []byte("remember_tokens_by_user")
	proposalsBucket    = []byte("proposals")
)

type userRecord struct {
	PasswordHash []byte    `json:"password_hash"`
	ProfileImage []byte    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type tokenRecord struct {
	Username       string    `json:"username"`
	EncryptedToken string    `json:"encrypted_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type proposalRecord struct {
	Username  string    `json:"username"`
	FileName  string    `json:"file_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database,
// creating the buckets it needs.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, saltsBucket, tokensBucket, tokensByUserBucket, proposalsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update and view honour ctx cancellation before entering a transaction;
// bbolt itself is not context aware.
func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		key := []byte(user.Username)
		if users.Get(key) != nil {
			return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
		}
		created := user.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		data, err := json.Marshal(userRecord{
			PasswordHash: user.PasswordHash,
			ProfileImage: user.ProfileImage,
			CreatedAt:    created,
		})
		if err != nil {
			return err
		}
		if err := users.Put(key, data); err != nil {
			return err
		}
		// Returning an error here rolls back the user row as well.
		return tx.Bucket(saltsBucket).Put(key, user.Salt)
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	var user *storage.User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		key := []byte(username)
		data := tx.Bucket(usersBucket).Get(key)
		if data == nil {
			return fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
		}
		var rec userRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		salt := tx.Bucket(saltsBucket).Get(key)
		if salt == nil {
			return fmt.Errorf("salt for %s: %w", username, storage.ErrNotFound)
		}
		user = &storage.User{
			Username:     username,
			PasswordHash: rec.PasswordHash,
			Salt:         append([]byte(nil), salt...),
			ProfileImage: rec.ProfileImage,
			CreatedAt:    rec.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		exists = tx.Bucket(usersBucket).Get([]byte(username)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) ReplaceToken(ctx context.Context, token storage.RememberToken) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if _, err := deleteUserToken(tx, token.Username); err != nil {
			return err
		}
		data, err := json.Marshal(tokenRecord{
			Username:       token.Username,
			EncryptedToken: token.EncryptedToken,
			ExpiresAt:      token.ExpiresAt.UTC(),
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(tokensBucket).Put([]byte(token.UUID), data); err != nil {
			return err
		}
		return tx.Bucket(tokensByUserBucket).Put([]byte(token.Username), []byte(token.UUID))
	})
}

func (s *Store) GetToken(ctx context.Context, uuid string, now time.Time) (*storage.RememberToken, error) {
	var token *storage.RememberToken
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("token %s: %w", uuid, storage.ErrNotFound)
		}
		var rec tokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		t := storage.RememberToken{
			UUID:           uuid,
			Username:       rec.Username,
			EncryptedToken: rec.EncryptedToken,
			ExpiresAt:      rec.ExpiresAt,
		}
		if t.Expired(now) {
			return fmt.Errorf("token %s: %w", uuid, storage.ErrNotFound)
		}
		token = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (s *Store) DeleteTokensByUsername(ctx context.Context, username string) (int, error) {
	var n int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		n, err = deleteUserToken(tx, username)
		return err
	})
	return n, err
}

func deleteUserToken(tx *bbolt.Tx, username string) (int, error) {
	byUser := tx.Bucket(tokensByUserBucket)
	id := byUser.Get([]byte(username))
	if id == nil {
		return 0, nil
	}
	// Copy: the slice is only valid for the life of the transaction and
	// becomes invalid once the bucket is modified.
	uuid := append([]byte(nil), id...)
	if err := byUser.Delete([]byte(username)); err != nil {
		return 0, err
	}
	tokens := tx.Bucket(tokensBucket)
	if tokens.Get(uuid) == nil {
		return 0, nil
	}
	return 1, tokens.Delete(uuid)
}

func (s *Store) DeleteTokenByUUID(ctx context.Context, uuid string) (int, error) {
	var n int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		data := tokens.Get([]byte(uuid))
		if data == nil {
			return nil
		}
		var rec tokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := tokens.Delete([]byte(uuid)); err != nil {
			return err
		}
		n = 1
		return tx.Bucket(tokensByUserBucket).Delete([]byte(rec.Username))
	})
	return n, err
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		byUser := tx.Bucket(tokensByUserBucket)

		type victim struct{ uuid, username []byte }
		var victims []victim
		err := tokens.ForEach(func(k, v []byte) error {
			var rec tokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !now.Before(rec.ExpiresAt) {
				victims = append(victims, victim{uuid: append([]byte(nil), k...), username: []byte(rec.Username)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Mutating a bucket during ForEach is undefined; delete afterwards.
		for _, v := range victims {
			if err := tokens.Delete(v.uuid); err != nil {
				return err
			}
			if err := byUser.Delete(v.username); err != nil {
				return err
			}
		}
		n = len(victims)
		return nil
	})
	return n, err
}

func (s *Store) CreateProposal(ctx context.Context, p storage.Proposal) (*storage.Proposal, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(p.Username)) == nil {
			return fmt.Errorf("user %s: %w", p.Username, storage.ErrNotFound)
		}
		b := tx.Bucket(proposalsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		p.ID = int64(seq)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(proposalRecord{
			Username:  p.Username,
			FileName:  p.FileName,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
		})
		if err != nil {
			return err
		}
		return b.Put(proposalKey(seq), data)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]storage.Proposal, error) {
	var out []storage.Proposal
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(proposalsBucket).ForEach(func(k, v []byte) error {
			var rec proposalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, storage.Proposal{
				ID:        int64(binary.BigEndian.Uint64(k)),
				Username:  rec.Username,
				FileName:  rec.FileName,
				Content:   rec.Content,
				CreatedAt: rec.CreatedAt,
			})
			return nil
		})
	})
	return out, err
}

// proposalKey encodes the sequence big-endian so cursor order is insertion order.
func proposalKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
