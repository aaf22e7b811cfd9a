// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Users and their salts live in separate tables and are written in a single
// transaction. Remember tokens are keyed by UUID with a UNIQUE constraint on
// username, so replacing a user's token is one upsert.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/gpagliara/authgate/internal/migrate"
	"github.com/gpagliara/authgate/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// DB is the subset of *pgxpool.Pool used by Store. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by db. The caller owns db.
func NewRepository(db DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, applies
// pending migrations, and returns a Repository that owns the pool.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := NewRepository(pool)
	s.close = pool.Close
	return s, nil
}

// Migrate applies the embedded schema migrations through goose.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate.Up(ctx, db, "pgx", migrations, "migrations")
}

// Close closes the pool if the Store opened it.
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
			user.Username).Scan(&exists); err != nil {
			return fmt.Errorf("checking username: %w", err)
		}
		if exists {
			return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO users (username, password_hash, profile_image, created_at)
			 VALUES ($1, $2, $3, $4)`,
			user.Username, user.PasswordHash, user.ProfileImage, created)
		if err != nil {
			if pgCode(err) == uniqueViolation {
				return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
			}
			return fmt.Errorf("inserting user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_salts (username, salt) VALUES ($1, $2)`,
			user.Username, user.Salt); err != nil {
			return fmt.Errorf("inserting salt: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	u := storage.User{Username: username}
	err := s.db.QueryRow(ctx,
		`SELECT u.password_hash, u.profile_image, u.created_at, s.salt
		 FROM users u JOIN user_salts s ON s.username = u.username
		 WHERE u.username = $1`,
		username).Scan(&u.PasswordHash, &u.ProfileImage, &u.CreatedAt, &u.Salt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username).Scan(&exists)
	return exists, err
}

func (s *Store) ReplaceToken(ctx context.Context, token storage.RememberToken) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO remember_tokens (uuid, username, encrypted_token, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username)
		 DO UPDATE SET uuid = EXCLUDED.uuid, encrypted_token = EXCLUDED.encrypted_token, expires_at = EXCLUDED.expires_at`,
		token.UUID, token.Username, token.EncryptedToken, token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("storing remember token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, uuid string, now time.Time) (*storage.RememberToken, error) {
	t := storage.RememberToken{UUID: uuid}
	err := s.db.QueryRow(ctx,
		`SELECT username, encrypted_token, expires_at
		 FROM remember_tokens WHERE uuid = $1 AND expires_at > $2`,
		uuid, now.UTC()).Scan(&t.Username, &t.EncryptedToken, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", uuid, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (int, error) {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteTokensByUsername(ctx context.Context, username string) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE username = $1`, username)
}

func (s *Store) DeleteTokenByUUID(ctx context.Context, uuid string) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE uuid = $1`, uuid)
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE expires_at <= $1`, now.UTC())
}

func (s *Store) CreateProposal(ctx context.Context, p storage.Proposal) (*storage.Proposal, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO proposals (username, file_name, content, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		p.Username, p.FileName, p.Content, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return nil, fmt.Errorf("user %s: %w", p.Username, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("inserting proposal: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]storage.Proposal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, username, file_name, content, created_at FROM proposals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Proposal
	for rows.Next() {
		var p storage.Proposal
		if err := rows.Scan(&p.ID, &p.Username, &p.FileName, &p.Content, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
