// Package sqlite implements storage.Repository on an embedded SQLite file.
// Timestamps are stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gpagliara/authgate/internal/migrate"
	"github.com/gpagliara/authgate/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an already migrated database handle.
func NewRepository(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite database at path, applies
// migrations, and returns a Repository that owns the handle.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions serialised.
	db.SetMaxOpenConns(1)
	if err := migrate.Up(ctx, db, "sqlite3", migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewRepository(db), nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func constraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.ExtendedCode == code
}

func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE username = ?`, user.Username).Scan(&count); err != nil {
			return fmt.Errorf("checking username: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, profile_image, created_at) VALUES (?, ?, ?, ?)`,
			user.Username, user.PasswordHash, user.ProfileImage, created.UnixNano()); err != nil {
			if constraint(err, sqlite3.ErrConstraintPrimaryKey) || constraint(err, sqlite3.ErrConstraintUnique) {
				return fmt.Errorf("%s: %w", user.Username, storage.ErrUserExists)
			}
			return fmt.Errorf("inserting user: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_salts (username, salt) VALUES (?, ?)`,
			user.Username, user.Salt); err != nil {
			return fmt.Errorf("inserting salt: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	u := storage.User{Username: username}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT u.password_hash, u.profile_image, u.created_at, s.salt
		 FROM users u JOIN user_salts s ON s.username = u.username
		 WHERE u.username = ?`, username).Scan(&u.PasswordHash, &u.ProfileImage, &created, &u.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	return &u, nil
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&count)
	return count > 0, err
}

func (s *Store) ReplaceToken(ctx context.Context, token storage.RememberToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remember_tokens (uuid, username, encrypted_token, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET
		   uuid = excluded.uuid, encrypted_token = excluded.encrypted_token, expires_at = excluded.expires_at`,
		token.UUID, token.Username, token.EncryptedToken, token.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("storing remember token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, uuid string, now time.Time) (*storage.RememberToken, error) {
	t := storage.RememberToken{UUID: uuid}
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT username, encrypted_token, expires_at FROM remember_tokens WHERE uuid = ? AND expires_at > ?`,
		uuid, now.UnixNano()).Scan(&t.Username, &t.EncryptedToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", uuid, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = time.Unix(0, expires).UTC()
	return &t, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteTokensByUsername(ctx context.Context, username string) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE username = ?`, username)
}

func (s *Store) DeleteTokenByUUID(ctx context.Context, uuid string) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE uuid = ?`, uuid)
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM remember_tokens WHERE expires_at <= ?`, now.UnixNano())
}

func (s *Store) CreateProposal(ctx context.Context, p storage.Proposal) (*storage.Proposal, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (username, file_name, content, created_at) VALUES (?, ?, ?, ?)`,
		p.Username, p.FileName, p.Content, p.CreatedAt.UnixNano())
	if err != nil {
		if constraint(err, sqlite3.ErrConstraintForeignKey) {
			return nil, fmt.Errorf("user %s: %w", p.Username, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("inserting proposal: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]storage.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, file_name, content, created_at FROM proposals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Proposal
	for rows.Next() {
		var p storage.Proposal
		var created int64
		if err := rows.Scan(&p.ID, &p.Username, &p.FileName, &p.Content, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
