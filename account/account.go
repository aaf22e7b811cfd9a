// Package account handles registration and credential verification on top
// of storage.UserRepository and the password package.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gpagliara/authgate/internal/util"
	"github.com/gpagliara/authgate/password"
	"github.com/gpagliara/authgate/storage"
)

const (
	// MaxUsernameLength bounds usernames; the column is VARCHAR(45).
	MaxUsernameLength = 45
	// MaxImageSize is the largest accepted profile image.
	MaxImageSize = 5 << 20

	defaultStoreTimeout = 5 * time.Second
)

var (
	ErrInvalidUsername    = errors.New("username must be 1-45 letters or digits")
	ErrWeakPassword       = errors.New("password does not meet the strength policy")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrInvalidImage       = errors.New("profile image must be a jpg or png of at most 5 MiB")
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

var allowedImageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Image is an uploaded profile picture.
type Image struct {
	Filename string
	Data     []byte
}

// Registration carries a sign-up request. Password and ConfirmPassword are
// wiped by Register on every path.
type Registration struct {
	Username        string
	Password        []byte
	ConfirmPassword []byte
	Image           Image
}

// Service registers users and verifies their credentials.
type Service struct {
	users        storage.UserRepository
	storeTimeout time.Duration
	logger       *slog.Logger

	// Burned on unknown usernames so both branches cost one hash.
	dummySalt []byte
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithStoreTimeout bounds every repository call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService returns a Service backed by users.
func NewService(users storage.UserRepository, opts ...Option) (*Service, error) {
	s := &Service{
		users:        users,
		storeTimeout: defaultStoreTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	salt, err := password.NewSalt()
	if err != nil {
		return nil, err
	}
	filler, err := util.RandomBytes(password.HashLength)
	if err != nil {
		return nil, err
	}
	s.dummySalt = salt
	s.dummyHash = password.Hash(filler, salt)
	util.WipeBytes(filler)
	return s, nil
}

// ValidateUsername enforces the username format.
func ValidateUsername(username string) error {
	if len(username) == 0 || len(username) > MaxUsernameLength || !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidateImage checks size, extension and sniffed content type.
func ValidateImage(img Image) error {
	if len(img.Data) == 0 || len(img.Data) > MaxImageSize {
		return ErrInvalidImage
	}
	ext := strings.ToLower(filepath.Ext(img.Filename))
	if !allowedImageExtensions[ext] {
		return ErrInvalidImage
	}
	if !strings.HasPrefix(http.DetectContentType(img.Data), "image/") {
		return ErrInvalidImage
	}
	return nil
}

// Register validates r and creates the user. Checks run in order: username,
// strength, confirmation, image, existence.
func (s *Service) Register(ctx context.Context, r Registration) error {
	defer password.Wipe(r.Password, r.ConfirmPassword)

	if err := ValidateUsername(r.Username); err != nil {
		return err
	}
	if !password.IsStrong(r.Password) {
		return ErrWeakPassword
	}
	if !util.ConstantTimeEqual(r.Password, r.ConfirmPassword) {
		return ErrPasswordMismatch
	}
	if err := ValidateImage(r.Image); err != nil {
		return err
	}

	exists, err := s.userExists(ctx, r.Username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	salt, err := password.NewSalt()
	if err != nil {
		return err
	}
	hash := password.Hash(r.Password, salt)
	defer password.Wipe(salt, hash)

	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err = s.users.CreateUser(cctx, storage.User{
		Username:     r.Username,
		PasswordHash: hash,
		Salt:         salt,
		ProfileImage: r.Image.Data,
	})
	if errors.Is(err, storage.ErrUserExists) {
		return fmt.Errorf("%w: %w", ErrUserExists, err)
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	s.logger.Debug("user registered", "username", r.Username)
	return nil
}

func (s *Service) userExists(ctx context.Context, username string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	exists, err := s.users.UserExists(cctx, username)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return exists, nil
}

// Authenticate verifies username and pw. Unknown users and wrong passwords
// both yield ErrInvalidCredentials. pw is wiped before returning.
func (s *Service) Authenticate(ctx context.Context, username string, pw []byte) error {
	defer password.Wipe(pw)

	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	user, err := s.users.GetUser(cctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		password.Check(pw, s.dummySalt, s.dummyHash)
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	defer password.Wipe(user.PasswordHash, user.Salt)

	if !password.Check(pw, user.Salt, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	return nil
}

// Exists reports whether username is registered.
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	return s.userExists(ctx, username)
}
