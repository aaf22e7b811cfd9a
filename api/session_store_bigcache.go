package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// BigCacheSessionStore keeps sessions JSON-encoded in a bigcache instance.
// Entries are evicted by bigcache after the absolute session lifetime; idle
// timeouts are checked on read. mu serialises writes so that Touch cannot
// race a Delete; reads go straight to the cache.
type BigCacheSessionStore struct {
	mu     sync.Mutex
	cache  *bigcache.BigCache
	logger *slog.Logger
	now    func() time.Time
}

var _ SessionStore = (*BigCacheSessionStore)(nil)

// NewBigCacheSessionStore creates a bigcache-backed store whose entries live
// at most lifetime.
func NewBigCacheSessionStore(ctx context.Context, lifetime time.Duration, logger *slog.Logger) (*BigCacheSessionStore, error) {
	if lifetime <= 0 {
		lifetime = sessionDuration
	}
	cfg := bigcache.DefaultConfig(lifetime)
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating session cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BigCacheSessionStore{cache: cache, logger: logger, now: time.Now}, nil
}

func (s *BigCacheSessionStore) Get(id string) (Session, bool) {
	data, err := s.cache.Get(id)
	if err != nil {
		return Session{}, false
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Warn("dropping undecodable session", "error", err)
		s.Delete(id)
		return Session{}, false
	}
	if !session.live(s.now()) {
		s.Delete(id)
		return Session{}, false
	}
	return session, true
}

func (s *BigCacheSessionStore) Put(id string, session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(id, session)
}

func (s *BigCacheSessionStore) put(id string, session Session) {
	data, err := json.Marshal(session)
	if err != nil {
		s.logger.Error("encoding session", "error", err)
		return
	}
	if err := s.cache.Set(id, data); err != nil {
		s.logger.Error("storing session", "error", err)
	}
}

func (s *BigCacheSessionStore) Delete(id string) {
	s.mu.Lock()
	_ = s.cache.Delete(id)
	s.mu.Unlock()
}

func (s *BigCacheSessionStore) Touch(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.cache.Get(id)
	if err != nil {
		return false
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil || !session.live(now) {
		_ = s.cache.Delete(id)
		return false
	}
	session.LastAccessedAt = now
	s.put(id, session)
	return true
}

// Close releases the cache.
func (s *BigCacheSessionStore) Close() error {
	return s.cache.Close()
}
