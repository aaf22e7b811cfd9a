package api

import "time"

// SessionStore abstracts session CRUD so that sessions can be kept in a
// plain map (default) or in a bigcache shard set.
type SessionStore interface {
	// Get retrieves a session by id. Returns false if the session does not
	// exist, has expired, or has exceeded its idle timeout.
	Get(id string) (Session, bool)
	// Put creates or updates a session for the given id.
	Put(id string, session Session)
	// Delete removes a session by id.
	Delete(id string)
	// Touch sets LastAccessedAt to now if the session still exists and is
	// live. It never recreates a deleted session.
	Touch(id string, now time.Time) bool
}

// AuthMethod records how a session was established.
type AuthMethod string

const (
	MethodPassword      AuthMethod = "password"
	MethodRememberToken AuthMethod = "remember_token"
)

// Session holds the server-side state for a browser session.
type Session struct {
	Username       string        `json:"username"`
	Authenticated  bool          `json:"authenticated"`
	Method         AuthMethod    `json:"method"`
	ExpiresAt      time.Time     `json:"expires_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

// live reports whether s is usable at now.
func (s Session) live(now time.Time) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	if s.IdleTimeout > 0 && now.Sub(s.LastAccessedAt) > s.IdleTimeout {
		return false
	}
	return true
}
