package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gpagliara/authgate/internal/util"
)

type contextKey int

const principalKey contextKey = iota

const (
	sessionCookieName = "authgate_session"
	sessionIDBytes    = 32
)

// Principal is the authenticated caller of a gated request.
type Principal struct {
	Username string
	Method   AuthMethod
}

// PrincipalFromContext returns the principal placed on the context by
// RequireAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// startSession stores a fresh authenticated session and sets the session
// and CSRF cookies on w.
func (a *API) startSession(w http.ResponseWriter, r *http.Request, username string, method AuthMethod, idle time.Duration) (string, error) {
	id, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return "", err
	}
	now := time.Now()
	expiresAt := now.Add(sessionDuration)
	a.sessions.Put(id, Session{
		Username:       username,
		Authenticated:  true,
		Method:         method,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
		IdleTimeout:    idle,
	})
	writeSessionCookie(w, r, id, expiresAt)
	writeCSRFCookie(w, r)
	return id, nil
}

// currentSession returns the live session named by the request's session
// cookie.
func (a *API) currentSession(r *http.Request) (string, Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", Session{}, false
	}
	session, ok := a.sessions.Get(cookie.Value)
	if !ok {
		return "", Session{}, false
	}
	return cookie.Value, session, true
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, id string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
