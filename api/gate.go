package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gpagliara/authgate/remember"
)

// GateState is the outcome of evaluating a request against the gate.
type GateState int

const (
	GateAnonymous GateState = iota
	GateSessionAuthenticated
	GateTokenAuthenticated
	GateDenied
)

func (s GateState) String() string {
	switch s {
	case GateAnonymous:
		return "anonymous"
	case GateSessionAuthenticated:
		return "session_authenticated"
	case GateTokenAuthenticated:
		return "token_authenticated"
	case GateDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// unauthorizedRedirect is where denied requests are sent.
const unauthorizedRedirect = LoginPage + "?unauthorized=true"

// evaluate runs the gate for r. An existing authenticated session wins;
// otherwise a remember-me cookie is validated and, when good, turned into a
// fresh session. A malformed or rejected cookie is cleared on w.
func (a *API) evaluate(w http.ResponseWriter, r *http.Request) (Principal, GateState) {
	if id, session, ok := a.currentSession(r); ok && session.Authenticated && a.sessions.Touch(id, time.Now()) {
		return Principal{Username: session.Username, Method: session.Method}, GateSessionAuthenticated
	}

	cookie, err := r.Cookie(remember.CookieName)
	if err != nil {
		return Principal{}, GateDenied
	}

	username, uuid, err := a.tokens.ValidateCookie(r.Context(), cookie.Value)
	if err != nil {
		http.SetCookie(w, remember.ClearCookie())
		reason := "invalid token"
		switch {
		case errors.Is(err, remember.ErrMalformedCookie):
			reason = "malformed cookie"
		case !errors.Is(err, remember.ErrInvalidToken):
			reason = "token lookup failed"
			a.logger.Error("validating remember-me token", "uuid", uuid, "error", err)
		}
		a.audit.logFailure(AuditRememberRejected, r, reason, slog.String("uuid", uuid))
		return Principal{}, GateDenied
	}

	if _, err := a.startSession(w, r, username, MethodRememberToken, a.tokenSessionIdleTimeout); err != nil {
		a.logger.Error("starting session from remember-me token", "error", err)
		return Principal{}, GateDenied
	}
	a.audit.logEvent(AuditRememberLogin, r, username, slog.String("uuid", uuid))
	return Principal{Username: username, Method: MethodRememberToken}, GateTokenAuthenticated
}

// RequireAuth admits requests from an authenticated session or a valid
// remember-me cookie and redirects everything else to the login page.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, state := a.evaluate(w, r)
		if state == GateDenied {
			http.Redirect(w, r, unauthorizedRedirect, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
