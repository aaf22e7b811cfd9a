package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gpagliara/authgate/internal/util"
)

const (
	csrfCookieName = "authgate_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 32
)

// CSRFMiddleware checks the double-submit token on mutating requests that
// carry a session cookie. It runs behind RequireAuth, so a request whose
// session was just restored from a remember-me cookie has no session cookie
// yet and is let through; the remember cookie itself is SameSite Lax.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csrfExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(csrfCookieName)
		switch {
		case err != nil || cookie.Value == "":
			writeError(w, http.StatusForbidden, "missing CSRF token")
		case subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.Header.Get(csrfHeaderName))) != 1:
			writeError(w, http.StatusForbidden, "invalid CSRF token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func csrfExempt(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	_, err := r.Cookie(sessionCookieName)
	return err != nil
}

// writeCSRFCookie sets the double-submit cookie. It is readable by page
// scripts so they can echo it in the X-CSRF-Token header.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	token, err := util.RandomToken(csrfTokenBytes)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
