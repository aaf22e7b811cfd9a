package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gpagliara/authgate/account"
	"github.com/gpagliara/authgate/password"
	"github.com/gpagliara/authgate/remember"
)

const (
	maxLoginFormSize    = 64 << 10
	maxRegisterBodySize = account.MaxImageSize + 1<<20
	multipartMemory     = 8 << 20
)

// accountKey is the rate-limit key for username. Limiter maps and audit
// records carry this digest instead of the raw name.
func accountKey(username string) string {
	sum := sha256.Sum256([]byte(username))
	return hex.EncodeToString(sum[:])
}

func checked(v string) bool {
	switch v {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

// formSecret copies the first value of field out of the parsed form into a
// fresh buffer the caller can wipe, and drops the field from the request.
// The string the form parser produced is immutable and stays in the heap
// until collected.
func formSecret(r *http.Request, field string) []byte {
	var secret []byte
	if v := r.PostForm[field]; len(v) > 0 {
		secret = []byte(v[0])
	} else if r.MultipartForm != nil && len(r.MultipartForm.Value[field]) > 0 {
		secret = []byte(r.MultipartForm.Value[field][0])
	}
	r.PostForm.Del(field)
	r.Form.Del(field)
	if r.MultipartForm != nil {
		delete(r.MultipartForm.Value, field)
	}
	return secret
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginFormSize)
	if err := r.ParseForm(); err != nil {
		redirectError(w, r, LoginPage, codeMissingCredentials)
		return
	}
	username := r.PostForm.Get("username")
	pw := formSecret(r, "password")
	defer password.Wipe(pw)
	if username == "" || len(pw) == 0 {
		redirectError(w, r, LoginPage, codeMissingCredentials)
		return
	}

	key := accountKey(username)
	clientIP := a.clientIP(r)

	// Global, then IP, then account.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.accountLimiter.check(key); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited", slog.String("account_key", key))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}

	err := a.accounts.Authenticate(r.Context(), username, pw)
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		a.accountLimiter.record(key)
		a.ipLimiter.record(clientIP)
		a.globalLimiter.record()
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", slog.String("account_key", key))
		redirectError(w, r, LoginPage, codeInvalidCredentials)
		return
	case err != nil:
		a.logger.Error("authenticating user", "error", err)
		redirectError(w, r, LoginPage, codeServerError)
		return
	}
	a.accountLimiter.reset(key)
	a.ipLimiter.reset(clientIP)

	// A new login never inherits a previous session id.
	if old, err := r.Cookie(sessionCookieName); err == nil && old.Value != "" {
		a.sessions.Delete(old.Value)
	}
	if _, err := a.startSession(w, r, username, MethodPassword, a.sessionIdleTimeout); err != nil {
		a.logger.Error("starting session", "error", err)
		redirectError(w, r, LoginPage, codeServerError)
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, username)

	if checked(r.PostForm.Get("remember_me")) {
		a.issueRememberCookie(w, r, username)
	}
	http.Redirect(w, r, WelcomePage, http.StatusSeeOther)
}

// issueRememberCookie issues a token for username and sets the cookie.
// Failures are logged; the login itself still succeeds.
func (a *API) issueRememberCookie(w http.ResponseWriter, r *http.Request, username string) {
	issued, err := a.tokens.Issue(r.Context(), username)
	if err != nil {
		a.logger.Error("issuing remember-me token", "error", err)
		return
	}
	defer issued.Wipe()
	value, err := a.tokens.CookieValue(issued)
	if err != nil {
		a.logger.Error("encoding remember-me cookie", "error", err)
		return
	}
	http.SetCookie(w, remember.NewCookie(value, a.tokens.TTL()))
	a.audit.logEvent(AuditRememberIssued, r, username, slog.String("uuid", issued.UUID))
}

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.regGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	if blocked, retryAfter := a.regIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited", slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	a.regIPLimiter.record(clientIP)
	a.regGlobalLimiter.record()

	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBodySize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		a.audit.logFailure(AuditRegisterFailure, r, codeInvalidImage)
		redirectError(w, r, RegisterPage, codeInvalidImage)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	img, err := readImage(r, "profile_image")
	if err != nil {
		a.logger.Warn("reading profile image", "error", err)
	}
	reg := account.Registration{
		Username:        r.FormValue("username"),
		Password:        formSecret(r, "password"),
		ConfirmPassword: formSecret(r, "confirm_password"),
		Image:           img,
	}

	err = a.accounts.Register(r.Context(), reg)
	if code := registerErrorCode(err); code != "" {
		if code == codeServerError {
			a.logger.Error("registering user", "error", err)
		}
		a.audit.logFailure(AuditRegisterFailure, r, code)
		redirectError(w, r, RegisterPage, code)
		return
	}
	a.audit.logEvent(AuditRegister, r, reg.Username)
	redirectWith(w, r, LoginPage, url.Values{"registered": {"true"}})
}

// readImage returns the uploaded file in field. A missing file yields a
// zero Image, which registration rejects.
func readImage(r *http.Request, field string) (account.Image, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return account.Image{}, nil
		}
		return account.Image{}, err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, account.MaxImageSize+1))
	if err != nil {
		return account.Image{}, err
	}
	return account.Image{Filename: header.Filename, Data: data}, nil
}

func registerErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, account.ErrInvalidUsername):
		return codeInvalidUsername
	case errors.Is(err, account.ErrWeakPassword):
		return codeWeakPassword
	case errors.Is(err, account.ErrPasswordMismatch):
		return codePasswordMismatch
	case errors.Is(err, account.ErrInvalidImage):
		return codeInvalidImage
	case errors.Is(err, account.ErrUserExists):
		return codeUserExists
	default:
		return codeServerError
	}
}

// Logout handles POST /auth/logout.
//
// A normal logout ends the session and revokes remember-me tokens: the one
// named by the cookie, if the cookie validates, and every token of the
// session's user. With
// ?timeout=true (the page's inactivity timer) only the session ends; tokens
// are revoked only when the browser holds no remember-me cookie.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	timeout := r.URL.Query().Get("timeout") == "true"

	var username string
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if session, ok := a.sessions.Get(cookie.Value); ok {
			username = session.Username
		}
		a.sessions.Delete(cookie.Value)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)

	rememberCookie, rememberErr := r.Cookie(remember.CookieName)
	hasRemember := rememberErr == nil && rememberCookie.Value != ""

	if timeout {
		if !hasRemember && username != "" {
			a.revokeUser(r, username)
		}
		a.audit.logEvent(AuditLogout, r, username, slog.Bool("timeout", true))
		w.WriteHeader(http.StatusOK)
		return
	}

	if hasRemember {
		a.revokeCookie(r, rememberCookie.Value)
		http.SetCookie(w, remember.ClearCookie())
	}
	if username != "" {
		a.revokeUser(r, username)
	}
	a.audit.logEvent(AuditLogout, r, username)
	http.Redirect(w, r, LoginPage, http.StatusSeeOther)
}

// revokeCookie deletes the token row named by a remember-me cookie. The uuid
// alone is not a credential, so the row goes only when the whole cookie
// validates.
func (a *API) revokeCookie(r *http.Request, value string) {
	_, uuid, err := a.tokens.ValidateCookie(r.Context(), value)
	if err != nil {
		if !errors.Is(err, remember.ErrMalformedCookie) && !errors.Is(err, remember.ErrInvalidToken) {
			a.logger.Error("validating remember-me token", "uuid", uuid, "error", err)
		}
		return
	}
	if _, err := a.tokens.RevokeByUUID(r.Context(), uuid); err != nil {
		a.logger.Error("revoking remember-me token", "uuid", uuid, "error", err)
	}
}

func (a *API) revokeUser(r *http.Request, username string) {
	if _, err := a.tokens.RevokeByUsername(r.Context(), username); err != nil {
		a.logger.Error("revoking remember-me tokens", "username", username, "error", err)
	}
}

// CookieProbe handles GET /auth/cookie. It reports whether the browser
// holds a valid remember-me cookie and, if so, makes sure an authenticated
// session exists for it.
func (a *API) CookieProbe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(remember.CookieName)
	if err != nil || cookie.Value == "" {
		writeJSON(w, http.StatusOK, CookieStatus{})
		return
	}

	username, uuid, err := a.tokens.ValidateCookie(r.Context(), cookie.Value)
	if err != nil {
		http.SetCookie(w, remember.ClearCookie())
		if !errors.Is(err, remember.ErrMalformedCookie) && !errors.Is(err, remember.ErrInvalidToken) {
			a.logger.Error("validating remember-me token", "uuid", uuid, "error", err)
		}
		a.audit.logFailure(AuditRememberRejected, r, "cookie probe", slog.String("uuid", uuid))
		writeJSON(w, http.StatusOK, CookieStatus{})
		return
	}

	if id, session, ok := a.currentSession(r); !ok || !session.Authenticated || session.Username != username {
		if ok {
			a.sessions.Delete(id)
		}
		if _, err := a.startSession(w, r, username, MethodRememberToken, a.tokenSessionIdleTimeout); err != nil {
			a.writeInternalError(w, "failed to start session", err)
			return
		}
		a.audit.logEvent(AuditRememberLogin, r, username, slog.String("uuid", uuid))
	}

	authenticated := true
	writeJSON(w, http.StatusOK, CookieStatus{
		CookiesPresent: true,
		Username:       username,
		Authenticated:  &authenticated,
	})
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{Username: p.Username, Method: p.Method})
}
