package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steinfletcher/apitest"
	jsonpath "github.com/steinfletcher/apitest-jsonpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpagliara/authgate/internal/util"
	"github.com/gpagliara/authgate/remember"
)

func TestGateDeniesAnonymous(t *testing.T) {
	e := newTestEnv(t)
	apitest.New().
		Handler(e.handler).
		Get("/auth/me").
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/login.html?unauthorized=true").
		CookieNotPresent(remember.CookieName).
		End()
}

func TestGateSessionAuthenticated(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	sid := e.login(t, "alice", false)[sessionCookieName].Value

	apitest.New().
		Handler(e.handler).
		Get("/auth/me").
		Cookie(sessionCookieName, sid).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Equal("$.method", "password")).
		End()
}

func TestGateTokenAuthenticated(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	rc := e.login(t, "alice", true)[remember.CookieName]

	// Fresh browser: no session, only the remember-me cookie.
	r := httpGet("/auth/me", &http.Cookie{Name: remember.CookieName, Value: rc.Value})
	rec := httptest.NewRecorder()
	p, state := e.api.evaluate(rec, r)
	assert.Equal(t, GateTokenAuthenticated, state)
	assert.Equal(t, Principal{Username: "alice", Method: MethodRememberToken}, p)

	sc := cookieMap(rec)[sessionCookieName]
	require.NotNil(t, sc)
	session, ok := e.api.Sessions().Get(sc.Value)
	require.True(t, ok)
	assert.True(t, session.Authenticated)
	assert.Equal(t, "alice", session.Username)
	assert.Equal(t, 15*time.Minute, session.IdleTimeout)

	// The new session now carries the user on its own.
	r = httpGet("/auth/me", sc)
	_, state = e.api.evaluate(httptest.NewRecorder(), r)
	assert.Equal(t, GateSessionAuthenticated, state)
}

func TestGateRejectsBadCookies(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	rc := e.login(t, "alice", true)[remember.CookieName]
	uuid, encrypted, err := remember.ParseCookieValue(rc.Value)
	require.NoError(t, err)

	sealed, err := util.DecodeText(encrypted)
	require.NoError(t, err)
	sealed[len(sealed)/2] ^= 0x01
	tampered := remember.FormatCookieValue(uuid, util.EncodeText(sealed))

	tests := map[string]string{
		"no separator":    "justonepart",
		"three parts":     "a:b:c",
		"empty encrypted": uuid + ":",
		"unknown uuid":    "00000000-0000-4000-8000-000000000000:" + encrypted,
		"bit flip":        tampered,
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			rec := serve(e.handler, httpGet("/auth/me", &http.Cookie{Name: remember.CookieName, Value: value}))
			assert.Equal(t, http.StatusSeeOther, rec.Code)
			assert.Equal(t, unauthorizedRedirect, rec.Header().Get("Location"))
			cleared := cookieMap(rec)[remember.CookieName]
			require.NotNil(t, cleared, "cookie must be cleared")
			assert.Empty(t, cleared.Value)
			assert.NotContains(t, cookieMap(rec), sessionCookieName)
		})
	}

	// The genuine cookie still works after the failed attempts.
	rec := serve(e.handler, httpGet("/auth/me", rc))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateExpiredTokenSweptByJanitor(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	rc := e.login(t, "alice", true)[remember.CookieName]
	uuid, _, err := remember.ParseCookieValue(rc.Value)
	require.NoError(t, err)

	e.now = e.now.Add(25 * time.Hour)
	n, err := remember.NewJanitor(e.tokens, time.Hour, discardLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	username, err := e.tokens.Validate(context.Background(), "anything", uuid)
	assert.ErrorIs(t, err, remember.ErrInvalidToken)
	assert.Empty(t, username)

	rec := serve(e.handler, httpGet("/auth/me", rc))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestGateIdleSessionFallsBackToToken(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	cookies := e.login(t, "alice", true)
	sid := cookies[sessionCookieName].Value

	session, ok := e.api.Sessions().Get(sid)
	require.True(t, ok)
	session.LastAccessedAt = time.Now().Add(-time.Hour)
	e.api.Sessions().Put(sid, session)

	_, state := e.api.evaluate(httptest.NewRecorder(), httpGet("/auth/me", cookies[sessionCookieName]))
	assert.Equal(t, GateDenied, state, "idle session alone is not enough")

	_, state = e.api.evaluate(httptest.NewRecorder(), httpGet("/auth/me", cookies[sessionCookieName], cookies[remember.CookieName]))
	assert.Equal(t, GateTokenAuthenticated, state)
}

func TestGateTouchesSession(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	sc := e.login(t, "alice", false)[sessionCookieName]

	before, _ := e.api.Sessions().Get(sc.Value)
	before.LastAccessedAt = time.Now().Add(-10 * time.Minute)
	e.api.Sessions().Put(sc.Value, before)

	rec := serve(e.handler, httpGet("/auth/me", sc))
	require.Equal(t, http.StatusOK, rec.Code)
	after, ok := e.api.Sessions().Get(sc.Value)
	require.True(t, ok)
	assert.True(t, after.LastAccessedAt.After(before.LastAccessedAt))
}

// logoutAfterGet deletes every session right after handing it out, the way
// a logout racing a gated request would.
type logoutAfterGet struct {
	SessionStore
}

func (s logoutAfterGet) Get(id string) (Session, bool) {
	session, ok := s.SessionStore.Get(id)
	s.SessionStore.Delete(id)
	return session, ok
}

func TestGateDoesNotReviveLoggedOutSession(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice")
	sc := e.login(t, "alice", false)[sessionCookieName]

	inner := e.api.sessions
	e.api.sessions = logoutAfterGet{inner}

	r := httpGet("/auth/me", sc)
	_, state := e.api.evaluate(httptest.NewRecorder(), r)
	assert.Equal(t, GateDenied, state)

	_, alive := inner.Get(sc.Value)
	assert.False(t, alive, "session alive after concurrent logout")
}

func TestPrincipalFromContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := withPrincipal(context.Background(), Principal{Username: "alice", Method: MethodPassword})
	p, ok := PrincipalFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", p.Username)
}

func TestGateStateString(t *testing.T) {
	assert.Equal(t, "anonymous", GateAnonymous.String())
	assert.Equal(t, "session_authenticated", GateSessionAuthenticated.String())
	assert.Equal(t, "token_authenticated", GateTokenAuthenticated.String())
	assert.Equal(t, "denied", GateDenied.String())
}
