package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// denyAll redirects every request, like the auth gate does for anonymous
// callers.
func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login.html?unauthorized=true", http.StatusSeeOther)
	})
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestPublicPages(t *testing.T) {
	h, err := Handler(denyAll)
	require.NoError(t, err)

	for _, page := range []string{"/login.html", "/register.html", "/app.js", "/app.css"} {
		rec := get(t, h, page)
		assert.Equal(t, http.StatusOK, rec.Code, page)
	}
	rec := get(t, h, "/login.html")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `action="/api/v1/auth/login"`)
}

func TestProtectedPagesGoThroughGate(t *testing.T) {
	h, err := Handler(denyAll)
	require.NoError(t, err)

	for _, page := range []string{"/welcome.html", "/projects.html", "/./welcome.html"} {
		rec := get(t, h, page)
		assert.Equal(t, http.StatusSeeOther, rec.Code, page)
		assert.Equal(t, "/login.html?unauthorized=true", rec.Header().Get("Location"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	}
}

func TestProtectedPagesServedWhenAllowed(t *testing.T) {
	allow := func(next http.Handler) http.Handler { return next }
	h, err := Handler(allow)
	require.NoError(t, err)

	rec := get(t, h, "/welcome.html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome")
}

func TestRootAndMissing(t *testing.T) {
	h, err := Handler(denyAll)
	require.NoError(t, err)

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/welcome.html", rec.Header().Get("Location"))

	rec = get(t, h, "/nope.html")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
