package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpagliara/authgate/api"
	"github.com/gpagliara/authgate/config"
	"github.com/gpagliara/authgate/crypto"
	"github.com/gpagliara/authgate/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := config.Default()
	c.CipherKey = key
	c.DataDir = t.TempDir()
	return c
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	c := testConfig(t)
	repo := memory.NewRepository()
	tokens, err := newTokenService(c, repo, discard())
	require.NoError(t, err)
	a, err := newAPI(c, repo, tokens, api.NewMemorySessionStore(), discard())
	require.NoError(t, err)
	h, err := newRouter(a)
	require.NoError(t, err)
	return h
}

func TestRouterHealth(t *testing.T) {
	h := testRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterMountsAPIAndPages(t *testing.T) {
	h := testRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/cookie", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cookiesPresent":false}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/welcome.html", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login.html?unauthorized=true", rec.Header().Get("Location"))
}

func TestOpenRepository(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendBBolt, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			c := testConfig(t)
			c.StorageBackend = backend
			repo, err := openRepository(context.Background(), c)
			require.NoError(t, err)
			defer repo.Close()

			exists, err := repo.UserExists(context.Background(), "nobody")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestOpenRepositoryUnknownBackend(t *testing.T) {
	c := testConfig(t)
	c.StorageBackend = "redis"
	_, err := openRepository(context.Background(), c)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestNewSessionStore(t *testing.T) {
	c := testConfig(t)
	c.SessionBackend = config.SessionsBigCache
	s, release, err := newSessionStore(context.Background(), c, discard())
	require.NoError(t, err)
	defer release()
	assert.IsType(t, &api.BigCacheSessionStore{}, s)

	c.SessionBackend = config.SessionsMemory
	s, release2, err := newSessionStore(context.Background(), c, discard())
	require.NoError(t, err)
	defer release2()
	assert.IsType(t, &api.MemorySessionStore{}, s)
}

func TestKeygenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"keygen"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "authgate dev\n", out.String())
}

func TestBanner(t *testing.T) {
	var out bytes.Buffer
	printBanner(&out)
	assert.NotEmpty(t, out.String())
}
