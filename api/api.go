package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/gpagliara/authgate/account"
	"github.com/gpagliara/authgate/remember"
	"github.com/gpagliara/authgate/storage"
)

// Page locations used in redirects.
const (
	LoginPage    = "/login.html"
	RegisterPage = "/register.html"
	WelcomePage  = "/welcome.html"
)

const (
	defaultSessionIdleTimeout      = 30 * time.Minute
	defaultTokenSessionIdleTimeout = 15 * time.Minute
	sessionDuration                = 24 * time.Hour
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	accounts  *account.Service
	tokens    *remember.Service
	proposals storage.ProposalRepository
	sessions  SessionStore

	sessionIdleTimeout      time.Duration
	tokenSessionIdleTimeout time.Duration
	storeTimeout            time.Duration

	accountLimiter   *backoffLimiter
	ipLimiter        *backoffLimiter
	globalLimiter    *windowLimiter
	regIPLimiter     *backoffLimiter
	regGlobalLimiter *windowLimiter
	trustedProxies   []netip.Prefix

	audit   *auditLogger
	metrics *metricsCollector
	logger  *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and handler errors.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithSessionStore replaces the default in-memory session store.
func WithSessionStore(s SessionStore) Option {
	return func(a *API) {
		a.sessions = s
	}
}

// WithSessionIdleTimeout sets the idle timeout of sessions created by a
// password login.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.sessionIdleTimeout = d
		}
	}
}

// WithTokenSessionIdleTimeout sets the idle timeout of sessions restored
// from a remember-me cookie.
func WithTokenSessionIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.tokenSessionIdleTimeout = d
		}
	}
}

// WithStoreTimeout bounds proposal store calls made by handlers.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.storeTimeout = d
		}
	}
}

// WithTrustedProxies enables proxy headers for client IP extraction when the
// direct peer falls inside one of the prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc registers a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.metrics = newMetricsCollector(fn)
	}
}

// New creates a new API instance.
func New(accounts *account.Service, tokens *remember.Service, proposals storage.ProposalRepository, opts ...Option) *API {
	a := &API{
		accounts:                accounts,
		tokens:                  tokens,
		proposals:               proposals,
		sessionIdleTimeout:      defaultSessionIdleTimeout,
		tokenSessionIdleTimeout: defaultTokenSessionIdleTimeout,
		storeTimeout:            5 * time.Second,
		accountLimiter:          newBackoffLimiter(accountPolicy),
		ipLimiter:               newBackoffLimiter(ipPolicy),
		globalLimiter:           newGlobalLoginLimiter(),
		regIPLimiter:            newBackoffLimiter(registrationIPPolicy),
		regGlobalLimiter:        newGlobalRegistrationLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = NewMemorySessionStore()
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = a.metrics
	return a
}

// Sessions returns the session store in use.
func (a *API) Sessions() SessionStore { return a.sessions }

// Sweep drops expired rate-limit records and, for stores that need it,
// expired sessions. The server calls it periodically.
func (a *API) Sweep() {
	n := a.accountLimiter.sweep() + a.ipLimiter.sweep() + a.regIPLimiter.sweep()
	if sw, ok := a.sessions.(interface{ Sweep() int }); ok {
		n += sw.Sweep()
	}
	if n > 0 {
		a.logger.Debug("swept stale request state", "records", n)
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)
	r.Get("/auth/cookie", a.CookieProbe)
	r.With(a.RequireAuth).Get("/auth/me", a.Me)

	r.Route("/projects", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Use(a.CSRFMiddleware)
		r.Get("/", a.ListProjects)
		r.Post("/", a.CreateProject)
	})

	return r
}
