// Package config holds the runtime settings of the authgate server.
//
// Values are resolved in three layers: built-in defaults, AUTHGATE_*
// environment variables, then command-line flags. A flag given explicitly
// always wins over the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/gpagliara/authgate/internal/logging"
	"github.com/gpagliara/authgate/internal/util"
)

const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	SessionsMemory   = "memory"
	SessionsBigCache = "bigcache"
)

// Config is the full server configuration.
type Config struct {
	Addr                    string
	DataDir                 string
	StorageBackend          string
	PostgresDSN             string
	SessionBackend          string
	CipherKey               string
	TokenTTL                time.Duration
	SessionIdleTimeout      time.Duration
	TokenSessionIdleTimeout time.Duration
	SweepInterval           time.Duration
	StoreTimeout            time.Duration
	TLSCert                 string
	TLSKey                  string
	TrustedProxies          []string
	LogLevel                string
	LogFormat               string
}

// Default returns the built-in defaults. CipherKey has no default.
func Default() Config {
	return Config{
		Addr:                    ":8443",
		DataDir:                 "./data",
		StorageBackend:          BackendBBolt,
		SessionBackend:          SessionsMemory,
		TokenTTL:                24 * time.Hour,
		SessionIdleTimeout:      30 * time.Minute,
		TokenSessionIdleTimeout: 15 * time.Minute,
		SweepInterval:           24 * time.Hour,
		StoreTimeout:            5 * time.Second,
		LogLevel:                "info",
		LogFormat:               logging.FormatJSON,
	}
}

// binding ties a flag to its environment variable.
type binding struct {
	flag string
	env  string
}

var bindings = []binding{
	{"addr", "AUTHGATE_ADDR"},
	{"data-dir", "AUTHGATE_DATA_DIR"},
	{"storage", "AUTHGATE_STORAGE"},
	{"postgres-dsn", "AUTHGATE_POSTGRES_DSN"},
	{"sessions", "AUTHGATE_SESSIONS"},
	{"cipher-key", "AUTHGATE_CIPHER_KEY"},
	{"token-ttl", "AUTHGATE_TOKEN_TTL"},
	{"session-idle", "AUTHGATE_SESSION_IDLE"},
	{"token-session-idle", "AUTHGATE_TOKEN_SESSION_IDLE"},
	{"sweep-interval", "AUTHGATE_SWEEP_INTERVAL"},
	{"store-timeout", "AUTHGATE_STORE_TIMEOUT"},
	{"tls-cert", "AUTHGATE_TLS_CERT"},
	{"tls-key", "AUTHGATE_TLS_KEY"},
	{"trusted-proxies", "AUTHGATE_TRUSTED_PROXIES"},
	{"log-level", "AUTHGATE_LOG_LEVEL"},
	{"log-format", "AUTHGATE_LOG_FORMAT"},
}

// RegisterFlags binds every field of c to a flag on fs, using the current
// field values as flag defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Address to listen on")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for persistent data")
	fs.StringVar(&c.StorageBackend, "storage", c.StorageBackend, "Record store: memory, bbolt, postgres or sqlite")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "PostgreSQL DSN (storage=postgres)")
	fs.StringVar(&c.SessionBackend, "sessions", c.SessionBackend, "Session store: memory or bigcache")
	fs.StringVar(&c.CipherKey, "cipher-key", c.CipherKey, "Base64 AES key (16, 24 or 32 bytes) for remember-me tokens")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "Lifetime of remember-me tokens")
	fs.DurationVar(&c.SessionIdleTimeout, "session-idle", c.SessionIdleTimeout, "Idle timeout of password sessions")
	fs.DurationVar(&c.TokenSessionIdleTimeout, "token-session-idle", c.TokenSessionIdleTimeout, "Idle timeout of sessions restored from a remember-me token")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Interval between expired-token sweeps")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", c.StoreTimeout, "Timeout applied to each record-store call")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "Path to TLS certificate file")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "Path to TLS key file")
	fs.StringSliceVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "CIDRs whose X-Forwarded-For headers are trusted for client IPs")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: json or text")
}

// ApplyEnv copies environment values into every flag of fs that was not set
// explicitly on the command line. lookup is usually os.LookupEnv.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	for _, b := range bindings {
		if fs.Lookup(b.flag) == nil || fs.Changed(b.flag) {
			continue
		}
		v, ok := lookup(b.env)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(b.flag, v); err != nil {
			return fmt.Errorf("%s: %w", b.env, err)
		}
	}
	return nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case BackendMemory, BackendBBolt, BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}
	switch c.SessionBackend {
	case SessionsMemory, SessionsBigCache:
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.SessionBackend))
	}
	if err := validateCipherKey(c.CipherKey); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"token-ttl":          c.TokenTTL,
		"session-idle":       c.SessionIdleTimeout,
		"token-session-idle": c.TokenSessionIdleTimeout,
		"sweep-interval":     c.SweepInterval,
		"store-timeout":      c.StoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be set together"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != logging.FormatJSON && c.LogFormat != logging.FormatText {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func validateCipherKey(key string) error {
	if key == "" {
		return errors.New("cipher key is required (see `authgate keygen`)")
	}
	raw, err := util.DecodeText(key)
	if err != nil {
		return errors.New("cipher key is not valid base64")
	}
	defer util.WipeBytes(raw)
	switch len(raw) {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("cipher key must decode to 16, 24 or 32 bytes, got %d", len(raw))
	}
}

// BBoltPath is the database file used by the bbolt backend.
func (c Config) BBoltPath() string { return filepath.Join(c.DataDir, "authgate.db") }

// SQLitePath is the database file used by the sqlite backend.
func (c Config) SQLitePath() string { return filepath.Join(c.DataDir, "authgate.sqlite") }

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as
// a single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
