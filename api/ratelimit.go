package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffPolicy configures a per-key limiter: once threshold events are
// recorded for a key, the key is locked out for base, doubling with every
// further event up to max. Records idle for longer than expiry are dropped.
type backoffPolicy struct {
	threshold int
	base      time.Duration
	max       time.Duration
	expiry    time.Duration
}

var (
	// Failed logins per account. The key is the SHA-256 of the username so
	// limiter state never holds raw usernames.
	accountPolicy = backoffPolicy{threshold: 5, base: 1 * time.Minute, max: 15 * time.Minute, expiry: 1 * time.Hour}
	// Failed logins per client IP.
	ipPolicy = backoffPolicy{threshold: 20, base: 1 * time.Minute, max: 30 * time.Minute, expiry: 1 * time.Hour}
	// Registration attempts per client IP. Every attempt counts since each
	// one costs a password hash.
	registrationIPPolicy = backoffPolicy{threshold: 5, base: 5 * time.Minute, max: 1 * time.Hour, expiry: 1 * time.Hour}
)

type attemptRecord struct {
	count       int
	last        time.Time
	lockedUntil time.Time
}

// backoffLimiter applies a backoffPolicy per key.
type backoffLimiter struct {
	mu      sync.Mutex
	policy  backoffPolicy
	records map[string]*attemptRecord
	now     func() time.Time
}

func newBackoffLimiter(policy backoffPolicy) *backoffLimiter {
	return &backoffLimiter{
		policy:  policy,
		records: make(map[string]*attemptRecord),
		now:     time.Now,
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.records[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.last) > rl.policy.expiry {
		delete(rl.records, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// record counts one event against key and extends the lockout once the
// threshold is reached.
func (rl *backoffLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.records[key]
	if !ok {
		rec = &attemptRecord{}
		rl.records[key] = rec
	}
	now := rl.now()
	rec.count++
	rec.last = now

	if rec.count >= rl.policy.threshold {
		lockout := rl.policy.base
		for i := rl.policy.threshold; i < rec.count; i++ {
			lockout *= 2
			if lockout >= rl.policy.max {
				lockout = rl.policy.max
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// reset forgets key, e.g. after a successful login.
func (rl *backoffLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.records, key)
}

// sweep removes expired records and returns how many were dropped.
func (rl *backoffLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for key, rec := range rl.records {
		if now.Sub(rec.last) > rl.policy.expiry {
			delete(rl.records, key)
			n++
		}
	}
	return n
}

// windowLimiter locks every caller out for lockout once max events land
// inside a sliding window.
type windowLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	max         int
	lockout     time.Duration
	events      []time.Time
	lockedUntil time.Time
	now         func() time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: time.Now}
}

// Total failed logins across all accounts, and total registrations.
func newGlobalLoginLimiter() *windowLimiter {
	return newWindowLimiter(1*time.Minute, 100, 5*time.Minute)
}

func newGlobalRegistrationLimiter() *windowLimiter {
	return newWindowLimiter(1*time.Minute, 50, 5*time.Minute)
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.events = trimWindow(append(rl.events, now), now, rl.window)
	if len(rl.events) >= rl.max {
		rl.lockedUntil = now.Add(rl.lockout)
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the client address used for rate limiting, honouring
// proxy headers only from trusted peers.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIP(r, a.trustedProxies)
}

// extractClientIP returns the best-effort client IP address.
//
// Proxy headers are consulted only when the direct peer (RemoteAddr) falls
// inside one of trustedProxies; with none configured RemoteAddr is always
// used. Priority for trusted peers: the first valid X-Forwarded-For entry,
// then the first "for=" of Forwarded, then X-Real-IP.
func extractClientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func peerTrusted(remoteIP string, trustedProxies []netip.Prefix) bool {
	if len(trustedProxies) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// [::1]:1234 and 1.2.3.4:80
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
