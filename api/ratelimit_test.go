package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLimiter(policy backoffPolicy) (*backoffLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newBackoffLimiter(policy)
	rl.now = clock.now
	return rl, clock
}

func TestBackoffLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newClockedLimiter(accountPolicy)
	for i := 0; i < accountPolicy.threshold-1; i++ {
		rl.record("acct-1")
		blocked, _ := rl.check("acct-1")
		assert.False(t, blocked, "should not block before the threshold")
	}
}

func TestBackoffLimiter_BlocksAtThreshold(t *testing.T) {
	rl, _ := newClockedLimiter(accountPolicy)
	for i := 0; i < accountPolicy.threshold; i++ {
		rl.record("acct-1")
	}
	blocked, retryAfter := rl.check("acct-1")
	require.True(t, blocked)
	assert.Equal(t, accountPolicy.base, retryAfter)
}

func TestBackoffLimiter_ExponentialBackoffCapped(t *testing.T) {
	rl, _ := newClockedLimiter(accountPolicy)
	for i := 0; i < accountPolicy.threshold; i++ {
		rl.record("acct-1")
	}
	_, first := rl.check("acct-1")

	rl.record("acct-1")
	_, second := rl.check("acct-1")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		rl.record("acct-1")
	}
	_, capped := rl.check("acct-1")
	assert.Equal(t, accountPolicy.max, capped)
}

func TestBackoffLimiter_LockoutEnds(t *testing.T) {
	rl, clock := newClockedLimiter(ipPolicy)
	for i := 0; i < ipPolicy.threshold; i++ {
		rl.record("198.51.100.7")
	}
	blocked, _ := rl.check("198.51.100.7")
	require.True(t, blocked)

	clock.advance(ipPolicy.base + time.Second)
	blocked, _ = rl.check("198.51.100.7")
	assert.False(t, blocked)
}

func TestBackoffLimiter_ResetAndIsolation(t *testing.T) {
	rl, _ := newClockedLimiter(accountPolicy)
	for i := 0; i < accountPolicy.threshold; i++ {
		rl.record("acct-1")
	}
	blocked, _ := rl.check("acct-2")
	assert.False(t, blocked, "other keys are unaffected")

	rl.reset("acct-1")
	blocked, _ = rl.check("acct-1")
	assert.False(t, blocked)
}

func TestBackoffLimiter_Sweep(t *testing.T) {
	rl, clock := newClockedLimiter(accountPolicy)
	rl.record("old")
	clock.advance(accountPolicy.expiry + time.Minute)
	rl.record("fresh")

	assert.Equal(t, 1, rl.sweep())
	assert.NotContains(t, rl.records, "old")
	assert.Contains(t, rl.records, "fresh")
}

func TestWindowLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newWindowLimiter(time.Minute, 3, 5*time.Minute)
	rl.now = clock.now

	rl.record()
	rl.record()
	clock.advance(2 * time.Minute)
	rl.record()
	blocked, _ := rl.check()
	assert.False(t, blocked, "events outside the window do not count")

	rl.record()
	rl.record()
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retryAfter)

	clock.advance(5 * time.Minute)
	blocked, _ = rl.check()
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "mapped ipv4", remoteAddr: "[::ffff:192.0.2.4]:80", want: "192.0.2.4"},
		{
			name:       "untrusted peer ignores xff",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			proxies:    trusted,
			want:       "192.168.1.1",
		},
		{
			name:       "no proxies configured ignores xff",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy first valid xff",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "garbage, 198.51.100.25, 203.0.113.9"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "trusted proxy forwarded header",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `proto=https;For="[2001:db8::1]:4711"`},
			proxies:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "trusted proxy x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.5"},
			proxies:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "trusted proxy without headers",
			remoteAddr: "10.0.0.1:80",
			proxies:    trusted,
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: http.Header{}}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r, tt.proxies))
		})
	}
}

func TestAPIClientIPUsesTrustedProxies(t *testing.T) {
	a := newTestAPI(t, WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("127.0.0.1/32")}))
	r := &http.Request{RemoteAddr: "127.0.0.1:9999", Header: http.Header{}}
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", a.clientIP(r))

	a = newTestAPI(t)
	assert.Equal(t, "127.0.0.1", a.clientIP(r))
}
