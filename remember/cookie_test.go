package remember

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCookieValue(t *testing.T) {
	uuid, enc, err := ParseCookieValue("abc:ZGVm")
	require.NoError(t, err)
	assert.Equal(t, "abc", uuid)
	assert.Equal(t, "ZGVm", enc)

	for _, bad := range []string{"", "abc", ":", "abc:", ":def", "a:b:c", "abc::def"} {
		_, _, err := ParseCookieValue(bad)
		assert.ErrorIs(t, err, ErrMalformedCookie, "value %q", bad)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	v := FormatCookieValue("0b4f2c3e-6f7a-4d1e-9a2b-3c4d5e6f7a8b", "q83v+/==")
	uuid, enc, err := ParseCookieValue(v)
	require.NoError(t, err)
	assert.Equal(t, "0b4f2c3e-6f7a-4d1e-9a2b-3c4d5e6f7a8b", uuid)
	assert.Equal(t, "q83v+/==", enc)
}

func TestCookieAttributes(t *testing.T) {
	c := NewCookie("u:v", 24*time.Hour)
	s := c.String()
	assert.Contains(t, s, "rememberToken=u:v")
	assert.Contains(t, s, "Path=/")
	assert.Contains(t, s, "Max-Age=86400")
	assert.Contains(t, s, "HttpOnly")
	assert.Contains(t, s, "Secure")

	cleared := ClearCookie().String()
	assert.Contains(t, cleared, "rememberToken=")
	assert.Contains(t, cleared, "Max-Age=0")
	assert.Contains(t, cleared, "Path=/")
}
