package remember

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// CookieName is the remember-me cookie.
	CookieName = "rememberToken"
	// CookiePath scopes the cookie to the whole site.
	CookiePath = "/"

	separator = ":"
)

// ErrMalformedCookie is returned for cookie values that are not exactly
// two non-empty ":"-separated parts.
var ErrMalformedCookie = errors.New("malformed remember-me cookie")

// FormatCookieValue joins a token uuid and its encrypted text form.
func FormatCookieValue(uuid, encryptedToken string) string {
	return uuid + separator + encryptedToken
}

// ParseCookieValue splits a cookie value into its uuid and encrypted token.
func ParseCookieValue(value string) (uuid, encryptedToken string, err error) {
	parts := strings.Split(value, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedCookie
	}
	return parts[0], parts[1], nil
}

// NewCookie builds the remember-me cookie carrying value. It is always
// Secure and HttpOnly; maxAge is rounded down to whole seconds.
func NewCookie(value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     CookiePath,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie returns a cookie that removes the remember-me cookie
// (empty value, Max-Age=0, same path).
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     CookiePath,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
