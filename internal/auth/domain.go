// Package auth owns the login and logout flows: credential verification,
// failed-login throttling, session issuance and the HTTP transport of the
// session token.
package auth

import (
	"net/http"
	"strings"
	"time"
)

// SessionCookie names the cookie carrying the session token for browser
// clients. Programmatic clients send the token as a bearer header and are
// exempt from CSRF checks.
const SessionCookie = "polyveda_session"

// TokenFromRequest extracts the session token from a request. The bearer
// header wins over the cookie; fromCookie tells the CSRF layer which
// transport authenticated the request.
func TokenFromRequest(r *http.Request) (token string, fromCookie bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t), false
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// NewSessionCookie builds the HttpOnly session cookie set at login.
func NewSessionCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredSessionCookie builds the cookie that clears the token on logout.
func ExpiredSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
