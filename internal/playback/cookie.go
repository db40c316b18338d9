package playback

import (
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName names the playback cookie.
const DefaultCookieName = "opticast_playback"

// CookieSecureMode controls the Secure attribute.
type CookieSecureMode int

const (
	CookieSecureAuto CookieSecureMode = iota
	CookieSecureAlways
)

// CookiePolicy shapes the playback cookie.
type CookiePolicy struct {
	Name       string
	SecureMode CookieSecureMode
}

func (p CookiePolicy) name() string {
	if p.Name == "" {
		return DefaultCookieName
	}
	return p.Name
}

func (p CookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == CookieSecureAlways {
		return true
	}
	return isSecureRequest(r)
}

// set writes the cookie. Secure cookies use SameSite=None so players embedded
// on allowed origins can send them; plain HTTP falls back to Lax.
func (p CookiePolicy) set(w http.ResponseWriter, r *http.Request, value string, expires time.Time, now time.Time) {
	maxAge := int(expires.Sub(now).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	secure := p.secure(r)
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     p.name(),
		Value:    value,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
}

func (p CookiePolicy) read(r *http.Request) string {
	cookie, err := r.Cookie(p.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return false
}
