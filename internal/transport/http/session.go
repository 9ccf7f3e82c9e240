package httptransport

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SessionManager maps visitors to session store keys through a cookie
type SessionManager struct {
	cookieName string
	ttl        time.Duration
	secure     bool
}

// NewSessionManager creates a session manager
func NewSessionManager(cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// Key returns the visitor's session key, issuing a new cookie when the
// request carries none or an unparseable one
func (m *SessionManager) Key(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(m.cookieName); err == nil {
		if id, err := uuid.Parse(cookie.Value); err == nil {
			return id.String()
		}
	}

	key := uuid.NewString()
	cookie := &http.Cookie{
		Name:     m.cookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if m.ttl > 0 {
		cookie.MaxAge = int(m.ttl.Seconds())
	}
	http.SetCookie(w, cookie)

	// Later reads within the same request see the new key
	r.AddCookie(cookie)

	return key
}
