package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/koltyakov/guestpool/internal/session"
)

const sessionCookieName = "guestpool_session"

// loadSession returns the visitor's stored session, issuing a new session
// cookie when the request has none or an unparseable one.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Stored, error) {
	key := ""
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(c.Value)); err == nil {
			key = id.String()
		}
	}
	if key == "" {
		key = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    key,
			Path:     "/",
			MaxAge:   int(s.cfg.SessionRetention.Seconds()),
			HttpOnly: true,
			Secure:   s.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return session.Load(r.Context(), s.store, key)
}

// existingSession is like loadSession but never issues a cookie. ok is false
// when the request carries no usable session.
func (s *Server) existingSession(r *http.Request) (*session.Stored, bool, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, false, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(c.Value))
	if err != nil {
		return nil, false, nil
	}
	sess, err := session.Load(r.Context(), s.store, id.String())
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}
