// Package cookie carries the end user's browser session as a sealed or
// signed client-side cookie. Nothing about the session is kept server
// side; a cookie that fails to open is treated as an empty session.
package cookie

import (
	"net/http"
	"time"

	"github.com/open-console/connect-broker/internal/envutil"
	"github.com/open-console/connect-broker/internal/log"
)

// SessionCookie is the cookie name for the browser session carrier
const SessionCookie = "oc_session"

// SessionTTL bounds the carrier's lifetime; values inside it (such as
// state tokens) expire with it
const SessionTTL = 24 * time.Hour

// Session is a small key-value carrier bound to one browser
type Session struct {
	values map[string]string
	codec  Codec
}

// LoadSession opens the browser session from the request. Absent,
// malformed, or tampered cookies all yield an empty session.
func LoadSession(r *http.Request, codec Codec) *Session {
	s := &Session{
		values: make(map[string]string),
		codec:  codec,
	}

	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return s
	}

	values, err := codec.Decode(c.Value)
	if err != nil {
		log.LogWarnWithFields("cookie", "Discarding unreadable session cookie", map[string]any{
			"error": err.Error(),
		})
		return s
	}
	s.values = values
	return s
}

// Get returns the value stored under key, or the empty string
func (s *Session) Get(key string) string {
	return s.values[key]
}

// Set stores a value under key
func (s *Session) Set(key, value string) {
	s.values[key] = value
}

// Delete removes a key from the session
func (s *Session) Delete(key string) {
	delete(s.values, key)
}

// Save encodes the session and writes it back as a cookie. Must be
// called before the response headers are written. An empty session
// clears the cookie instead.
func (s *Session) Save(w http.ResponseWriter) error {
	if len(s.values) == 0 {
		Clear(w, SessionCookie)
		return nil
	}

	encoded, err := s.codec.Encode(s.values)
	if err != nil {
		return err
	}

	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(SessionTTL.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge":   SessionTTL.String(),
		"secure":   secure,
		"sameSite": "Lax",
	})
	return nil
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
