// Package appsession owns the trust relationship between this
// application and the provider: logging in, caching the resulting
// sessions, and refreshing them when they go stale.
package appsession

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/open-console/connect-broker/internal/timeutil"
)

// Credentials identify this application to the provider. Service is the
// long-lived provider-assigned service token; it is used as the bearer
// of the login request and nowhere else.
type Credentials struct {
	Service  string
	Secret   string
	Instance string
}

// Session is one trust relationship with the provider. The Bearer is
// both the primary id and the credential used on back-channel calls.
type Session struct {
	Bearer     string
	ServiceID  string
	Endpoints  map[string]string
	Expires    time.Time
	Deprecates time.Time

	// Login holds the credentials that obtained this session,
	// needed to refresh it in place.
	Login Credentials
}

// ValidAt reports whether the session is still usable at t. The
// comparison is inclusive: a session expiring exactly at t is valid.
func (s *Session) ValidAt(t time.Time) bool {
	return !s.Expires.Before(t)
}

// Ref names a session without committing to how: by bearer, by service
// id, or as an already-resolved Session.
type Ref interface {
	sessionRef()
}

// Bearer references a session by its opaque bearer token
type Bearer string

func (Bearer) sessionRef() {}

// ServiceID references the current session of a service
type ServiceID string

func (ServiceID) sessionRef() {}

func (*Session) sessionRef() {}

// refID returns the string identifier of a Bearer or ServiceID ref,
// and the bearer of a resolved session.
func refID(ref Ref) string {
	switch r := ref.(type) {
	case Bearer:
		return string(r)
	case ServiceID:
		return string(r)
	case *Session:
		return r.Bearer
	default:
		return ""
	}
}

// loginResponse is the provider's wire format for a successful login
type loginResponse struct {
	Session struct {
		Bearer     string `json:"bearer"`
		Expires    string `json:"expires"`
		Deprecates string `json:"deprecates"`
	} `json:"session"`
	Service struct {
		ID string `json:"id"`
	} `json:"service"`
	Endpoints map[string]string `json:"endpoints"`
}

// parseSessionPayload turns a raw provider login response into a
// Session. creds are attached so the session can later refresh itself.
func parseSessionPayload(raw json.RawMessage, creds Credentials) (*Session, error) {
	var resp loginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing session payload: %w", err)
	}
	if resp.Session.Bearer == "" {
		return nil, fmt.Errorf("session payload missing bearer")
	}

	expires, err := timeutil.Parse(resp.Session.Expires)
	if err != nil {
		return nil, fmt.Errorf("parsing session expires: %w", err)
	}

	var deprecates time.Time
	if resp.Session.Deprecates != "" {
		deprecates, err = timeutil.Parse(resp.Session.Deprecates)
		if err != nil {
			return nil, fmt.Errorf("parsing session deprecates: %w", err)
		}
	}

	return &Session{
		Bearer:     resp.Session.Bearer,
		ServiceID:  resp.Service.ID,
		Endpoints:  resp.Endpoints,
		Expires:    expires,
		Deprecates: deprecates,
		Login:      creds,
	}, nil
}
