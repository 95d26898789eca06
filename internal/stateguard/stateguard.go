// Package stateguard issues and verifies the anti-replay state tokens
// that correlate a redirect to the provider with its callback. Tokens
// live in the end user's browser-session carrier, not on the server;
// single use is enforced by the caller clearing the carrier after the
// check.
package stateguard

import (
	"crypto/subtle"

	"github.com/open-console/connect-broker/internal/crypto"
)

// stateKey is the slot the token occupies inside the carrier
const stateKey = "oauth_state"

// BrowserSession is the end user's browser-session carrier. The cookie
// package provides the sealed-cookie implementation; anything with the
// same shape works.
type BrowserSession interface {
	Get(key string) string
	Set(key, value string)
	Delete(key string)
}

// Guard issues and checks state tokens
type Guard struct{}

// New creates a state guard
func New() *Guard {
	return &Guard{}
}

// Issue generates a cryptographically strong random state token
func (g *Guard) Issue() (string, error) {
	return crypto.GenerateSecureToken()
}

// Remember stores the token in the browser session. No expiry of its
// own; the carrier's lifetime bounds it.
func (g *Guard) Remember(sess BrowserSession, token string) {
	sess.Set(stateKey, token)
}

// Check compares the candidate against the remembered token,
// byte for byte in constant time. An absent token never matches.
func (g *Guard) Check(sess BrowserSession, candidate string) bool {
	stored := sess.Get(stateKey)
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// Clear discards the remembered token, making it single use
func (g *Guard) Clear(sess BrowserSession) {
	sess.Delete(stateKey)
}
