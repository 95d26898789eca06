package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenSigner produces compact HMAC-signed tokens carrying a JSON
// payload with an optional TTL. Unlike the sealed Encryptor the
// payload stays readable; only integrity and freshness are protected.
type TokenSigner struct {
	key []byte
	ttl time.Duration
}

// NewTokenSigner creates a signer. A zero ttl disables expiry.
func NewTokenSigner(key []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{key: key, ttl: ttl}
}

// envelope wraps the payload with its expiry inside the signed part
type envelope struct {
	Payload json.RawMessage `json:"p"`
	Expires int64           `json:"e,omitempty"`
}

// Sign marshals v and returns "<base64 envelope>.<signature>"
func (ts *TokenSigner) Sign(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling token payload: %w", err)
	}

	env := envelope{Payload: payload}
	if ts.ttl != 0 {
		env.Expires = time.Now().Add(ts.ttl).Unix()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling token envelope: %w", err)
	}

	encoded := base64.URLEncoding.EncodeToString(data)
	return encoded + "." + SignData(encoded, ts.key), nil
}

// Verify checks the signature and expiry, then unmarshals the payload
// into v. Any failure leaves v untouched.
func (ts *TokenSigner) Verify(token string, v any) error {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("malformed token")
	}
	if !ValidateSignedData(encoded, signature, ts.key) {
		return fmt.Errorf("signature mismatch")
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding token envelope: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parsing token envelope: %w", err)
	}
	if env.Expires != 0 && time.Now().Unix() > env.Expires {
		return fmt.Errorf("token expired")
	}

	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("parsing token payload: %w", err)
	}
	return nil
}
