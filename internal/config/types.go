package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// CarrierKind selects how the browser-session cookie protects its
// payload: sealed (encrypted) or signed (readable, tamper evident)
type CarrierKind string

const (
	CarrierSealed CarrierKind = "sealed"
	CarrierSigned CarrierKind = "signed"
)

// StorageKind selects the persistence backend
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
)

// StorageConfig configures the persistence backend
type StorageConfig struct {
	Kind       StorageKind `json:"kind"`
	ProjectID  string      `json:"projectId,omitempty"`
	Database   string      `json:"database,omitempty"`
	Collection string      `json:"collection,omitempty"`
}

// Config is the broker's recognized configuration surface
type Config struct {
	// Connect is the provider base URL
	Connect string `json:"connect,omitempty"`

	// Website is the provider's public site, target of error redirects
	Website string `json:"website,omitempty"`

	// Instance is this application's symbolic name; defaults to the
	// host's fully-qualified domain name
	Instance string `json:"instance,omitempty"`

	// Scope optionally requested on the consent redirect
	Scope string `json:"scope,omitempty"`

	// Addr is the listen address of the hosting binary
	Addr string `json:"addr,omitempty"`

	// Timeout bounds each provider round-trip
	Timeout time.Duration `json:"-"`

	// Secret is the application credential (required)
	Secret Secret `json:"-"`

	// Service is the provider-assigned service token (required)
	Service Secret `json:"-"`

	// EncryptionKey protects the browser session cookie (required)
	EncryptionKey Secret `json:"-"`

	// Cookie selects the browser-session carrier protection
	Cookie CarrierKind `json:"cookie,omitempty"`

	// Storage selects and configures the persistence backend
	Storage StorageConfig `json:"storage,omitempty"`

	// Raw secret references, resolved during UnmarshalJSON
	SecretRaw        json.RawMessage `json:"secret,omitempty"`
	ServiceRaw       json.RawMessage `json:"service,omitempty"`
	EncryptionKeyRaw json.RawMessage `json:"encryptionKey,omitempty"`
	TimeoutRaw       string          `json:"timeout,omitempty"`
}

const (
	// DefaultConnect is the provider's API base URL
	DefaultConnect = "https://connect.open-console.eu"

	// DefaultWebsite is the provider's public-facing site
	DefaultWebsite = "https://open-console.eu"

	// DefaultAddr is the hosting binary's listen address
	DefaultAddr = ":8080"
)

// ParseConfigValue resolves a config value that is either a literal
// string or an environment reference of the form {"$env": "VAR_NAME"}.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var literal string
	if err := json.Unmarshal(raw, &literal); err == nil {
		return literal, nil
	}

	var ref struct {
		Env string `json:"$env"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil || ref.Env == "" {
		return "", fmt.Errorf("expected string or {\"$env\": \"VAR_NAME\"}")
	}

	value, ok := os.LookupEnv(ref.Env)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref.Env)
	}
	return value, nil
}

// DecodeEncryptionKey turns the configured key into raw bytes. A
// 32-byte literal is used as is; anything else must be standard
// base64 of 32 bytes.
func (c *Config) DecodeEncryptionKey() ([]byte, error) {
	key := string(c.EncryptionKey)
	if len(key) == 32 {
		return []byte(key), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("encryptionKey must be 32 raw bytes or base64: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("encryptionKey must decode to 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}
