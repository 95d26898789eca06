// Package config loads the broker's configuration: a JSON file whose
// credential fields reference environment variables, so secrets never
// sit in the file itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Load reads and validates the config file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, resolves, and validates raw config JSON
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return Config{}, fmt.Errorf("resolving config: %w", err)
	}

	cfg.applyDefaults()

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// resolve turns raw secret references into their values
func (c *Config) resolve() error {
	if c.SecretRaw != nil {
		value, err := ParseConfigValue(c.SecretRaw)
		if err != nil {
			return fmt.Errorf("secret: %w", err)
		}
		c.Secret = Secret(value)
	}

	if c.ServiceRaw != nil {
		value, err := ParseConfigValue(c.ServiceRaw)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}
		c.Service = Secret(value)
	}

	if c.EncryptionKeyRaw != nil {
		value, err := ParseConfigValue(c.EncryptionKeyRaw)
		if err != nil {
			return fmt.Errorf("encryptionKey: %w", err)
		}
		c.EncryptionKey = Secret(value)
	}

	if c.TimeoutRaw != "" {
		timeout, err := time.ParseDuration(c.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = timeout
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Connect == "" {
		c.Connect = DefaultConnect
	}
	if c.Website == "" {
		c.Website = DefaultWebsite
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageKindMemory
	}
	if c.Cookie == "" {
		c.Cookie = CarrierSealed
	}
	// Instance defaults to the host FQDN in the session manager
}

// Validate checks the resolved configuration
func Validate(c *Config) error {
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Service == "" {
		return fmt.Errorf("service is required")
	}
	if c.EncryptionKey == "" {
		// Protects the browser session cookie, and record payloads
		// when the firestore backend is in use
		return fmt.Errorf("encryptionKey is required")
	}
	if _, err := c.DecodeEncryptionKey(); err != nil {
		return err
	}

	switch c.Cookie {
	case CarrierSealed, CarrierSigned:
	default:
		return fmt.Errorf("unsupported cookie carrier: %s", c.Cookie)
	}

	switch c.Storage.Kind {
	case StorageKindMemory:
	case StorageKindFirestore:
		if c.Storage.ProjectID == "" {
			return fmt.Errorf("storage.projectId is required for firestore storage")
		}
		if c.Storage.Collection == "" {
			return fmt.Errorf("storage.collection is required for firestore storage")
		}
	default:
		return fmt.Errorf("unsupported storage kind: %s", c.Storage.Kind)
	}
	return nil
}
