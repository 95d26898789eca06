// Package storage persists session and grant records for the broker.
// The core only depends on the Store interface; the backends in this
// package are interchangeable implementations of it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when a record doesn't exist
var ErrRecordNotFound = errors.New("record not found")

// Kind distinguishes the classes of records the broker persists
type Kind string

const (
	// KindAppSession stores raw provider login responses, keyed by bearer
	KindAppSession Kind = "appsession"

	// KindGrant stores raw user-grant bodies, keyed by authorization code
	KindGrant Kind = "grant"
)

// Meta carries the indexed metadata saved next to a record payload.
// Remove is an advisory cleanup horizon later than Expires; backends
// never delete on their own, the CleanupManager acts on it.
type Meta struct {
	ID         string    `json:"id"`
	Service    string    `json:"service,omitempty"`
	Expires    time.Time `json:"expires,omitempty"`
	Deprecates time.Time `json:"deprecates,omitempty"`
	Remove     time.Time `json:"remove,omitempty"`
}

// Store is the persistence collaborator the session manager and flow
// controller depend on. Payloads are opaque JSON; interpretation is the
// caller's business.
type Store interface {
	// Load returns the payload saved under (kind, id), or found=false
	// when no such record exists.
	Load(ctx context.Context, kind Kind, id string) (data json.RawMessage, found bool, err error)

	// Save persists a payload with its metadata, overwriting any
	// previous record with the same (kind, id).
	Save(ctx context.Context, kind Kind, data json.RawMessage, meta Meta) error

	// FindCurrentSession returns the authoritative current appsession
	// payload for a service id, bypassing any caller-side cache.
	FindCurrentSession(ctx context.Context, serviceID string) (data json.RawMessage, found bool, err error)
}

// Purger is implemented by backends that can purge records past their
// advisory Remove horizon.
type Purger interface {
	CleanupExpired(ctx context.Context) (int, error)
}
