package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/open-console/connect-broker/internal/log"
)

// Ensure MemoryStore implements the storage interfaces
var _ Store = (*MemoryStore)(nil)
var _ Purger = (*MemoryStore)(nil)

type memoryRecord struct {
	data json.RawMessage
	meta Meta
}

// MemoryStore is an in-process Store for development and tests.
// Records live until purged via CleanupExpired or process exit.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Kind]map[string]memoryRecord),
		now:     time.Now,
	}
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context, kind Kind, id string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[kind][id]
	if !ok {
		return nil, false, nil
	}
	return rec.data, true, nil
}

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, kind Kind, data json.RawMessage, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[kind] == nil {
		s.records[kind] = make(map[string]memoryRecord)
	}
	s.records[kind][meta.ID] = memoryRecord{data: data, meta: meta}

	log.LogTraceWithFields("storage", "Saved record", map[string]any{
		"kind":    string(kind),
		"id":      meta.ID,
		"service": meta.Service,
	})
	return nil
}

// FindCurrentSession returns the appsession record with the latest
// expiry for a service id. Both the live session and its predecessors
// may still be present; latest expiry wins.
func (s *MemoryStore) FindCurrentSession(_ context.Context, serviceID string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *memoryRecord
	for _, rec := range s.records[KindAppSession] {
		if rec.meta.Service != serviceID {
			continue
		}
		if best == nil || rec.meta.Expires.After(best.meta.Expires) {
			r := rec
			best = &r
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best.data, true, nil
}

// CleanupExpired purges records whose advisory Remove horizon has passed
func (s *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for kind, byID := range s.records {
		for id, rec := range byID {
			if !rec.meta.Remove.IsZero() && rec.meta.Remove.Before(now) {
				delete(byID, id)
				count++
				log.LogTraceWithFields("storage", "Purged record", map[string]any{
					"kind": string(kind),
					"id":   id,
				})
			}
		}
	}
	return count, nil
}
