package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/open-console/connect-broker/internal/crypto"
	"github.com/open-console/connect-broker/internal/log"
)

// FirestoreStore implements Store on Google Cloud Firestore.
//
// Payloads are sealed with the encryptor before they leave the process:
// session records contain bearers and grant records contain user data,
// neither of which should be readable at rest.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
}

var _ Store = (*FirestoreStore)(nil)
var _ Purger = (*FirestoreStore)(nil)

// recordDoc is the Firestore document layout for a stored record
type recordDoc struct {
	Kind       string    `firestore:"kind"`
	ID         string    `firestore:"id"`
	Service    string    `firestore:"service,omitempty"`
	Expires    time.Time `firestore:"expires,omitempty"`
	Deprecates time.Time `firestore:"deprecates,omitempty"`
	Remove     time.Time `firestore:"remove,omitempty"`
	Payload    string    `firestore:"payload"`
	SavedAt    time.Time `firestore:"saved_at"`
}

// NewFirestoreStore creates a Firestore-backed store. An encryptor is
// mandatory; refusing to run without one keeps plaintext credentials
// out of the database by construction.
func NewFirestoreStore(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
		encryptor:  encryptor,
	}, nil
}

// Close releases the underlying Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func docID(kind Kind, id string) string {
	return string(kind) + "__" + id
}

// Load implements Store
func (s *FirestoreStore) Load(ctx context.Context, kind Kind, id string) (json.RawMessage, bool, error) {
	doc, err := s.client.Collection(s.collection).Doc(docID(kind, id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get record from Firestore: %w", err)
	}

	return s.openDoc(doc)
}

// Save implements Store
func (s *FirestoreStore) Save(ctx context.Context, kind Kind, data json.RawMessage, meta Meta) error {
	sealed, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("sealing record payload: %w", err)
	}

	rec := recordDoc{
		Kind:       string(kind),
		ID:         meta.ID,
		Service:    meta.Service,
		Expires:    meta.Expires,
		Deprecates: meta.Deprecates,
		Remove:     meta.Remove,
		Payload:    sealed,
		SavedAt:    time.Now().UTC(),
	}

	if _, err := s.client.Collection(s.collection).Doc(docID(kind, meta.ID)).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to save record to Firestore: %w", err)
	}

	log.LogTraceWithFields("storage", "Saved record to Firestore", map[string]any{
		"kind":    string(kind),
		"id":      meta.ID,
		"service": meta.Service,
	})
	return nil
}

// FindCurrentSession implements Store. The record with the latest
// expiry is authoritative for the service.
func (s *FirestoreStore) FindCurrentSession(ctx context.Context, serviceID string) (json.RawMessage, bool, error) {
	iter := s.client.Collection(s.collection).
		Where("kind", "==", string(KindAppSession)).
		Where("service", "==", serviceID).
		OrderBy("expires", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query current session: %w", err)
	}

	return s.openDoc(doc)
}

// CleanupExpired purges records whose advisory Remove horizon has passed
func (s *FirestoreStore) CleanupExpired(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("remove", "<", time.Now().UTC()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("error iterating removable records: %w", err)
		}

		if _, err := doc.Ref.Delete(ctx); err != nil {
			log.LogErrorWithFields("storage", "Failed to delete removable record", map[string]any{
				"doc":   doc.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}

func (s *FirestoreStore) openDoc(doc *firestore.DocumentSnapshot) (json.RawMessage, bool, error) {
	var rec recordDoc
	if err := doc.DataTo(&rec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	payload, err := s.encryptor.Decrypt(rec.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("opening record payload: %w", err)
	}
	return json.RawMessage(payload), true, nil
}
