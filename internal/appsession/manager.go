package appsession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/open-console/connect-broker/internal/ioutil"
	"github.com/open-console/connect-broker/internal/log"
	"github.com/open-console/connect-broker/internal/storage"
	"github.com/open-console/connect-broker/internal/timeutil"
	"github.com/open-console/connect-broker/internal/urlutil"
)

const (
	// DefaultProviderBase is the provider's API base URL
	DefaultProviderBase = "https://connect.open-console.eu"

	// DefaultAPIVersion is the protocol version tag sent on login
	DefaultAPIVersion = "0.1"

	// DefaultHTTPTimeout bounds every provider round-trip. Failed or
	// slow calls surface as typed errors; retrying is the caller's
	// business, never done here.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultRemoveGrace is how long after expiry a persisted record
	// may be purged. Advisory only; the store never deletes on read.
	DefaultRemoveGrace = 30 * 24 * time.Hour

	loginPath = "/application/login"

	// maxErrorBody caps how much of a provider error body ends up in
	// error messages and logs
	maxErrorBody = 4096
)

// ErrNeverLoggedIn is returned by GetSessionForService when a service
// has no persisted session at all. That is a configuration fault, not
// a recoverable runtime condition.
var ErrNeverLoggedIn = errors.New("service has never logged in")

// ProviderError is a login rejection or unexpected provider response
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider returned status %d", e.Status)
}

// Manager owns the in-memory session cache and performs login and
// refresh calls against the provider. It is safe for concurrent use;
// concurrent refreshes of one service id are deduplicated.
type Manager struct {
	store        storage.Store
	creds        Credentials
	providerBase string
	apiVersion   string
	httpClient   *http.Client
	now          func() time.Time
	removeGrace  time.Duration

	mu    sync.RWMutex
	cache map[string]*Session // keyed by bearer and by service id
	group singleflight.Group  // deduplicates concurrent refreshes per service id
}

// Option configures the manager
type Option func(*Manager)

// WithProviderBase overrides the provider base URL
func WithProviderBase(base string) Option {
	return func(m *Manager) {
		m.providerBase = base
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithAPIVersion overrides the protocol version tag
func WithAPIVersion(v string) Option {
	return func(m *Manager) {
		m.apiVersion = v
	}
}

// WithNow sets the time source (for testing expiry boundaries)
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRemoveGrace sets the advisory removal grace period
func WithRemoveGrace(d time.Duration) Option {
	return func(m *Manager) {
		m.removeGrace = d
	}
}

// New creates a session manager. The store and the service/secret pair
// are mandatory; a missing one is a configuration fault.
func New(store storage.Store, creds Credentials, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage collaborator is required")
	}
	if creds.Service == "" {
		return nil, fmt.Errorf("service token is required")
	}
	if creds.Secret == "" {
		return nil, fmt.Errorf("application secret is required")
	}
	if creds.Instance == "" {
		creds.Instance = defaultInstance()
	}

	m := &Manager{
		store:        store,
		creds:        creds,
		providerBase: DefaultProviderBase,
		apiVersion:   DefaultAPIVersion,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		now:          time.Now,
		removeGrace:  DefaultRemoveGrace,
		cache:        make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// defaultInstance is the host's FQDN, or a generated name when the
// hostname is unavailable.
func defaultInstance() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "broker-" + uuid.NewString()
}

// Credentials returns the manager's configured login credentials
func (m *Manager) Credentials() Credentials {
	return m.creds
}

// ProviderBase returns the provider base URL the manager talks to
func (m *Manager) ProviderBase() string {
	return m.providerBase
}

// Login performs a credentialed login against the provider and caches
// the resulting session. This is the only call in the whole flow that
// uses the long-lived service credential as a bearer.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Instance == "" {
		creds.Instance = m.creds.Instance
	}

	body, err := json.Marshal(map[string]string{
		"instance":    creds.Instance,
		"secret":      creds.Secret,
		"api_version": m.apiVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling login request: %w", err)
	}

	loginURL := urlutil.MustJoinPath(m.providerBase, loginPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Service)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Status:  resp.StatusCode,
			Message: providerMessage(ioutil.BodyPreview(resp.Body, maxErrorBody)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading login response: %w", err)
	}

	session, err := parseSessionPayload(raw, creds)
	if err != nil {
		return nil, err
	}

	m.persist(ctx, raw, session)
	m.insert(session, "")

	log.LogInfoWithFields("appsession", "Logged in to provider", map[string]any{
		"service":  session.ServiceID,
		"instance": creds.Instance,
		"expires":  timeutil.Format(session.Expires),
	})

	return session, nil
}

// persist saves the raw provider response. A failed save is logged and
// tolerated: the session in hand is valid regardless, and the next
// login writes a fresh record.
func (m *Manager) persist(ctx context.Context, raw json.RawMessage, s *Session) {
	meta := storage.Meta{
		ID:         s.Bearer,
		Service:    s.ServiceID,
		Expires:    s.Expires,
		Deprecates: s.Deprecates,
		Remove:     s.Expires.Add(m.removeGrace),
	}
	if err := m.store.Save(ctx, storage.KindAppSession, raw, meta); err != nil {
		log.LogWarnWithFields("appsession", "Failed to persist session", map[string]any{
			"service": s.ServiceID,
			"error":   err.Error(),
		})
	}
}

// insert places a session in the cache under its bearer and service id.
// When replacing a refreshed session, oldBearer keeps resolving to the
// new session so in-flight holders of the old token still find it.
func (m *Manager) insert(s *Session, oldBearer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache[s.Bearer] = s
	if s.ServiceID != "" {
		m.cache[s.ServiceID] = s
	}
	if oldBearer != "" && oldBearer != s.Bearer {
		m.cache[oldBearer] = s
	}
}

// GetOption modifies a GetSession call
type GetOption func(*getOptions)

type getOptions struct {
	fresh bool
}

// Fresh forces a refresh regardless of the cached session's expiry
func Fresh() GetOption {
	return func(o *getOptions) {
		o.fresh = true
	}
}

// GetSession resolves a session reference, loading a persisted record
// on cache miss and refreshing when the session is stale or Fresh was
// requested. A session is never "not found" fatally here: callers must
// treat ok=false as "no session available".
func (m *Manager) GetSession(ctx context.Context, ref Ref, opts ...GetOption) (*Session, bool) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	session := m.resolve(ctx, ref)
	if session == nil {
		log.LogWarnWithFields("appsession", "No session available", map[string]any{
			"id": refID(ref),
		})
		return nil, false
	}

	if !o.fresh && session.ValidAt(m.now()) {
		return session, true
	}

	refreshed, err := m.refresh(ctx, session)
	if err != nil {
		log.LogWarnWithFields("appsession", "Session refresh failed", map[string]any{
			"service": session.ServiceID,
			"error":   err.Error(),
		})
		return nil, false
	}
	return refreshed, true
}

// resolve finds a session in the cache or falls back to the store
func (m *Manager) resolve(ctx context.Context, ref Ref) *Session {
	if s, ok := ref.(*Session); ok {
		return s
	}

	id := refID(ref)
	m.mu.RLock()
	session, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return session
	}

	var (
		raw   json.RawMessage
		found bool
		err   error
	)
	switch ref.(type) {
	case Bearer:
		raw, found, err = m.store.Load(ctx, storage.KindAppSession, id)
	case ServiceID:
		raw, found, err = m.store.FindCurrentSession(ctx, id)
	}
	if err != nil {
		log.LogWarnWithFields("appsession", "Failed to load persisted session", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return nil
	}
	if !found {
		return nil
	}

	session, err = parseSessionPayload(raw, m.creds)
	if err != nil {
		log.LogWarnWithFields("appsession", "Corrupt persisted session", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return nil
	}

	m.insert(session, "")
	return session
}

// refresh obtains a new session for the same service, deduplicating
// concurrent attempts through singleflight so a race produces a single
// provider login.
func (m *Manager) refresh(ctx context.Context, stale *Session) (*Session, error) {
	key := stale.ServiceID
	if key == "" {
		key = stale.Bearer
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// A concurrent caller may have refreshed already
		m.mu.RLock()
		current, ok := m.cache[key]
		m.mu.RUnlock()
		if ok && current.Bearer != stale.Bearer && current.ValidAt(m.now()) {
			return current, nil
		}

		session, err := m.Login(ctx, stale.Login)
		if err != nil {
			return nil, err
		}
		m.insert(session, stale.Bearer)

		log.LogInfoWithFields("appsession", "Refreshed session", map[string]any{
			"service":   session.ServiceID,
			"oldBearer": stale.Bearer != session.Bearer,
		})
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// GetSessionForService is the authoritative lookup for a service's
// current session. It bypasses the cache and queries the store
// directly, because callers rendering the login button must reflect
// the true current session rather than a possibly stale cache entry.
func (m *Manager) GetSessionForService(ctx context.Context, serviceID string) (*Session, error) {
	raw, found, err := m.store.FindCurrentSession(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying current session for %s: %w", serviceID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNeverLoggedIn, serviceID)
	}

	session, err := parseSessionPayload(raw, m.creds)
	if err != nil {
		return nil, fmt.Errorf("current session for %s: %w", serviceID, err)
	}
	return session, nil
}

// Endpoint resolves a named operation URL from a session's endpoint map
func (m *Manager) Endpoint(ctx context.Context, ref Ref, name string) (string, bool) {
	session, ok := m.GetSession(ctx, ref)
	if !ok {
		return "", false
	}

	u, ok := session.Endpoints[name]
	return u, ok
}

// providerMessage extracts a human-readable message from a provider
// error body, falling back to the literal text.
func providerMessage(raw string) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(raw)
}
