package flow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-console/connect-broker/internal/appsession"
	"github.com/open-console/connect-broker/internal/report"
	"github.com/open-console/connect-broker/internal/stateguard"
	"github.com/open-console/connect-broker/internal/storage"
)

const website = "https://www.open-console.eu"

// fakeBrowserSession satisfies BrowserSession with an in-memory map
// and counts Save calls so tests can assert ordering guarantees.
type fakeBrowserSession struct {
	values  map[string]string
	saves   int
	saveErr error
}

func newFakeBrowserSession() *fakeBrowserSession {
	return &fakeBrowserSession{values: make(map[string]string)}
}

func (s *fakeBrowserSession) Get(key string) string { return s.values[key] }
func (s *fakeBrowserSession) Set(key, value string) { s.values[key] = value }
func (s *fakeBrowserSession) Delete(key string)     { delete(s.values, key) }

func (s *fakeBrowserSession) Save(w http.ResponseWriter) error {
	s.saves++
	return s.saveErr
}

// grantBehavior configures the fake provider's grant endpoint
type grantBehavior struct {
	mu       sync.Mutex
	status   int
	body     string
	lastAuth string
	lastCode string
}

// newHarness starts a fake provider and wires a logged-in controller
// against it.
func newHarness(t *testing.T, gb *grantBehavior, opts ...Option) (*Controller, *appsession.Session, storage.Store) {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("POST /application/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"session": {"bearer": "bearer-1", "expires": "2030-01-01T00:00:00Z"},
			"service": {"id": "svc-1"},
			"endpoints": {"user_grant": "%s/user/grant"}
		}`, server.URL)
	})
	mux.HandleFunc("GET /user/grant", func(w http.ResponseWriter, r *http.Request) {
		gb.mu.Lock()
		gb.lastAuth = r.Header.Get("Authorization")
		gb.lastCode = r.URL.Query().Get("code")
		status, body := gb.status, gb.body
		gb.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := storage.NewMemoryStore()
	manager, err := appsession.New(store, appsession.Credentials{
		Service:  "service-token",
		Secret:   "app-secret",
		Instance: "app.example.com",
	}, appsession.WithProviderBase(server.URL))
	require.NoError(t, err)

	session, err := manager.Login(context.Background(), manager.Credentials())
	require.NoError(t, err)

	opts = append([]Option{WithGrantStore(store)}, opts...)
	return New(manager, stateguard.New(), report.New(website), opts...), session, store
}

// reportedLocation parses the error-page redirect out of the recorder
func reportedLocation(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/comply/error", loc.Path)
	return loc.Query()
}

func TestInitiate_MissingIdentifier(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login/start", nil)

	err := c.Initiate(rec, req, sess)
	require.Error(t, err)

	q := reportedLocation(t, rec)
	assert.Equal(t, "E10", q.Get("error"))
}

func TestInitiate_UnresolvableIdentifier(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login/start?session=no-such-id", nil)

	err := c.Initiate(rec, req, sess)
	require.Error(t, err)

	q := reportedLocation(t, rec)
	assert.Equal(t, "E11", q.Get("error"))
	assert.Equal(t, "no-such-id", q.Get("session"))
}

func TestInitiate_RedirectsToConsentPage(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{}, WithScope("profile"))
	sess := newFakeBrowserSession()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login/start?session="+session.Bearer, nil)

	require.NoError(t, c.Initiate(rec, req, sess))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/user/login", loc.Path)

	q := loc.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, session.Bearer, q.Get("client_id"))
	assert.Equal(t, "profile", q.Get("scope"))

	// The state in the redirect is the one bound to the browser
	// session, and the carrier was flushed before the redirect
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, q.Get("state"), sess.Get("oauth_state"))
	assert.Equal(t, 1, sess.saves)
}

func TestInitiate_ResolvesServiceID(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login/start?session=svc-1", nil)

	require.NoError(t, c.Initiate(rec, req, sess))

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, session.Bearer, loc.Query().Get("client_id"))
}

func callbackRequest(params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/oauth/callback?"+params.Encode(), nil)
}

func TestAcceptCallback_MissingClientID(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})
	rec := httptest.NewRecorder()

	_, err := c.AcceptCallback(rec, callbackRequest(url.Values{}), newFakeBrowserSession())
	require.Error(t, err)
	assert.Equal(t, "E01", reportedLocation(t, rec).Get("error"))
}

func TestAcceptCallback_UnknownClientID(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})
	rec := httptest.NewRecorder()

	_, err := c.AcceptCallback(rec, callbackRequest(url.Values{
		"client_id": {"stranger"},
	}), newFakeBrowserSession())
	require.Error(t, err)

	q := reportedLocation(t, rec)
	assert.Equal(t, "E02", q.Get("error"))
	assert.Equal(t, "stranger", q.Get("session"))
}

func TestAcceptCallback_MissingState(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{})
	rec := httptest.NewRecorder()

	_, err := c.AcceptCallback(rec, callbackRequest(url.Values{
		"client_id": {session.Bearer},
	}), newFakeBrowserSession())
	require.Error(t, err)
	assert.Equal(t, "E03", reportedLocation(t, rec).Get("error"))
}

func TestAcceptCallback_StateMismatch(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()
	sess.Set("oauth_state", "the-real-state")

	rec := httptest.NewRecorder()
	_, err := c.AcceptCallback(rec, callbackRequest(url.Values{
		"client_id": {session.Bearer},
		"state":     {"a-forged-state"},
	}), sess)
	require.Error(t, err)
	assert.Equal(t, "E04", reportedLocation(t, rec).Get("error"))

	// The token is consumed even on mismatch
	assert.Empty(t, sess.Get("oauth_state"))
	assert.Equal(t, 1, sess.saves)
}

func TestAcceptCallback_MissingCode(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()
	sess.Set("oauth_state", "state-1")

	rec := httptest.NewRecorder()
	_, err := c.AcceptCallback(rec, callbackRequest(url.Values{
		"client_id": {session.Bearer},
		"state":     {"state-1"},
	}), sess)
	require.Error(t, err)
	assert.Equal(t, "E05", reportedLocation(t, rec).Get("error"))
}

func TestAcceptCallback_Success(t *testing.T) {
	c, session, _ := newHarness(t, &grantBehavior{})
	sess := newFakeBrowserSession()
	sess.Set("oauth_state", "state-1")

	rec := httptest.NewRecorder()
	cb, err := c.AcceptCallback(rec, callbackRequest(url.Values{
		"client_id": {session.Bearer},
		"state":     {"state-1"},
		"code":      {"authcode-9"},
	}), sess)
	require.NoError(t, err)

	assert.Equal(t, "authcode-9", cb.Code)
	assert.Equal(t, "state-1", cb.State)
	assert.Equal(t, session.Bearer, cb.Session.Bearer)

	// Single use: the same state cannot be replayed
	assert.Empty(t, sess.Get("oauth_state"))
}

func TestFetchGrant_Success(t *testing.T) {
	gb := &grantBehavior{body: `{"user": "u-1", "email": "u@example.com"}`}
	c, session, store := newHarness(t, gb)

	raw, ok := c.FetchGrant(context.Background(), session, "authcode-9")
	require.True(t, ok)
	assert.JSONEq(t, gb.body, string(raw))

	gb.mu.Lock()
	assert.Equal(t, "Bearer "+session.Bearer, gb.lastAuth)
	assert.Equal(t, "authcode-9", gb.lastCode)
	gb.mu.Unlock()

	// The audit copy landed in the grant store
	persisted, found, err := store.Load(context.Background(), storage.KindGrant, "authcode-9")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, gb.body, string(persisted))
}

func TestFetchGrant_ProviderRejects(t *testing.T) {
	gb := &grantBehavior{status: http.StatusForbidden, body: "grant denied"}
	c, session, store := newHarness(t, gb)

	var calls int
	var got error
	raw, ok := c.FetchGrant(context.Background(), session, "authcode-9", OnError(func(err error) {
		calls++
		got = err
	}))

	assert.False(t, ok)
	assert.Nil(t, raw)
	assert.Equal(t, 1, calls)

	var pe *appsession.ProviderError
	require.ErrorAs(t, got, &pe)
	assert.Equal(t, http.StatusForbidden, pe.Status)

	_, found, err := store.Load(context.Background(), storage.KindGrant, "authcode-9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFetchGrant_NoSession(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})

	var calls int
	_, ok := c.FetchGrant(context.Background(), appsession.Bearer("unknown"), "authcode-9", OnError(func(error) {
		calls++
	}))

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestFetchGrant_NoGrantEndpoint(t *testing.T) {
	c, _, _ := newHarness(t, &grantBehavior{})

	bare := &appsession.Session{
		Bearer:    "bearer-x",
		ServiceID: "svc-x",
		Expires:   time.Now().Add(time.Hour),
	}
	var calls int
	_, ok := c.FetchGrant(context.Background(), bare, "authcode-9", OnError(func(error) {
		calls++
	}))

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}
