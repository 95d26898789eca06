// Package flow drives one user login attempt: the redirect to the
// provider's consent page, the callback with the authorization code,
// and the back-channel grant retrieval. Every user-visible failure
// funnels through the reporter as a short code the provider's hosted
// error page knows how to render.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/open-console/connect-broker/internal/appsession"
	"github.com/open-console/connect-broker/internal/ioutil"
	"github.com/open-console/connect-broker/internal/log"
	"github.com/open-console/connect-broker/internal/report"
	"github.com/open-console/connect-broker/internal/stateguard"
	"github.com/open-console/connect-broker/internal/storage"
	"github.com/open-console/connect-broker/internal/urlutil"
)

const (
	// SessionParam is the request parameter naming the application
	// session to authenticate against
	SessionParam = "session"

	// userLoginPath is the provider's consent page, relative to the
	// provider base
	userLoginPath = "/user/login"

	// GrantEndpoint is the named endpoint for back-channel grant
	// retrieval, supplied by the provider at login time
	GrantEndpoint = "user_grant"

	// grantRemoveGrace is the advisory removal horizon for persisted
	// grant bodies; grants are never served from storage
	grantRemoveGrace = 24 * time.Hour

	// maxErrorBody caps how much of a provider error body ends up in
	// error messages and logs
	maxErrorBody = 4096
)

// BrowserSession is the carrier the flow reads state tokens from and
// writes them to. Save must flush changes before response headers go
// out, so the controller calls it ahead of every redirect.
type BrowserSession interface {
	stateguard.BrowserSession
	Save(w http.ResponseWriter) error
}

// Callback is the successful result of AcceptCallback
type Callback struct {
	Code    string
	State   string
	Session *appsession.Session
}

// Controller walks a login attempt through its states
type Controller struct {
	sessions   *appsession.Manager
	guard      *stateguard.Guard
	reporter   *report.Reporter
	httpClient *http.Client
	scope      string
	grantStore storage.Store
}

// Option configures the controller
type Option func(*Controller)

// WithScope requests a scope on the consent redirect
func WithScope(scope string) Option {
	return func(c *Controller) {
		c.scope = scope
	}
}

// WithHTTPClient sets a custom HTTP client for back-channel calls
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Controller) {
		c.httpClient = hc
	}
}

// WithGrantStore persists fetched grant bodies for audit. Grants are
// still fetched fresh on demand; nothing reads these records back on
// the serving path.
func WithGrantStore(store storage.Store) Option {
	return func(c *Controller) {
		c.grantStore = store
	}
}

// New creates a flow controller
func New(sessions *appsession.Manager, guard *stateguard.Guard, reporter *report.Reporter, opts ...Option) *Controller {
	c := &Controller{
		sessions:   sessions,
		guard:      guard,
		reporter:   reporter,
		httpClient: &http.Client{Timeout: appsession.DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolveIdentifier resolves a request-supplied identifier that may be
// a bearer or a service id.
func (c *Controller) resolveIdentifier(ctx context.Context, id string) (*appsession.Session, bool) {
	if session, ok := c.sessions.GetSession(ctx, appsession.Bearer(id)); ok {
		return session, true
	}
	return c.sessions.GetSession(ctx, appsession.ServiceID(id))
}

// Initiate reads the session identifier from the request, issues a
// state token bound to the browser session, and redirects the user to
// the provider's consent page. Failures end in an error-page redirect
// (E10 when no identifier is present, E11 when it resolves to no
// session) and the returned error closes the request.
func (c *Controller) Initiate(w http.ResponseWriter, r *http.Request, sess BrowserSession) error {
	id := r.FormValue(SessionParam)
	if id == "" {
		return c.reporter.Report(w, r, string(report.CodeMissingSessionID), "")
	}

	session, ok := c.resolveIdentifier(r.Context(), id)
	if !ok {
		return c.reporter.Report(w, r, string(report.CodeUnresolvableSession), id)
	}

	state, err := c.guard.Issue()
	if err != nil {
		return c.reporter.Report(w, r, fmt.Sprintf("issuing state token: %v", err), session.Bearer)
	}

	c.guard.Remember(sess, state)
	if err := sess.Save(w); err != nil {
		return c.reporter.Report(w, r, fmt.Sprintf("saving browser session: %v", err), session.Bearer)
	}

	cfg := &oauth2.Config{
		ClientID: session.Bearer,
		Endpoint: oauth2.Endpoint{
			AuthURL: urlutil.MustJoinPath(c.sessions.ProviderBase(), userLoginPath),
		},
	}
	if c.scope != "" {
		cfg.Scopes = []string{c.scope}
	}

	authURL := cfg.AuthCodeURL(state)

	log.LogInfoWithFields("flow", "Redirecting user to provider", map[string]any{
		"service": session.ServiceID,
		"scope":   c.scope,
	})

	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// AcceptCallback validates the provider's callback: client_id (E01)
// must resolve to a session (E02), state (E03) must match the browser
// session byte for byte (E04), and an authorization code must be
// present (E05). The state token is consumed whether or not it
// matches. On success the caller proceeds to FetchGrant.
func (c *Controller) AcceptCallback(w http.ResponseWriter, r *http.Request, sess BrowserSession) (*Callback, error) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return nil, c.reporter.Report(w, r, string(report.CodeMissingClientID), "")
	}

	session, ok := c.resolveIdentifier(r.Context(), clientID)
	if !ok {
		return nil, c.reporter.Report(w, r, string(report.CodeUnknownSession), clientID)
	}

	state := r.FormValue("state")
	if state == "" {
		return nil, c.reporter.Report(w, r, string(report.CodeMissingState), session.Bearer)
	}

	matched := c.guard.Check(sess, state)
	c.guard.Clear(sess)
	if err := sess.Save(w); err != nil {
		return nil, c.reporter.Report(w, r, fmt.Sprintf("saving browser session: %v", err), session.Bearer)
	}
	if !matched {
		return nil, c.reporter.Report(w, r, string(report.CodeStateMismatch), session.Bearer)
	}

	code := r.FormValue("code")
	if code == "" {
		return nil, c.reporter.Report(w, r, string(report.CodeMissingCode), session.Bearer)
	}

	return &Callback{Code: code, State: state, Session: session}, nil
}

// GrantOption modifies a FetchGrant call
type GrantOption func(*grantOptions)

type grantOptions struct {
	onError func(error)
}

// OnError overrides what happens when the grant fetch fails. The
// default logs a warning.
func OnError(fn func(error)) GrantOption {
	return func(o *grantOptions) {
		o.onError = fn
	}
}

// FetchGrant exchanges an authorization code for the user's grant via
// the back channel, authenticated with the owning session's bearer.
// Any failure invokes the error callback exactly once and yields
// ok=false; callers must treat that as "no grant obtained", never as a
// crash.
func (c *Controller) FetchGrant(ctx context.Context, ref appsession.Ref, userCode string, opts ...GrantOption) (json.RawMessage, bool) {
	o := grantOptions{
		onError: func(err error) {
			log.LogWarnWithFields("flow", "Grant fetch failed", map[string]any{
				"error": err.Error(),
			})
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	session, ok := c.sessions.GetSession(ctx, ref)
	if !ok {
		o.onError(fmt.Errorf("no session available for grant fetch"))
		return nil, false
	}

	endpoint, ok := session.Endpoints[GrantEndpoint]
	if !ok {
		o.onError(fmt.Errorf("session for %s has no %s endpoint", session.ServiceID, GrantEndpoint))
		return nil, false
	}

	grantURL := endpoint + "?code=" + url.QueryEscape(userCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, grantURL, nil)
	if err != nil {
		o.onError(fmt.Errorf("building grant request: %w", err))
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+session.Bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		o.onError(fmt.Errorf("fetching grant: %w", err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.onError(&appsession.ProviderError{
			Status:  resp.StatusCode,
			Message: ioutil.BodyPreview(resp.Body, maxErrorBody),
		})
		return nil, false
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		o.onError(fmt.Errorf("reading grant response: %w", err))
		return nil, false
	}

	c.persistGrant(ctx, userCode, session, raw)
	return raw, true
}

// persistGrant keeps an audit copy of the grant body when a store was
// configured. Failures are tolerated; the grant in hand is what counts.
func (c *Controller) persistGrant(ctx context.Context, userCode string, session *appsession.Session, raw json.RawMessage) {
	if c.grantStore == nil {
		return
	}

	meta := storage.Meta{
		ID:      userCode,
		Service: session.ServiceID,
		Remove:  time.Now().UTC().Add(grantRemoveGrace),
	}
	if err := c.grantStore.Save(ctx, storage.KindGrant, raw, meta); err != nil {
		log.LogWarnWithFields("flow", "Failed to persist grant", map[string]any{
			"service": session.ServiceID,
			"error":   err.Error(),
		})
	}
}
