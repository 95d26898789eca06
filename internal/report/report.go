// Package report maps internal failure codes to the provider-hosted
// error page. User-flow failures are never raised to the hosting
// framework; they end in a redirect the provider renders for us.
package report

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/open-console/connect-broker/internal/log"
	"github.com/open-console/connect-broker/internal/urlutil"
)

// errorPath is the provider website's error-display path
const errorPath = "/comply/error"

// Code is a provider-recognized short error code. The set is closed;
// new failure modes get mapped onto an existing code or E00.
type Code string

const (
	// CodeGeneric wraps any message the provider has no code for
	CodeGeneric Code = "E00"

	// Callback failures
	CodeMissingClientID Code = "E01"
	CodeUnknownSession  Code = "E02"
	CodeMissingState    Code = "E03"
	CodeStateMismatch   Code = "E04"
	CodeMissingCode     Code = "E05"

	// Initiate failures
	CodeMissingSessionID    Code = "E10"
	CodeUnresolvableSession Code = "E11"
)

// displayText is the operator-facing description per code; the
// provider renders its own user-facing messages.
var displayText = map[Code]string{
	CodeGeneric:             "unclassified error",
	CodeMissingClientID:     "callback missing client_id",
	CodeUnknownSession:      "callback client_id resolves to no session",
	CodeMissingState:        "callback missing state",
	CodeStateMismatch:       "callback state does not match browser session",
	CodeMissingCode:         "callback missing authorization code",
	CodeMissingSessionID:    "initiate request missing session identifier",
	CodeUnresolvableSession: "initiate session identifier resolves to no session",
}

// Text returns the operator-facing description of a code
func Text(code Code) string {
	if t, ok := displayText[code]; ok {
		return t
	}
	return displayText[CodeGeneric]
}

// codePattern matches provider-recognized codes: one letter, two digits
var codePattern = regexp.MustCompile(`^[A-Z][0-9]{2}$`)

// Reported is the terminal error a Report call produces. Callers stop
// processing the request once they hold one; the user is already being
// redirected.
type Reported struct {
	Code    Code
	Message string
}

func (e *Reported) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("reported %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("reported %s: %s", e.Code, Text(e.Code))
}

// Reporter redirects failed requests to the provider's error page
type Reporter struct {
	website string
}

// New creates a reporter targeting the provider's public website
func New(website string) *Reporter {
	return &Reporter{website: website}
}

// Report redirects the user to the provider-hosted error page and
// returns a *Reported error that ends the request. codeOrMessage
// matching the code pattern passes through; anything else is wrapped
// as E00 with the literal text as the message parameter. A session id,
// when supplied, is attached for the provider's diagnostics.
func (rp *Reporter) Report(w http.ResponseWriter, r *http.Request, codeOrMessage string, sessionID string) error {
	code := CodeGeneric
	message := ""
	if codePattern.MatchString(codeOrMessage) {
		code = Code(codeOrMessage)
	} else {
		message = codeOrMessage
	}

	params := url.Values{}
	params.Set("error", string(code))
	if message != "" {
		params.Set("message", message)
	}
	if sessionID != "" {
		params.Set("session", sessionID)
	}

	target := urlutil.MustJoinPath(rp.website, errorPath) + "?" + params.Encode()

	log.LogWarnWithFields("report", "Redirecting to provider error page", map[string]any{
		"code":    string(code),
		"message": message,
		"session": sessionID,
	})

	http.Redirect(w, r, target, http.StatusFound)
	return &Reported{Code: code, Message: message}
}
