package report

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const website = "https://www.open-console.eu"

// reportAndParse runs a Report call and returns the parsed redirect URL
func reportAndParse(t *testing.T, codeOrMessage, sessionID string) (*url.URL, error) {
	t.Helper()

	rp := New(website)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback", nil)

	err := rp.Report(rec, req, codeOrMessage, sessionID)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, parseErr := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, parseErr)
	return loc, err
}

func TestReport_CodePassesThrough(t *testing.T) {
	loc, err := reportAndParse(t, string(CodeStateMismatch), "")

	assert.Equal(t, website+"/comply/error", loc.Scheme+"://"+loc.Host+loc.Path)
	q := loc.Query()
	assert.Equal(t, "E04", q.Get("error"))
	assert.Empty(t, q.Get("message"))
	assert.Empty(t, q.Get("session"))

	var reported *Reported
	require.ErrorAs(t, err, &reported)
	assert.Equal(t, CodeStateMismatch, reported.Code)
}

func TestReport_FreeTextWrapsAsGeneric(t *testing.T) {
	loc, err := reportAndParse(t, "grant endpoint returned 503", "")

	q := loc.Query()
	assert.Equal(t, "E00", q.Get("error"))
	assert.Equal(t, "grant endpoint returned 503", q.Get("message"))

	var reported *Reported
	require.ErrorAs(t, err, &reported)
	assert.Equal(t, CodeGeneric, reported.Code)
	assert.Contains(t, reported.Error(), "grant endpoint returned 503")
}

func TestReport_SessionIDAttached(t *testing.T) {
	loc, _ := reportAndParse(t, string(CodeUnknownSession), "bearer-7")
	assert.Equal(t, "bearer-7", loc.Query().Get("session"))
}

func TestReport_AlmostCodeIsTreatedAsMessage(t *testing.T) {
	// Close, but not the one-letter-two-digit shape
	for _, s := range []string{"E1", "E123", "e04", "04E", "EBB"} {
		loc, _ := reportAndParse(t, s, "")
		q := loc.Query()
		assert.Equal(t, "E00", q.Get("error"), s)
		assert.Equal(t, s, q.Get("message"), s)
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "callback missing state", Text(CodeMissingState))
	assert.Equal(t, Text(CodeGeneric), Text(Code("Z99")))
}

func TestReported_Error(t *testing.T) {
	withMessage := &Reported{Code: CodeGeneric, Message: "boom"}
	assert.Equal(t, "reported E00: boom", withMessage.Error())

	bare := &Reported{Code: CodeMissingCode}
	assert.Equal(t, "reported E05: callback missing authorization code", bare.Error())
}
