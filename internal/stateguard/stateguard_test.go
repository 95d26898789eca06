package stateguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSession map[string]string

func (m mapSession) Get(key string) string { return m[key] }
func (m mapSession) Set(key, value string) { m[key] = value }
func (m mapSession) Delete(key string)     { delete(m, key) }

func TestIssue_TokensAreUnique(t *testing.T) {
	g := New()

	a, err := g.Issue()
	require.NoError(t, err)
	b, err := g.Issue()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestCheck_RememberedTokenMatches(t *testing.T) {
	g := New()
	sess := mapSession{}

	token, err := g.Issue()
	require.NoError(t, err)

	g.Remember(sess, token)
	assert.True(t, g.Check(sess, token))
}

func TestCheck_DifferentTokenFails(t *testing.T) {
	g := New()
	sess := mapSession{}

	token, err := g.Issue()
	require.NoError(t, err)
	g.Remember(sess, token)

	assert.False(t, g.Check(sess, "forged-state"))
	assert.False(t, g.Check(sess, token+"x"))
}

func TestCheck_NothingRememberedFails(t *testing.T) {
	g := New()
	sess := mapSession{}

	// An empty candidate must not match an absent token
	assert.False(t, g.Check(sess, ""))
	assert.False(t, g.Check(sess, "anything"))
}

func TestClear_MakesTokenSingleUse(t *testing.T) {
	g := New()
	sess := mapSession{}

	token, err := g.Issue()
	require.NoError(t, err)
	g.Remember(sess, token)

	require.True(t, g.Check(sess, token))
	g.Clear(sess)
	assert.False(t, g.Check(sess, token))
}
