package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// base64 encoding of 32 bytes should be at least 40 chars
	assert.GreaterOrEqual(t, len(token), 40)
}

func TestSignData(t *testing.T) {
	key := []byte("test-signing-key")

	sig := SignData("hello", key)
	assert.NotEmpty(t, sig)
	assert.True(t, ValidateSignedData("hello", sig, key))

	// Different data fails
	assert.False(t, ValidateSignedData("hello!", sig, key))

	// Different key fails
	assert.False(t, ValidateSignedData("hello", sig, []byte("other-key")))

	// Garbage signature fails
	assert.False(t, ValidateSignedData("hello", "not-base64!!!", key))
}
