package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewEncryptor_KeySize(t *testing.T) {
	_, err := NewEncryptor([]byte("too-short"))
	assert.Error(t, err)

	_, err = NewEncryptor(testKey())
	assert.NoError(t, err)
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	sealed, err := enc.Encrypt(`{"oauth_state":"abc123"}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "abc123")

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"oauth_state":"abc123"}`, opened)
}

func TestEncryptor_TamperDetection(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	sealed, err := enc.Encrypt("payload")
	require.NoError(t, err)

	// Flip a character in the sealed value
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}

	_, err = enc.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestEncryptor_WrongKey(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	otherKey := testKey()
	otherKey[0] ^= 0xff
	other, err := NewEncryptor(otherKey)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("payload")
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}

func TestEncryptor_GarbageInput(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64 at all!!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("c2hvcnQ=") // valid base64, too short for a nonce
	assert.Error(t, err)
}
