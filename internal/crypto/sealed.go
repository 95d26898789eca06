package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Encryptor seals and opens short strings for storage in untrusted
// carriers such as browser cookies. Sealed values are both encrypted
// and authenticated; any tampering fails Decrypt.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// KeySize is the required encryption key length in bytes
const KeySize = 32

type secretboxEncryptor struct {
	key [KeySize]byte
}

// NewEncryptor creates an Encryptor from a 32-byte key
func NewEncryptor(key []byte) (Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	e := &secretboxEncryptor{}
	copy(e.key[:], key)
	return e, nil
}

func (e *secretboxEncryptor) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended so Decrypt can recover it
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (e *secretboxEncryptor) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(sealed) < 24 {
		return "", fmt.Errorf("ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &e.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed value")
	}
	return string(plaintext), nil
}
