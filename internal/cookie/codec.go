package cookie

import (
	"encoding/json"

	"github.com/open-console/connect-broker/internal/crypto"
)

// Codec turns the carrier's values into a cookie-safe string and back.
// Two implementations exist: sealed (encrypted, unreadable client
// side) and signed (readable, tamper evident). The config's cookie
// setting selects one.
type Codec interface {
	Encode(values map[string]string) (string, error)
	Decode(value string) (map[string]string, error)
}

type sealedCodec struct {
	encryptor crypto.Encryptor
}

// NewSealedCodec seals values with the secretbox encryptor
func NewSealedCodec(encryptor crypto.Encryptor) Codec {
	return sealedCodec{encryptor: encryptor}
}

func (c sealedCodec) Encode(values map[string]string) (string, error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return c.encryptor.Encrypt(string(plaintext))
}

func (c sealedCodec) Decode(value string) (map[string]string, error) {
	plaintext, err := c.encryptor.Decrypt(value)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	if err := json.Unmarshal([]byte(plaintext), &values); err != nil {
		return nil, err
	}
	return values, nil
}

type signedCodec struct {
	signer crypto.TokenSigner
}

// NewSignedCodec signs values with an HMAC token bounded by the
// carrier TTL. The values stay readable in the browser.
func NewSignedCodec(key []byte) Codec {
	return signedCodec{signer: crypto.NewTokenSigner(key, SessionTTL)}
}

func (c signedCodec) Encode(values map[string]string) (string, error) {
	return c.signer.Sign(values)
}

func (c signedCodec) Decode(value string) (map[string]string, error) {
	values := make(map[string]string)
	if err := c.signer.Verify(value, &values); err != nil {
		return nil, err
	}
	return values, nil
}
