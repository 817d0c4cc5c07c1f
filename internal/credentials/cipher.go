package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks ciphertext values in the backing store, so encrypted
// and plaintext fields are distinguishable.
const sealedPrefix = "enc:v1:"

// ErrDecryptFailed indicates stored ciphertext could not be decrypted
// under the current key (wrong key or corrupted data).
var ErrDecryptFailed = errors.New("credential decryption failed")

// cipherBox seals and opens credential field values with XChaCha20-Poly1305.
// The AEAD key is derived from the configured secret via HKDF-SHA256.
type cipherBox struct {
	aead cipher.AEAD
}

// newCipherBox derives a 256-bit key from the secret and builds the AEAD.
func newCipherBox(secret string) (*cipherBox, error) {
	if secret == "" {
		return nil, errors.New("empty encryption key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("tenancy/credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &cipherBox{aead: aead}, nil
}

// Seal encrypts a field value. Output is self-describing: prefix + base64
// of nonce||ciphertext.
func (c *cipherBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged (encryption may have been disabled when stored).
func (c *cipherBox) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// isSealed reports whether a stored value carries the sealed prefix.
func isSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
