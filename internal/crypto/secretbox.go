// Package crypto seals storage backend credentials before they are written to
// the storage_backends table, using AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// sealedPrefix marks values produced by Seal. Values without it are treated as
// plaintext written before encryption was configured.
const sealedPrefix = "enc:v1:"

// keySalt is fixed so the same ENCRYPTION_KEY passphrase always yields the same key.
var keySalt = []byte("filevault/storage-backend-secrets")

const keyIterations = 100000

var (
	// ErrKeyLengthInvalid is returned when a raw key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when a sealed value cannot be decoded.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when authentication fails, usually a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrEmptyKey is returned by FromKeyString for an empty key.
	ErrEmptyKey = errors.New("crypto: encryption key is empty")
)

// SecretBox seals and opens short secrets such as access keys and passwords.
type SecretBox struct {
	key []byte
}

// NewSecretBox creates a box from a raw 32-byte key. The key is copied.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	k := make([]byte, 32)
	copy(k, key)
	return &SecretBox{key: k}, nil
}

// FromKeyString builds a box from the ENCRYPTION_KEY setting. A 64-character hex
// string is used as the raw key; anything else is treated as a passphrase and
// stretched with PBKDF2-SHA256.
func FromKeyString(s string) (*SecretBox, error) {
	if s == "" {
		return nil, ErrEmptyKey
	}
	if len(s) == 64 {
		if raw, err := hex.DecodeString(s); err == nil {
			return NewSecretBox(raw)
		}
	}
	return NewSecretBox(pbkdf2.Key([]byte(s), keySalt, keyIterations, 32, sha256.New))
}

func (b *SecretBox) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext. Empty input and already sealed values are returned unchanged.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Unsealed input is returned as is.
func (b *SecretBox) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	n := aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed marker.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// GenerateKeyHex returns a random key suitable for ENCRYPTION_KEY.
func GenerateKeyHex() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
