// Package crypto encrypts datasource profile secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned for malformed ciphertext, a wrong key, or a
	// ciphertext bound to a different owner.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// SecretBox seals short secrets (datasource passwords) with AES-256-GCM.
// Every ciphertext is bound to an owner string (the profile ID) through the
// GCM additional data, so a ciphertext copied onto another profile row fails
// to open.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox creates a SecretBox from a base64-encoded 32-byte key. Any other
// non-empty input is treated as a passphrase and hashed with SHA-256.
func NewSecretBox(keyInput string) (*SecretBox, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts secret for owner and returns base64(nonce || ciphertext || tag).
// An empty secret stays empty so optional passwords round-trip as "".
func (b *SecretBox) Seal(owner, secret string) (string, error) {
	if secret == "" {
		return "", nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(secret), []byte(owner))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same owner.
func (b *SecretBox) Open(owner, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := b.aead.NonceSize()
	if len(data) < nonceSize+b.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	secret, err := b.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(owner))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(secret), nil
}
