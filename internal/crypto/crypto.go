// Package crypto implements the password encryption boundary for stored
// CalDAV credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidKey     = errors.New("invalid encryption secret")
	ErrEncryptFailed  = errors.New("encryption failed")
	ErrDecryptFailed  = errors.New("decryption failed")
	ErrCiphertextSize = errors.New("ciphertext too short")
)

// Encryptor encrypts and decrypts short secrets with AES-256-GCM.
// The key is the SHA-256 digest of the configured secret. Output is
// base64(nonce || ciphertext) with a fresh 96-bit nonce per call.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 256-bit key from secret.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidKey)
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: failed to generate nonce: %w", ErrEncryptFailed, err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %w", ErrDecryptFailed, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, ErrCiphertextSize)
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}
