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
	"strings"
)

var (
	// ErrMissingKey is returned when a cipher or token service is built without key material.
	ErrMissingKey = errors.New("key material is not configured")

	// ErrMalformedCiphertext is returned when a stored token cannot be decoded or authenticated.
	// It indicates corrupted data or a changed passphrase and must not be ignored.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// FieldCipher encrypts individual secret fields with AES-256-GCM.
//
// Tokens are base64(nonce || ciphertext || tag). A fresh nonce is drawn for
// every call, so encrypting the same value twice yields different tokens.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher derives a 32-byte key from passphrase with SHA-256 and returns
// a ready cipher. A blank passphrase is a configuration error.
func NewFieldCipher(passphrase string) (*FieldCipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("encryption passphrase: %w", ErrMissingKey)
	}
	key := sha256.Sum256([]byte(passphrase))
	defer zeroBytes(key[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &FieldCipher{aead: gcm}, nil
}

// Encrypt returns the ciphertext token for plaintext. An empty plaintext
// yields an empty token.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty token yields an empty string.
func (c *FieldCipher) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrMalformedCiphertext)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: token too short", ErrMalformedCiphertext)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrMalformedCiphertext)
	}
	return string(plaintext), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
