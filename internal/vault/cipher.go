// Package vault provides at-rest encryption for sensitive record
// fields. Encryption is composed explicitly into the persistence layer
// via EncryptedValue rather than injected into entities, keeping the
// ledger's business logic independent of how amounts are stored.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// EncryptedValue is a sealed field value: nonce followed by ciphertext.
type EncryptedValue struct {
	data []byte
}

func FromBytes(b []byte) EncryptedValue {
	return EncryptedValue{data: b}
}

func (v EncryptedValue) Bytes() []byte {
	return v.data
}

func (v EncryptedValue) IsZero() bool {
	return len(v.data) == 0
}

type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit AES-GCM key from the configured secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault.NewCipher: empty secret")
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault.NewCipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(plaintext string) (EncryptedValue, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedValue{}, fmt.Errorf("Seal: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedValue{data: sealed}, nil
}

func (c *Cipher) Reveal(v EncryptedValue) (string, error) {
	size := c.aead.NonceSize()
	if len(v.data) < size {
		return "", fmt.Errorf("Reveal: ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, v.data[:size], v.data[size:], nil)
	if err != nil {
		return "", fmt.Errorf("Reveal: %w", err)
	}
	return string(plaintext), nil
}
