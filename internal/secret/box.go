// Package secret seals OAuth tokens before they reach the database.
//
// A 256-bit key is derived from the configured token secret with HKDF-SHA256
// and used with XChaCha20-Poly1305. Sealed values are laid out as
// nonce || ciphertext.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the shortest token secret accepted.
const MinSecretLen = 16

var hkdfInfo = []byte("apptsync oauth token v1")

// ErrOpen is returned when a sealed value cannot be decrypted, either because
// it was tampered with or because the secret changed.
var ErrOpen = errors.New("sealed token cannot be opened")

// Box seals and opens byte slices with a key derived from a passphrase.
type Box struct {
	aead cipher.AEAD
}

// New derives a key from secret and returns a ready Box.
func New(secret string) (*Box, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d characters", MinSecretLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The account key is bound as associated data so a
// sealed token cannot be replayed under another account row.
func (b *Box) Seal(accountKey string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, []byte(accountKey)), nil
}

// Open reverses Seal.
func (b *Box) Open(accountKey string, sealed []byte) ([]byte, error) {
	n := b.aead.NonceSize()
	if len(sealed) < n+b.aead.Overhead() {
		return nil, ErrOpen
	}
	plain, err := b.aead.Open(nil, sealed[:n], sealed[n:], []byte(accountKey))
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
