package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

// Cipher seals message bodies at rest with AES-256-GCM. The key is the
// SHA-256 digest of a configured passphrase. A nil *Cipher stores plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("store: encryption passphrase is empty")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "store: create block cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "store: create gcm")
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and prefixes the random nonce.
func (c *Cipher) Seal(plaintext string) ([]byte, error) {
	if c == nil {
		return []byte(plaintext), nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "store: read nonce")
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) (string, error) {
	if c == nil {
		return string(sealed), nil
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("store: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", errors.Wrap(err, "store: decrypt message")
	}
	return string(plaintext), nil
}
