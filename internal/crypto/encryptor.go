package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/rosterd/rosterd/internal/roster"
)

const KeySize = 32

// Encryptor seals and opens credential blobs with AES-256-GCM under a single
// process-wide key. It is stateless and safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// New builds an Encryptor from a raw 32-byte key.
func New(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, &roster.CryptoError{Op: "init", Err: errors.New("key must be 32 bytes")}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &roster.CryptoError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &roster.CryptoError{Op: "init", Err: err}
	}
	return &Encryptor{aead: aead}, nil
}

// NewFromHex builds an Encryptor from a 64-character hex key, the form used
// in configuration.
func NewFromHex(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, &roster.CryptoError{Op: "init", Err: err}
	}
	return New(key)
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prefixed to
// the returned ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if e == nil || e.aead == nil {
		return nil, &roster.CryptoError{Op: "encrypt", Err: errors.New("encryptor is not configured")}
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &roster.CryptoError{Op: "encrypt", Err: err}
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Truncated or tampered input fails
// closed with a CryptoError; plaintext is never partially returned.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if e == nil || e.aead == nil {
		return nil, &roster.CryptoError{Op: "decrypt", Err: errors.New("encryptor is not configured")}
	}
	if len(ciphertext) < e.aead.NonceSize() {
		return nil, &roster.CryptoError{Op: "decrypt", Err: errors.New("ciphertext is truncated")}
	}
	nonce, sealed := ciphertext[:e.aead.NonceSize()], ciphertext[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &roster.CryptoError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

// GenerateKeyHex returns a fresh random key in the hex form accepted by
// NewFromHex.
func GenerateKeyHex() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
