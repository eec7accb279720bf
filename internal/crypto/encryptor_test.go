package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rosterd/rosterd/internal/roster"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex() error = %v", err)
	}
	enc, err := NewFromHex(key)
	if err != nil {
		t.Fatalf("NewFromHex() error = %v", err)
	}
	return enc
}

func TestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	enc := newTestEncryptor(t)
	plaintext := []byte(`{"api_key":"secret-token"}`)

	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("secret-token")) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Decrypt() = %q, want %q", opened, plaintext)
	}
}

func TestEncryptor_TamperedCiphertextFailsClosed(t *testing.T) {
	t.Parallel()

	enc := newTestEncryptor(t)
	sealed, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	got, err := enc.Decrypt(sealed)
	if err == nil {
		t.Fatal("Decrypt() of tampered blob succeeded")
	}
	var ce *roster.CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("Decrypt() error = %v, want CryptoError", err)
	}
	if got != nil {
		t.Fatalf("Decrypt() returned partial plaintext %q", got)
	}
}

func TestEncryptor_TruncatedCiphertext(t *testing.T) {
	t.Parallel()

	enc := newTestEncryptor(t)
	if _, err := enc.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatal("Decrypt() of truncated blob succeeded")
	}
}

func TestNew_RejectsShortKey(t *testing.T) {
	t.Parallel()

	if _, err := New([]byte("short")); err == nil {
		t.Fatal("New() accepted a short key")
	}
	if _, err := NewFromHex("zz"); err == nil {
		t.Fatal("NewFromHex() accepted invalid hex")
	}
}

func TestEncryptor_NonceVariesPerCall(t *testing.T) {
	t.Parallel()

	enc := newTestEncryptor(t)
	a, err := enc.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := enc.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestEnvKeySource(t *testing.T) {
	t.Parallel()

	if _, err := (EnvKeySource{}).LoadKey(context.Background()); err == nil {
		t.Fatal("LoadKey() with empty key succeeded")
	}

	key, err := GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex() error = %v", err)
	}
	enc, err := NewEncryptorFromSource(context.Background(), EnvKeySource{HexKey: key})
	if err != nil {
		t.Fatalf("NewEncryptorFromSource() error = %v", err)
	}
	if enc == nil {
		t.Fatal("NewEncryptorFromSource() returned nil encryptor")
	}
}
