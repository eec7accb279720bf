package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/rosterd/rosterd/internal/roster"
)

// KeySource loads the process-wide encryption key at startup.
type KeySource interface {
	LoadKey(ctx context.Context) (string, error)
}

// EnvKeySource holds a key already read from the environment.
type EnvKeySource struct {
	HexKey string
}

func (s EnvKeySource) LoadKey(context.Context) (string, error) {
	key := strings.TrimSpace(s.HexKey)
	if key == "" {
		return "", &roster.CryptoError{Op: "load key", Err: errors.New("ENCRYPTION_KEY is empty")}
	}
	return key, nil
}

// VaultKeySource reads the key from a Vault KV v2 secret field.
type VaultKeySource struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Path      string
	Field     string
}

func (s VaultKeySource) LoadKey(ctx context.Context) (string, error) {
	address := strings.TrimSpace(s.Address)
	if address == "" {
		return "", errors.New("vault address is required")
	}
	mount := strings.TrimSpace(s.Mount)
	if mount == "" {
		mount = "secret"
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return "", errors.New("vault key path is required")
	}
	field := strings.TrimSpace(s.Field)
	if field == "" {
		field = "key"
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("vault client: %w", err)
	}
	if token := strings.TrimSpace(s.Token); token != "" {
		client.SetToken(token)
	}
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	secret, err := client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", mount, path, err)
	}
	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no field %q", mount, path, field)
	}
	key, ok := raw.(string)
	if !ok || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("vault secret field %q is not a non-empty string", field)
	}
	return strings.TrimSpace(key), nil
}

// NewEncryptorFromSource resolves the key and constructs the Encryptor.
func NewEncryptorFromSource(ctx context.Context, src KeySource) (*Encryptor, error) {
	if src == nil {
		return nil, errors.New("key source is nil")
	}
	hexKey, err := src.LoadKey(ctx)
	if err != nil {
		return nil, err
	}
	return NewFromHex(hexKey)
}
