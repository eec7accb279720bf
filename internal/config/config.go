package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"
	defaultSyncCron    = "*/15 * * * *"

	defaultSyncWorkers   = 3
	defaultDeleteWorkers = 2
	defaultPageSize      = 100
	defaultMaxAttempts   = 5
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 5 * time.Minute
	defaultDedupWindow   = 15 * time.Minute
	defaultDrainGrace    = 30 * time.Second
)

type Config struct {
	DatabaseURL string
	AMQPURL     string
	HTTPAddr    string
	MetricsAddr string

	ConnectorAPIURL  string
	PlatformAPIURL   string
	PlatformAPIToken string

	EncryptionKey string
	VaultAddr     string
	VaultToken    string
	VaultKeyMount string
	VaultKeyPath  string
	VaultKeyField string

	SyncCron      string
	SyncWorkers   int
	DeleteWorkers int
	PageSize      int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	DedupWindow   time.Duration
	DrainGrace    time.Duration
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AMQPURL:       strings.TrimSpace(os.Getenv("AMQP_URL")),
		HTTPAddr:      getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:   getenvDefault("METRICS_ADDR", defaultMetricsAddr),

		ConnectorAPIURL:  strings.TrimSpace(os.Getenv("CONNECTOR_API_URL")),
		PlatformAPIURL:   strings.TrimSpace(os.Getenv("PLATFORM_API_URL")),
		PlatformAPIToken: strings.TrimSpace(os.Getenv("PLATFORM_API_TOKEN")),

		EncryptionKey: strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")),
		VaultAddr:     strings.TrimSpace(os.Getenv("VAULT_ADDR")),
		VaultToken:    strings.TrimSpace(os.Getenv("VAULT_TOKEN")),
		VaultKeyMount: getenvDefault("VAULT_KEY_MOUNT", "secret"),
		VaultKeyPath:  strings.TrimSpace(os.Getenv("VAULT_KEY_PATH")),
		VaultKeyField: getenvDefault("VAULT_KEY_FIELD", "key"),
		SyncCron:      getenvDefault("SYNC_CRON", defaultSyncCron),
		SyncWorkers:   getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
		DeleteWorkers: getenvIntDefault("DELETE_WORKERS", defaultDeleteWorkers),
		PageSize:      getenvIntDefault("PAGE_SIZE", defaultPageSize),
		MaxAttempts:   getenvIntDefault("MAX_ATTEMPTS", defaultMaxAttempts),
		BackoffBase:   getenvDurationDefault("BACKOFF_BASE", defaultBackoffBase),
		BackoffMax:    getenvDurationDefault("BACKOFF_MAX", defaultBackoffMax),
		DedupWindow:   getenvDurationDefault("DEDUP_WINDOW", defaultDedupWindow),
		DrainGrace:    getenvDurationDefault("DRAIN_GRACE", defaultDrainGrace),
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// UsesVaultKey reports whether the encryption key should come from Vault
// instead of ENCRYPTION_KEY.
func (c Config) UsesVaultKey() bool {
	return c.EncryptionKey == "" && c.VaultAddr != "" && c.VaultKeyPath != ""
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
