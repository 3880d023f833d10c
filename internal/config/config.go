package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API          APIConfig
	Cache        CacheConfig
	Observe      ObserveConfig
	Reachability ReachabilityConfig
	Server       ServerConfig
	Storage      StorageConfig
}

// ServerConfig configures the local inspector endpoint and outgoing HTTP
// connection pooling.
type ServerConfig struct {
	Port                   int `env:"INSPECTOR_PORT, default=7070"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=10"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// APIConfig locates the clinic backend.
type APIConfig struct {
	// BaseURL is the absolute root of the clinic API. Not needed in
	// simulation mode.
	BaseURL string `env:"API_BASE_URL"`

	TimeoutSeconds int `env:"API_TIMEOUT_SECS, default=15"`

	// HealthPath is probed by the reachability monitor.
	HealthPath string `env:"API_HEALTH_PATH, default=/health"`
}

// CacheConfig bounds the client-side resource cache.
type CacheConfig struct {
	// TTL after which a Fresh entry reads as Stale. Zero disables expiry.
	TTL time.Duration `env:"CACHE_TTL, default=5m"`

	MaxEntries int `env:"CACHE_MAX_ENTRIES, default=10000"`
}

// ReachabilityConfig controls connectivity probing and simulation mode.
type ReachabilityConfig struct {
	ProbeIntervalSeconds int `env:"REACHABILITY_PROBE_INTERVAL_SECS, default=30"`

	// Simulation serves every read and write from local fixtures. It is fixed
	// for the lifetime of the process.
	Simulation bool `env:"SIMULATION_MODE, default=false"`

	// FixturePath is the YAML fixture document used in simulation mode.
	FixturePath string `env:"SIMULATION_FIXTURES"`
}

// StorageConfig selects where the session is persisted.
type StorageConfig struct {
	// Type selects the implementation: "memory", "file" (default), "sqlite"
	// or "valkey".
	Type string `env:"STORAGE_TYPE, default=file"`

	// Path is the file or database location for "file" and "sqlite".
	Path string `env:"STORAGE_PATH, default=clinicsync-session.json"`

	// Namespace prefixes every stored key.
	Namespace string `env:"STORAGE_NAMESPACE, default=clinicsync"`

	Valkey ValkeyConfig

	Encryption StorageEncryptionConfig
}

// ValkeyConfig specifies the Valkey connection for the "valkey" storage type.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

// StorageEncryptionConfig holds settings for encrypting persisted values.
type StorageEncryptionConfig struct {
	Enabled bool `env:"STORAGE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a cleartext Tink JSON keyset.
	KeysetFile string `env:"STORAGE_ENCRYPTION_KEYSET_FILE"`

	// ReloadInterval re-reads KeysetFile periodically when positive, picking
	// up rotated keys without a restart.
	ReloadInterval time.Duration `env:"STORAGE_ENCRYPTION_RELOAD_INTERVAL, default=0s"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=clinicsync"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

// envFiles are tried in order; the first one found is loaded. Values already
// present in the environment win.
var envFiles = []string{".env", "../.env"}

func Load(ctx context.Context) (Config, error) {
	for _, p := range envFiles {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Reachability.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid reachability configuration: %w", err)
	}

	// the API is only contacted outside simulation mode
	if !cfg.Reachability.Simulation {
		if err := cfg.API.Validate(); err != nil {
			return cfg, fmt.Errorf("invalid api configuration: %w", err)
		}
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Storage.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid storage configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the API location is usable.
func (c *APIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL required unless SIMULATION_MODE=true")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}

	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("API_TIMEOUT_SECS must be positive")
	}

	return nil
}

// Validate checks the cache bounds.
func (c *CacheConfig) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	return nil
}

// Validate checks that simulation mode has fixtures to serve.
func (c *ReachabilityConfig) Validate() error {
	if c.Simulation && c.FixturePath == "" {
		return fmt.Errorf("SIMULATION_FIXTURES required when SIMULATION_MODE=true")
	}
	if c.ProbeIntervalSeconds <= 0 {
		return fmt.Errorf("REACHABILITY_PROBE_INTERVAL_SECS must be positive")
	}
	return nil
}

// Validate checks that the storage configuration is valid.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "file", "sqlite":
		if c.Path == "" {
			return fmt.Errorf("STORAGE_PATH required when STORAGE_TYPE=%s", c.Type)
		}
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when STORAGE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("invalid STORAGE_TYPE %q: must be one of memory, file, sqlite, valkey", c.Type)
	}

	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		return fmt.Errorf("STORAGE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
	}

	return nil
}
