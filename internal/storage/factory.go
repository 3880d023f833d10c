package storage

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig creates the storage described by the configuration: the
// selected backend, optionally wrapped for encryption, scoped under the
// configured namespace.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	var s Storage = backend
	if cfg.Encryption.Enabled {
		aead, err := newAEAD(ctx, cfg.Encryption)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("initializing encryption: %w", err)
		}
		s = NewEncrypted(backend, aead)

		log.Info().Msg("storage encryption enabled")
	}

	return Namespace(cfg.Namespace, s), nil
}

func newAEAD(ctx context.Context, cfg config.StorageEncryptionConfig) (tink.AEAD, error) {
	if cfg.ReloadInterval <= 0 {
		return NewAEADFromFile(cfg.KeysetFile)
	}

	log.Info().Dur("interval", cfg.ReloadInterval).Msg("storage keyset reload enabled")

	return NewReloadingAEAD(ctx, cfg.KeysetFile, cfg.ReloadInterval)
}

func newBackend(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "valkey":
		log.Info().
			Str("storage_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Msg("initializing valkey storage")

		if cfg.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when storage type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress:       []string{cfg.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(cfg.Valkey.Username, cfg.Valkey.Password),
		}

		if cfg.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}
		return NewValkey(client), nil

	case "sqlite":
		log.Info().
			Str("storage_type", "sqlite").
			Str("path", cfg.Path).
			Msg("initializing sqlite storage")

		return OpenSQLite(cfg.Path)

	case "file":
		log.Info().
			Str("storage_type", "file").
			Str("path", cfg.Path).
			Msg("initializing file storage")

		return NewFile(cfg.Path)

	case "memory":
		log.Info().
			Str("storage_type", "memory").
			Msg("initializing in-memory storage; the session will not survive a restart")

		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("invalid storage type %q: must be one of memory, file, sqlite, valkey", cfg.Type)
	}
}
