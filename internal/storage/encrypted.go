package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tink-crypto/tink-go/v2/tink"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// valuePrefix marks encrypted values so plaintext left over from an earlier
// unencrypted deployment is rejected instead of fed to the AEAD.
var valuePrefix = []byte("cs-enc:")

// storageKeyPrefix separates encrypted entries from plaintext ones sharing a
// backend.
const storageKeyPrefix = "enc:"

var (
	encryptionMetricsOnce sync.Once
	encryptionDuration    metric.Float64Histogram
	encryptionOperations  metric.Int64Counter
)

func initEncryptionMetrics() {
	encryptionMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/clinicsync/clinicsync/internal/storage")

		var err error
		encryptionDuration, err = meter.Float64Histogram(
			"storage.encryption.duration",
			metric.WithDescription("Stored value encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionOperations, err = meter.Int64Counter(
			"storage.encryption.total",
			metric.WithDescription("Total stored value encryption operations"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Encrypted seals values with a Tink AEAD before handing them to the wrapped
// storage. The full key is the associated data, binding each ciphertext to the
// entry (and namespace) it was written under.
type Encrypted struct {
	wrapped Storage
	aead    tink.AEAD
}

var _ Storage = (*Encrypted)(nil)

func NewEncrypted(wrapped Storage, aead tink.AEAD) *Encrypted {
	initEncryptionMetrics()
	return &Encrypted{wrapped: wrapped, aead: aead}
}

func (e *Encrypted) Save(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	ciphertext, err := e.aead.Encrypt(value, []byte(key))
	recordEncryption(ctx, "encrypt", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("encrypting value: %w", err)
	}

	sealed := append(bytes.Clone(valuePrefix), ciphertext...)
	return e.wrapped.Save(ctx, storageKeyPrefix+key, sealed)
}

// Load returns found=false for absent entries. A value that cannot be
// decrypted is an error; the entry is removed on a best-effort basis so the
// next start does not trip over it again.
func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, found, err := e.wrapped.Load(ctx, storageKeyPrefix+key)
	if err != nil || !found {
		return nil, found, err
	}

	start := time.Now()
	plaintext, err := e.open(sealed, key)
	recordEncryption(ctx, "decrypt", time.Since(start), err)
	if err != nil {
		if delErr := e.wrapped.Delete(ctx, storageKeyPrefix+key); delErr != nil {
			zerolog.Ctx(ctx).Warn().Err(delErr).Str("key", key).Msg("could not remove undecryptable value")
		}
		return nil, false, fmt.Errorf("stored value decryption failure for key %q: %w", key, err)
	}

	return plaintext, true, nil
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.wrapped.Delete(ctx, storageKeyPrefix+key)
}

// Close closes the wrapped storage, and the AEAD too when it holds resources
// of its own.
func (e *Encrypted) Close() error {
	err := e.wrapped.Close()
	if c, ok := e.aead.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (e *Encrypted) open(sealed []byte, key string) ([]byte, error) {
	if !bytes.HasPrefix(sealed, valuePrefix) {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	plaintext, err := e.aead.Decrypt(bytes.TrimPrefix(sealed, valuePrefix), []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func recordEncryption(ctx context.Context, operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("storage."+operation+".duration", duration.Seconds()),
		attribute.String("storage."+operation+".outcome", outcome),
	)

	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("encryption.operation", operation)),
		)
	}
	if encryptionOperations != nil {
		encryptionOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("encryption.operation", operation),
				attribute.String("encryption.outcome", outcome),
			),
		)
	}
}
