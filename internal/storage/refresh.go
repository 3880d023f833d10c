package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

type aeadLoader func() (tink.AEAD, error)

// ReloadingAEAD re-reads its keyset on an interval so a rotated keyset file
// is picked up without restarting. A failed reload keeps the current keyset.
type ReloadingAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReloadingAEAD loads the keyset at path synchronously and then reloads it
// every interval until Close is called or ctx ends.
func NewReloadingAEAD(ctx context.Context, path string, interval time.Duration) (*ReloadingAEAD, error) {
	return newReloadingAEAD(ctx, func() (tink.AEAD, error) {
		return NewAEADFromFile(path)
	}, interval)
}

func newReloadingAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*ReloadingAEAD, error) {
	initial, err := loader()
	if err != nil {
		return nil, err
	}

	r := &ReloadingAEAD{
		aead:   initial,
		loader: loader,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go r.reloadLoop(ctx, interval)

	return r, nil
}

func (r *ReloadingAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Encrypt(plaintext, associatedData)
}

func (r *ReloadingAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Decrypt(ciphertext, associatedData)
}

// Close stops the reload goroutine and waits for it to exit. It is safe to
// call more than once.
func (r *ReloadingAEAD) Close() error {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
	return nil
}

func (r *ReloadingAEAD) reloadLoop(ctx context.Context, interval time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload()
		}
	}
}

func (r *ReloadingAEAD) reload() {
	next, err := r.loader()
	if err != nil {
		log.Warn().Err(err).Msg("storage keyset reload failed, keeping current keyset")
		return
	}

	r.mu.Lock()
	r.aead = next
	r.mu.Unlock()

	log.Debug().Msg("storage keyset reloaded")
}
