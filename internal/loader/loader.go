// Package loader is the read path: it serves entries from the resource cache
// and, when the reachability gate allows it, fetches missing or stale ones
// through the transport.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/cache"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/reachability"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultFetchTimeout = 30 * time.Second

// SessionClearer ends the session when the API rejects its credentials.
// Implemented by session.Store.
type SessionClearer interface {
	Clear(ctx context.Context) error
}

// Loader coordinates cache reads with transport fetches.
type Loader struct {
	cache     *cache.ResourceCache
	transport transport.Transport
	monitor   *reachability.Monitor
	sessions  SessionClearer
	timeout   time.Duration

	// background fetches run under base so Close can stop them
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]query.Key

	unsubscribe func()
}

type Option func(*Loader)

// WithFetchTimeout bounds each background fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d }
}

// New wires a Loader. It installs itself as the cache's refetcher and follows
// the monitor so that fetches suppressed while offline resume on reconnect.
func New(c *cache.ResourceCache, t transport.Transport, m *reachability.Monitor, sessions SessionClearer, opts ...Option) *Loader {
	base, cancel := context.WithCancel(context.Background())

	l := &Loader{
		cache:     c,
		transport: t,
		monitor:   m,
		sessions:  sessions,
		timeout:   DefaultFetchTimeout,
		base:      base,
		cancel:    cancel,
		pending:   map[string]query.Key{},
	}
	for _, opt := range opts {
		opt(l)
	}

	c.SetRefetcher(l.Refetch)
	l.unsubscribe = m.Subscribe(func(previous, current reachability.State) {
		if !previous.Allowed() && current.Allowed() {
			l.resume()
		}
	})

	return l
}

// Load returns the entry for key, fetching it first when it is not Fresh and
// the gate is open. The returned error is the fetch error, if a fetch was
// made and failed; the entry reflects the cache after the attempt.
//
// An entry that is already Loading is returned as is: the fetch in flight will
// update it. When the gate is closed the cached entry is returned without any
// transport call and the key is remembered for when connectivity returns.
func (l *Loader) Load(ctx context.Context, key query.Key) (cache.Entry, error) {
	entry := l.cache.Read(key)

	switch entry.Status {
	case cache.Fresh, cache.Loading:
		return entry, nil
	}

	if !l.monitor.State().Allowed() {
		l.postpone(key)
		zerolog.Ctx(ctx).Debug().
			Str("key", key.String()).
			Stringer("status", entry.Status).
			Msg("offline; serving cached entry")
		return entry, nil
	}

	gen := l.cache.BeginFetch(key)
	return l.fetch(ctx, key, gen)
}

// Refetch starts a background fetch for key. It is the cache's Refetcher:
// the entry is Loading by the time Refetch returns.
func (l *Loader) Refetch(key query.Key) {
	if !l.monitor.State().Allowed() {
		l.postpone(key)
		return
	}

	gen := l.cache.BeginFetch(key)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(l.base, l.timeout)
		defer cancel()

		if _, err := l.fetch(ctx, key, gen); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("background refetch failed")
		}
	}()
}

// Pending returns the keys waiting for connectivity.
func (l *Loader) Pending() []query.Key {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]query.Key, 0, len(l.pending))
	for _, k := range l.pending {
		keys = append(keys, k)
	}
	return keys
}

// Wait blocks until background fetches started so far have finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Close stops following the monitor, cancels background fetches and waits
// for them to return.
func (l *Loader) Close() {
	l.unsubscribe()
	l.cancel()
	l.wg.Wait()
}

func (l *Loader) fetch(ctx context.Context, key query.Key, gen cache.Generation) (cache.Entry, error) {
	tracer := otel.Tracer("github.com/clinicsync/clinicsync/internal/loader")
	ctx, span := tracer.Start(ctx, "fetch_resource", trace.WithAttributes(
		attribute.String("query.kind", string(key.Kind)),
		attribute.String("query.key", key.String()),
		attribute.Int64("cache.generation", int64(gen)),
	))
	defer span.End()

	data, err := l.transport.Fetch(ctx, key)
	applied := l.cache.CompleteFetch(key, gen, data, err)
	span.SetAttributes(attribute.Bool("cache.applied", applied))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")

		if transport.IsUnauthorized(err) {
			l.clearSession(ctx)
		}

		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key.String()).
			Stringer("kind", transport.KindOf(err)).
			Msg("fetch failed")
	} else {
		span.SetStatus(codes.Ok, "fetched")
	}

	return l.cache.Read(key), err
}

func (l *Loader) clearSession(ctx context.Context) {
	if l.sessions == nil {
		return
	}
	if err := l.sessions.Clear(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("clearing rejected session")
	}
}

func (l *Loader) postpone(key query.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key.String()] = key
}

// resume refetches every key suppressed while offline that is still not
// fresh.
func (l *Loader) resume() {
	l.mu.Lock()
	keys := make([]query.Key, 0, len(l.pending))
	for _, k := range l.pending {
		keys = append(keys, k)
	}
	clear(l.pending)
	l.mu.Unlock()

	log.Info().Int("keys", len(keys)).Msg("connectivity restored; resuming deferred fetches")

	for _, key := range keys {
		switch l.cache.Read(key).Status {
		case cache.Fresh, cache.Loading:
			continue
		}
		l.Refetch(key)
	}
}
