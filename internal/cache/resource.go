// Package cache holds the process-wide store of fetched resource snapshots.
//
// Every public operation is atomic with respect to observers: state changes
// are applied under a single lock and listeners are notified only after the
// lock is released, so a listener never observes a partially applied
// operation. Each listener receives snapshots one at a time, in the order the
// changes were applied. A change made while a listener is still handling an
// earlier one is delivered by the goroutine already notifying it.
package cache

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"github.com/rs/zerolog/log"
)

// Listener receives the new state of a subscribed key after each change.
type Listener func(Entry)

// Refetcher is invoked for every subscribed key an invalidation marks stale.
// Implementations are expected to begin the fetch before returning and
// complete it asynchronously.
type Refetcher func(key query.Key)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10_000
)

// ResourceCache owns the lifetime of every cache entry in the process.
//
// Entries nobody is watching live in a size-bounded otter cache and may be
// dropped under pressure. Entries that are subscribed to or have a fetch in
// flight are pinned outside it, so neither a mounted view nor a pending
// completion loses its entry to eviction.
type ResourceCache struct {
	mu          sync.Mutex
	entries     *otter.Cache[string, *record]
	pinned      map[string]*record
	subscribers map[string]map[uint64]*subscription
	nextSubID   uint64
	generation  Generation
	refetch     Refetcher

	ttl     time.Duration
	now     func() time.Time
	counter *stats.Counter
}

type Option func(*ResourceCache)

// WithTTL sets how long a Fresh entry stays fresh. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *ResourceCache) { c.ttl = ttl }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *ResourceCache) { c.now = now }
}

// WithMaxEntries bounds the number of unpinned entries retained.
func WithMaxEntries(n int) Option {
	return func(c *ResourceCache) {
		c.entries = newStore(n, c.counter)
	}
}

// New creates an empty cache. The returned cache is intended to be created
// once per process and shared by reference.
func New(opts ...Option) *ResourceCache {
	initMetrics()

	counter := stats.NewCounter()
	c := &ResourceCache{
		pinned:      make(map[string]*record),
		subscribers: make(map[string]map[uint64]*subscription),
		ttl:         DefaultTTL,
		now:         time.Now,
		counter:     counter,
	}
	c.entries = newStore(DefaultMaxEntries, counter)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func newStore(maxSize int, counter *stats.Counter) *otter.Cache[string, *record] {
	return otter.Must(&otter.Options[string, *record]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
	})
}

// SetRefetcher installs the hook used to refresh subscribed keys after an
// invalidation. It is set once during start-up wiring.
func (c *ResourceCache) SetRefetcher(r Refetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refetch = r
}

// Read returns the current entry for key, creating an Idle entry if none
// exists. A Fresh entry older than the TTL is returned (and kept) as Stale.
// Read never blocks on I/O.
func (c *ResourceCache) Read(key query.Key) Entry {
	c.mu.Lock()
	rec := c.getOrCreate(key)
	expired := c.expire(rec)
	entry := rec.snapshot()
	var subs []*subscription
	if expired {
		subs = c.publish(key, entry)
	}
	c.mu.Unlock()

	recordRead(entry.Status)
	deliver(subs)
	return entry
}

// BeginFetch marks key as Loading and issues a new generation. Only a
// completion carrying the latest generation for key is applied; anything
// older has been superseded.
func (c *ResourceCache) BeginFetch(key query.Key) Generation {
	c.mu.Lock()
	rec := c.getOrCreate(key)
	c.generation++
	rec.gen = c.generation
	rec.inflight = true
	changed := rec.status != Loading
	rec.status = Loading
	c.place(rec)
	entry := rec.snapshot()
	var subs []*subscription
	if changed {
		subs = c.publish(key, entry)
	}
	c.mu.Unlock()

	deliver(subs)
	return entry.Generation
}

// CompleteFetch applies the outcome of the fetch identified by gen. It returns
// false, leaving the entry untouched, when gen is no longer the latest
// generation for key: a newer fetch began, the key was invalidated, or the
// entry was evicted.
//
// On failure an entry that already holds data keeps it and becomes Stale;
// an entry without data becomes Error.
func (c *ResourceCache) CompleteFetch(key query.Key, gen Generation, data json.RawMessage, err error) bool {
	k := key.String()

	c.mu.Lock()
	rec := c.lookup(k)
	if rec == nil || !rec.inflight || rec.gen != gen {
		c.mu.Unlock()
		recordCompletion("discarded")
		log.Debug().
			Str("key", k).
			Uint64("generation", uint64(gen)).
			Msg("cache: discarding superseded fetch result")
		return false
	}

	rec.inflight = false
	if err == nil {
		if data == nil {
			data = json.RawMessage("null")
		}
		rec.data = data
		rec.status = Fresh
		rec.fetchedAt = c.now()
		rec.err = nil
	} else {
		rec.err = err
		if rec.data != nil {
			rec.status = Stale
		} else {
			rec.status = Error
		}
	}
	c.place(rec)
	subs := c.publish(key, rec.snapshot())
	c.mu.Unlock()

	if err == nil {
		recordCompletion("fresh")
	} else {
		recordCompletion("error")
	}
	deliver(subs)
	return true
}

// Invalidate marks every entry matched by any of patterns as Stale, as one
// batch. Entries are not deleted: stale data stays renderable while it is
// refreshed. In-flight fetches for matched keys are superseded, so a result
// computed before the invalidation can never be written back as Fresh.
//
// All matched entries are updated before any listener runs. Subscribed keys
// are then handed to the Refetcher. The matched keys are returned.
func (c *ResourceCache) Invalidate(patterns ...query.Pattern) []query.Key {
	if len(patterns) == 0 {
		return nil
	}
	pattern := query.AnyOf(patterns...)

	c.mu.Lock()
	matched := c.match(pattern)
	keys := make([]query.Key, len(matched))
	var subs []*subscription
	var refetch []query.Key
	for i, rec := range matched {
		c.generation++
		rec.gen = c.generation
		rec.inflight = false
		rec.status = Stale
		c.place(rec)
		keys[i] = rec.key

		if published := c.publish(rec.key, rec.snapshot()); len(published) > 0 {
			subs = append(subs, published...)
			refetch = append(refetch, rec.key)
		}
	}
	refetcher := c.refetch
	c.mu.Unlock()

	recordInvalidation(len(keys))
	log.Debug().
		Str("pattern", pattern.String()).
		Int("matched", len(keys)).
		Int("refetch", len(refetch)).
		Msg("cache: invalidated")

	deliver(subs)
	if refetcher != nil {
		for _, key := range refetch {
			refetcher(key)
		}
	}

	return keys
}

// Evict deletes every entry matched by any of patterns. Subscribers of an
// evicted key are notified with an Idle entry; their subscriptions remain.
// Pending completions for evicted keys are discarded.
func (c *ResourceCache) Evict(patterns ...query.Pattern) int {
	if len(patterns) == 0 {
		return 0
	}
	pattern := query.AnyOf(patterns...)

	c.mu.Lock()
	matched := c.match(pattern)
	var subs []*subscription
	for _, rec := range matched {
		k := rec.key.String()
		delete(c.pinned, k)
		c.entries.Invalidate(k)

		subs = append(subs, c.publish(rec.key, Entry{Key: rec.key, Status: Idle})...)
	}
	c.mu.Unlock()

	log.Debug().
		Str("pattern", pattern.String()).
		Int("evicted", len(matched)).
		Msg("cache: evicted")

	deliver(subs)

	return len(matched)
}

// Subscribe registers listener for changes to key and returns a function that
// removes the subscription. A subscribed key is refetched when invalidated.
func (c *ResourceCache) Subscribe(key query.Key, listener Listener) func() {
	k := key.String()

	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	subs, ok := c.subscribers[k]
	if !ok {
		subs = make(map[uint64]*subscription)
		c.subscribers[k] = subs
	}
	sub := &subscription{listener: listener}
	subs[id] = sub
	if rec := c.lookup(k); rec != nil {
		c.place(rec)
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.close()

			c.mu.Lock()
			defer c.mu.Unlock()

			if subs, ok := c.subscribers[k]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(c.subscribers, k)
				}
			}
			if rec := c.lookup(k); rec != nil {
				c.place(rec)
			}
		})
	}
}

// Subscribed reports whether any view is subscribed to key.
func (c *ResourceCache) Subscribed(key query.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers[key.String()]) > 0
}

// Snapshot returns every current entry ordered by key. Fresh entries past
// the TTL are reported as Stale, as Read reports them.
func (c *ResourceCache) Snapshot() []Entry {
	c.mu.Lock()
	matched := c.match(query.All())
	entries := make([]Entry, len(matched))
	var subs []*subscription
	for i, rec := range matched {
		expired := c.expire(rec)
		entries[i] = rec.snapshot()
		if expired {
			subs = append(subs, c.publish(rec.key, entries[i])...)
		}
	}
	c.mu.Unlock()

	deliver(subs)

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return entries
}

// Stats reports hit, miss and eviction counts of the unpinned store.
func (c *ResourceCache) Stats() stats.Stats {
	return c.counter.Snapshot()
}

func (c *ResourceCache) lookup(k string) *record {
	if rec, ok := c.pinned[k]; ok {
		return rec
	}
	if rec, ok := c.entries.GetIfPresent(k); ok {
		return rec
	}
	return nil
}

func (c *ResourceCache) getOrCreate(key query.Key) *record {
	if rec := c.lookup(key.String()); rec != nil {
		return rec
	}
	rec := &record{key: key, status: Idle}
	c.place(rec)
	return rec
}

// place stores rec where it belongs: pinned while watched or in flight,
// otherwise in the bounded store.
func (c *ResourceCache) place(rec *record) {
	k := rec.key.String()
	if rec.inflight || len(c.subscribers[k]) > 0 {
		c.pinned[k] = rec
		c.entries.Invalidate(k)
		return
	}
	delete(c.pinned, k)
	c.entries.Set(k, rec)
}

func (c *ResourceCache) expire(rec *record) bool {
	if rec.status != Fresh || c.ttl <= 0 {
		return false
	}
	if c.now().Sub(rec.fetchedAt) <= c.ttl {
		return false
	}
	rec.status = Stale
	return true
}

func (c *ResourceCache) match(pattern query.Pattern) []*record {
	var matched []*record
	for _, rec := range c.pinned {
		if pattern.Match(rec.key) {
			matched = append(matched, rec)
		}
	}
	for _, rec := range c.entries.All() {
		if pattern.Match(rec.key) {
			matched = append(matched, rec)
		}
	}
	return matched
}

// publish queues entry for every subscriber of key, in subscription order,
// and returns the subscriptions to deliver to once the lock is released. It
// must be called with c.mu held.
func (c *ResourceCache) publish(key query.Key, entry Entry) []*subscription {
	subs := c.subscribers[key.String()]
	if len(subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	published := make([]*subscription, len(ids))
	for i, id := range ids {
		published[i] = subs[id]
		published[i].push(entry)
	}
	return published
}
