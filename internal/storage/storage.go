// Package storage persists small opaque values (the session, primarily)
// across restarts. Backends are selected by configuration; all of them share
// the same contract: Load reports absence with found=false rather than an
// error.
package storage

import (
	"context"
)

// Storage is a key/value store for byte values.
type Storage interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) (value []byte, found bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Namespaced scopes every key of the wrapped storage under a prefix, so
// several applications can share one backend without colliding.
type Namespaced struct {
	prefix  string
	wrapped Storage
}

var _ Storage = (*Namespaced)(nil)

// Namespace wraps s so that key k is stored as "ns:k". An empty namespace
// returns s unchanged.
func Namespace(ns string, s Storage) Storage {
	if ns == "" {
		return s
	}
	return &Namespaced{prefix: ns + ":", wrapped: s}
}

func (n *Namespaced) Save(ctx context.Context, key string, value []byte) error {
	return n.wrapped.Save(ctx, n.prefix+key, value)
}

func (n *Namespaced) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return n.wrapped.Load(ctx, n.prefix+key)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.wrapped.Delete(ctx, n.prefix+key)
}

func (n *Namespaced) Close() error {
	return n.wrapped.Close()
}
