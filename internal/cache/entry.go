package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicsync/clinicsync/internal/query"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	Idle Status = iota
	Loading
	Fresh
	Stale
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for candidate := Idle; candidate <= Error; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown cache status %q", text)
}

// Generation identifies one fetch attempt. Generations are issued from a
// single process-wide counter, so a generation is never reused for a key even
// after the key's entry has been evicted and recreated.
type Generation uint64

// Entry is an immutable snapshot of one cached resource view.
//
// Invariants: Status Fresh implies Data and FetchedAt are set. Status Error
// implies the last fetch failed and no earlier data was available; a failed
// refetch over existing data leaves the entry Stale with Err set.
type Entry struct {
	Key        query.Key       `json:"-"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     Status          `json:"status"`
	FetchedAt  time.Time       `json:"fetchedAt,omitzero"`
	Err        error           `json:"-"`
	Generation Generation      `json:"generation"`
}

// HasData reports whether the entry holds a (possibly stale) snapshot.
func (e Entry) HasData() bool {
	return e.Data != nil
}

// Decode unmarshals the entry's data into T. The boolean result is false when
// the entry holds no data.
func Decode[T any](e Entry) (T, bool, error) {
	var value T
	if !e.HasData() {
		return value, false, nil
	}
	if err := json.Unmarshal(e.Data, &value); err != nil {
		return value, false, fmt.Errorf("decoding %s: %w", e.Key, err)
	}
	return value, true, nil
}

// record is the mutable state behind an Entry. It is only touched while
// ResourceCache.mu is held.
type record struct {
	key       query.Key
	data      json.RawMessage
	status    Status
	fetchedAt time.Time
	err       error
	gen       Generation
	inflight  bool
}

func (r *record) snapshot() Entry {
	return Entry{
		Key:        r.key,
		Data:       r.data,
		Status:     r.status,
		FetchedAt:  r.fetchedAt,
		Err:        r.err,
		Generation: r.gen,
	}
}
