// Package store defines the capability set the dispatching core requires
// from the remote in-memory store: named queues, hashes, sets, counters and
// deadline sets, with expiring variants where coordination state must not
// outlive its submission. Any implementation of these interfaces is
// acceptable; the core never assumes a particular backend.
package store

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store hands out handles to named primitives. Handles are cheap and may be
// recreated freely; the name alone identifies the underlying data.
type Store interface {
	// Queue returns a named FIFO queue.
	Queue(name string) Queue

	// Hash returns a named field → value map.
	Hash(name string) Hash

	// ExpiringHash returns a hash whose backing key expires ttl after the
	// most recent write.
	ExpiringHash(name string, ttl time.Duration) Hash

	// Set returns a named string set.
	Set(name string) Set

	// ExpiringSet returns a set whose backing key expires ttl after the
	// most recent write.
	ExpiringSet(name string, ttl time.Duration) Set

	// Counter returns a named monotonically increasing counter.
	Counter(name string) Counter

	// Deadlines returns a named deadline set used for TTL-touch redelivery.
	Deadlines(name string) DeadlineSet

	// Close releases the connection to the store.
	Close() error
}

// Queue is a named FIFO queue of opaque payloads.
type Queue interface {
	Push(payload []byte) error

	// Pop blocks up to timeout for a payload. A nil payload with a nil
	// error means the timeout elapsed with the queue empty. A zero or
	// negative timeout pops without blocking.
	Pop(timeout time.Duration) ([]byte, error)

	Length() (int64, error)
	Delete() error
}

// Hash is a named field → value map. All single-field operations are
// atomic with respect to concurrent callers.
type Hash interface {
	Set(field string, value []byte) error

	// SetIfAbsent writes the field only when it does not exist yet and
	// reports whether the write happened. This is the write-once primitive
	// behind schedule caching and finish records.
	SetIfAbsent(field string, value []byte) (bool, error)

	// Get returns the value and whether the field exists.
	Get(field string) ([]byte, bool, error)

	GetAll() (map[string][]byte, error)
	Exists(field string) (bool, error)

	// Pop removes the field, returning its last value and whether it
	// existed.
	Pop(field string) ([]byte, bool, error)

	// Increment adds delta to an integer-valued field and returns the new
	// value. A missing field counts as zero.
	Increment(field string, delta int64) (int64, error)

	Remove(fields ...string) error
	Length() (int64, error)
	Delete() error
}

// Set is a named set of string members.
type Set interface {
	Add(members ...string) error

	// AddLimit admits the member only while the set cardinality is below
	// limit, atomically. It reports true when the member is admitted or
	// was already present.
	AddLimit(member string, limit int64) (bool, error)

	Members() ([]string, error)
	Exists(member string) (bool, error)
	Card() (int64, error)
	Remove(members ...string) error
	Delete() error
}

// Counter is a named monotonically increasing metric counter.
type Counter interface {
	Increment(delta int64) (int64, error)
}

// DeadlineEntry is one due entry popped from a DeadlineSet.
type DeadlineEntry struct {
	Key     string
	Payload []byte
}

// DeadlineSet stores payloads to be released once their deadline passes.
// Setting an existing key replaces its payload and deadline, which is what
// makes watchdog touches idempotent.
type DeadlineSet interface {
	Set(key string, deadline time.Time, payload []byte) error
	Remove(key string) error

	// PopExpired atomically removes and returns up to limit entries whose
	// deadline is at or before now.
	PopExpired(now time.Time, limit int) ([]DeadlineEntry, error)
}
