// Package memstore implements the store capability set on an embedded
// buntdb database. It backs tests and single-node deployments; multi-worker
// deployments use the redis implementation instead.
package memstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/scanforge/scanforge/internal/store"
)

// pollInterval is how often a blocking queue pop re-checks an empty queue.
const pollInterval = 20 * time.Millisecond

// seqKeyWidth pads queue sequence numbers so lexicographic key order equals
// insertion order.
const seqKeyWidth = 16

// Store is an embedded in-memory implementation of [store.Store].
type Store struct {
	db *buntdb.DB
}

// New creates an empty in-memory store.
func New() (*Store, error) {
	db, openErr := buntdb.Open(":memory:")
	if openErr != nil {
		return nil, fmt.Errorf("open buntdb: %w", openErr)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	closeErr := s.db.Close()
	if closeErr != nil {
		return fmt.Errorf("close buntdb: %w", closeErr)
	}

	return nil
}

// Queue returns a named FIFO queue.
func (s *Store) Queue(name string) store.Queue {
	return &queue{db: s.db, name: name}
}

// Hash returns a named hash.
func (s *Store) Hash(name string) store.Hash {
	return &hash{db: s.db, name: name}
}

// ExpiringHash returns a hash whose fields expire ttl after their most
// recent write.
func (s *Store) ExpiringHash(name string, ttl time.Duration) store.Hash {
	return &hash{db: s.db, name: name, ttl: ttl}
}

// Set returns a named set.
func (s *Store) Set(name string) store.Set {
	return &set{db: s.db, name: name}
}

// ExpiringSet returns a set whose members expire ttl after their most
// recent write.
func (s *Store) ExpiringSet(name string, ttl time.Duration) store.Set {
	return &set{db: s.db, name: name, ttl: ttl}
}

// Counter returns a named counter.
func (s *Store) Counter(name string) store.Counter {
	return &counter{db: s.db, name: name}
}

// Deadlines returns a named deadline set.
func (s *Store) Deadlines(name string) store.DeadlineSet {
	return &deadlineSet{db: s.db, name: name}
}

func setOptions(ttl time.Duration) *buntdb.SetOptions {
	if ttl <= 0 {
		return nil
	}

	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

type queue struct {
	db   *buntdb.DB
	name string
}

func (q *queue) prefix() string {
	return "q:" + q.name + ":"
}

// Push appends a payload to the queue.
func (q *queue) Push(payload []byte) error {
	updateErr := q.db.Update(func(tx *buntdb.Tx) error {
		seqKey := "qseq:" + q.name

		var seq int64
		if prev, getErr := tx.Get(seqKey); getErr == nil {
			seq, _ = strconv.ParseInt(prev, 10, 64)
		}

		seq++

		_, _, setErr := tx.Set(seqKey, strconv.FormatInt(seq, 10), nil)
		if setErr != nil {
			return setErr
		}

		key := fmt.Sprintf("%s%0*d", q.prefix(), seqKeyWidth, seq)
		_, _, setErr = tx.Set(key, string(payload), nil)

		return setErr
	})
	if updateErr != nil {
		return fmt.Errorf("queue push %s: %w", q.name, updateErr)
	}

	return nil
}

// Pop removes and returns the oldest payload, blocking up to timeout.
func (q *queue) Pop(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		payload, popErr := q.tryPop()
		if popErr != nil {
			return nil, popErr
		}

		if payload != nil {
			return payload, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		if remaining > pollInterval {
			remaining = pollInterval
		}

		time.Sleep(remaining)
	}
}

func (q *queue) tryPop() ([]byte, error) {
	var payload []byte

	updateErr := q.db.Update(func(tx *buntdb.Tx) error {
		var first string

		iterErr := tx.AscendKeys(q.prefix()+"*", func(key, value string) bool {
			first = key
			payload = []byte(value)

			return false
		})
		if iterErr != nil {
			return iterErr
		}

		if first == "" {
			return nil
		}

		_, delErr := tx.Delete(first)

		return delErr
	})
	if updateErr != nil {
		return nil, fmt.Errorf("queue pop %s: %w", q.name, updateErr)
	}

	return payload, nil
}

// Length returns the number of queued payloads.
func (q *queue) Length() (int64, error) {
	var n int64

	viewErr := q.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(q.prefix()+"*", func(_, _ string) bool {
			n++

			return true
		})
	})
	if viewErr != nil {
		return 0, fmt.Errorf("queue length %s: %w", q.name, viewErr)
	}

	return n, nil
}

// Delete drops the queue and its contents.
func (q *queue) Delete() error {
	return deletePrefix(q.db, q.prefix(), "qseq:"+q.name)
}

type hash struct {
	db   *buntdb.DB
	name string
	ttl  time.Duration
}

func (h *hash) prefix() string {
	return "h:" + h.name + ":"
}

func (h *hash) Set(field string, value []byte) error {
	updateErr := h.db.Update(func(tx *buntdb.Tx) error {
		_, _, setErr := tx.Set(h.prefix()+field, string(value), setOptions(h.ttl))

		return setErr
	})
	if updateErr != nil {
		return fmt.Errorf("hash set %s: %w", h.name, updateErr)
	}

	return nil
}

func (h *hash) SetIfAbsent(field string, value []byte) (bool, error) {
	var wrote bool

	updateErr := h.db.Update(func(tx *buntdb.Tx) error {
		key := h.prefix() + field

		_, getErr := tx.Get(key)
		if getErr == nil {
			return nil
		}

		if getErr != buntdb.ErrNotFound {
			return getErr
		}

		_, _, setErr := tx.Set(key, string(value), setOptions(h.ttl))
		if setErr != nil {
			return setErr
		}

		wrote = true

		return nil
	})
	if updateErr != nil {
		return false, fmt.Errorf("hash setnx %s: %w", h.name, updateErr)
	}

	return wrote, nil
}

func (h *hash) Get(field string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	viewErr := h.db.View(func(tx *buntdb.Tx) error {
		raw, getErr := tx.Get(h.prefix() + field)
		if getErr == buntdb.ErrNotFound {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		value = []byte(raw)
		found = true

		return nil
	})
	if viewErr != nil {
		return nil, false, fmt.Errorf("hash get %s: %w", h.name, viewErr)
	}

	return value, found, nil
}

func (h *hash) GetAll() (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := h.prefix()

	viewErr := h.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			out[key[len(prefix):]] = []byte(value)

			return true
		})
	})
	if viewErr != nil {
		return nil, fmt.Errorf("hash getall %s: %w", h.name, viewErr)
	}

	return out, nil
}

func (h *hash) Exists(field string) (bool, error) {
	_, found, getErr := h.Get(field)

	return found, getErr
}

func (h *hash) Pop(field string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	updateErr := h.db.Update(func(tx *buntdb.Tx) error {
		raw, delErr := tx.Delete(h.prefix() + field)
		if delErr == buntdb.ErrNotFound {
			return nil
		}

		if delErr != nil {
			return delErr
		}

		value = []byte(raw)
		found = true

		return nil
	})
	if updateErr != nil {
		return nil, false, fmt.Errorf("hash pop %s: %w", h.name, updateErr)
	}

	return value, found, nil
}

func (h *hash) Increment(field string, delta int64) (int64, error) {
	var next int64

	updateErr := h.db.Update(func(tx *buntdb.Tx) error {
		key := h.prefix() + field

		var current int64
		if raw, getErr := tx.Get(key); getErr == nil {
			current, _ = strconv.ParseInt(raw, 10, 64)
		}

		next = current + delta

		_, _, setErr := tx.Set(key, strconv.FormatInt(next, 10), setOptions(h.ttl))

		return setErr
	})
	if updateErr != nil {
		return 0, fmt.Errorf("hash incr %s: %w", h.name, updateErr)
	}

	return next, nil
}

func (h *hash) Remove(fields ...string) error {
	updateErr := h.db.Update(func(tx *buntdb.Tx) error {
		for _, field := range fields {
			_, delErr := tx.Delete(h.prefix() + field)
			if delErr != nil && delErr != buntdb.ErrNotFound {
				return delErr
			}
		}

		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("hash remove %s: %w", h.name, updateErr)
	}

	return nil
}

func (h *hash) Length() (int64, error) {
	var n int64

	viewErr := h.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(h.prefix()+"*", func(_, _ string) bool {
			n++

			return true
		})
	})
	if viewErr != nil {
		return 0, fmt.Errorf("hash length %s: %w", h.name, viewErr)
	}

	return n, nil
}

func (h *hash) Delete() error {
	return deletePrefix(h.db, h.prefix())
}

type set struct {
	db   *buntdb.DB
	name string
	ttl  time.Duration
}

func (s *set) prefix() string {
	return "s:" + s.name + ":"
}

func (s *set) Add(members ...string) error {
	updateErr := s.db.Update(func(tx *buntdb.Tx) error {
		for _, member := range members {
			_, _, setErr := tx.Set(s.prefix()+member, "1", setOptions(s.ttl))
			if setErr != nil {
				return setErr
			}
		}

		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("set add %s: %w", s.name, updateErr)
	}

	return nil
}

func (s *set) AddLimit(member string, limit int64) (bool, error) {
	var admitted bool

	updateErr := s.db.Update(func(tx *buntdb.Tx) error {
		key := s.prefix() + member

		_, getErr := tx.Get(key)
		if getErr == nil {
			admitted = true

			return nil
		}

		if getErr != buntdb.ErrNotFound {
			return getErr
		}

		var card int64

		iterErr := tx.AscendKeys(s.prefix()+"*", func(_, _ string) bool {
			card++

			return true
		})
		if iterErr != nil {
			return iterErr
		}

		if card >= limit {
			return nil
		}

		_, _, setErr := tx.Set(key, "1", setOptions(s.ttl))
		if setErr != nil {
			return setErr
		}

		admitted = true

		return nil
	})
	if updateErr != nil {
		return false, fmt.Errorf("set addlimit %s: %w", s.name, updateErr)
	}

	return admitted, nil
}

func (s *set) Members() ([]string, error) {
	var members []string

	prefix := s.prefix()

	viewErr := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			members = append(members, key[len(prefix):])

			return true
		})
	})
	if viewErr != nil {
		return nil, fmt.Errorf("set members %s: %w", s.name, viewErr)
	}

	return members, nil
}

func (s *set) Exists(member string) (bool, error) {
	var found bool

	viewErr := s.db.View(func(tx *buntdb.Tx) error {
		_, getErr := tx.Get(s.prefix() + member)
		if getErr == buntdb.ErrNotFound {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		found = true

		return nil
	})
	if viewErr != nil {
		return false, fmt.Errorf("set exists %s: %w", s.name, viewErr)
	}

	return found, nil
}

func (s *set) Card() (int64, error) {
	var n int64

	viewErr := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(s.prefix()+"*", func(_, _ string) bool {
			n++

			return true
		})
	})
	if viewErr != nil {
		return 0, fmt.Errorf("set card %s: %w", s.name, viewErr)
	}

	return n, nil
}

func (s *set) Remove(members ...string) error {
	updateErr := s.db.Update(func(tx *buntdb.Tx) error {
		for _, member := range members {
			_, delErr := tx.Delete(s.prefix() + member)
			if delErr != nil && delErr != buntdb.ErrNotFound {
				return delErr
			}
		}

		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("set remove %s: %w", s.name, updateErr)
	}

	return nil
}

func (s *set) Delete() error {
	return deletePrefix(s.db, s.prefix())
}

type counter struct {
	db   *buntdb.DB
	name string
}

func (c *counter) Increment(delta int64) (int64, error) {
	var next int64

	updateErr := c.db.Update(func(tx *buntdb.Tx) error {
		key := "c:" + c.name

		var current int64
		if raw, getErr := tx.Get(key); getErr == nil {
			current, _ = strconv.ParseInt(raw, 10, 64)
		}

		next = current + delta

		_, _, setErr := tx.Set(key, strconv.FormatInt(next, 10), nil)

		return setErr
	})
	if updateErr != nil {
		return 0, fmt.Errorf("counter incr %s: %w", c.name, updateErr)
	}

	return next, nil
}

// deadlineEntry is the stored form of one deadline set member.
type deadlineEntry struct {
	DeadlineNS int64  `json:"deadline_ns"`
	Payload    []byte `json:"payload"`
}

type deadlineSet struct {
	db   *buntdb.DB
	name string
}

func (d *deadlineSet) prefix() string {
	return "d:" + d.name + ":"
}

func (d *deadlineSet) Set(key string, deadline time.Time, payload []byte) error {
	encoded, marshalErr := store.Marshal(deadlineEntry{
		DeadlineNS: deadline.UnixNano(),
		Payload:    payload,
	})
	if marshalErr != nil {
		return marshalErr
	}

	updateErr := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, setErr := tx.Set(d.prefix()+key, string(encoded), nil)

		return setErr
	})
	if updateErr != nil {
		return fmt.Errorf("deadlines set %s: %w", d.name, updateErr)
	}

	return nil
}

func (d *deadlineSet) Remove(key string) error {
	updateErr := d.db.Update(func(tx *buntdb.Tx) error {
		_, delErr := tx.Delete(d.prefix() + key)
		if delErr != nil && delErr != buntdb.ErrNotFound {
			return delErr
		}

		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("deadlines remove %s: %w", d.name, updateErr)
	}

	return nil
}

func (d *deadlineSet) PopExpired(now time.Time, limit int) ([]store.DeadlineEntry, error) {
	var due []store.DeadlineEntry

	updateErr := d.db.Update(func(tx *buntdb.Tx) error {
		var dueKeys []string

		iterErr := tx.AscendKeys(d.prefix()+"*", func(key, value string) bool {
			var entry deadlineEntry
			if decodeErr := store.Unmarshal([]byte(value), &entry); decodeErr != nil {
				return true
			}

			if entry.DeadlineNS > now.UnixNano() {
				return true
			}

			dueKeys = append(dueKeys, key)
			due = append(due, store.DeadlineEntry{
				Key:     key[len(d.prefix()):],
				Payload: entry.Payload,
			})

			return limit <= 0 || len(due) < limit
		})
		if iterErr != nil {
			return iterErr
		}

		for _, key := range dueKeys {
			if _, delErr := tx.Delete(key); delErr != nil && delErr != buntdb.ErrNotFound {
				return delErr
			}
		}

		return nil
	})
	if updateErr != nil {
		return nil, fmt.Errorf("deadlines pop %s: %w", d.name, updateErr)
	}

	return due, nil
}

func deletePrefix(db *buntdb.DB, prefix string, extra ...string) error {
	updateErr := db.Update(func(tx *buntdb.Tx) error {
		var keys []string

		iterErr := tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)

			return true
		})
		if iterErr != nil {
			return iterErr
		}

		keys = append(keys, extra...)

		for _, key := range keys {
			if _, delErr := tx.Delete(key); delErr != nil && delErr != buntdb.ErrNotFound {
				return delErr
			}
		}

		return nil
	})
	if updateErr != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, updateErr)
	}

	return nil
}
