// Package redisstore implements the store capability set on Redis, the
// backend shared by all dispatcher workers in a deployment. Single-key
// operations map to single Redis commands; admit-under-cap runs as a Lua
// script so admission stays atomic under concurrent workers.
package redisstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"

	"github.com/scanforge/scanforge/internal/store"
)

// addLimitScript admits a member while the set is under the cap. Re-adding
// an existing member always succeeds, keeping admission idempotent.
const addLimitScript = `
if redis.call('sismember', KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call('scard', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('sadd', KEYS[1], ARGV[1])
	return 1
end
return 0
`

// Store is a Redis-backed implementation of [store.Store].
type Store struct {
	client *redis.Client
}

// New connects to the Redis instance at addr using the given database.
func New(addr string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingErr := client.Ping().Err()
	if pingErr != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, pingErr)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the client connection pool.
func (s *Store) Close() error {
	closeErr := s.client.Close()
	if closeErr != nil {
		return fmt.Errorf("close redis: %w", closeErr)
	}

	return nil
}

// Queue returns a named FIFO queue backed by a Redis list.
func (s *Store) Queue(name string) store.Queue {
	return &queue{client: s.client, key: name}
}

// Hash returns a named hash.
func (s *Store) Hash(name string) store.Hash {
	return &hash{client: s.client, key: name}
}

// ExpiringHash returns a hash whose key expires ttl after the most recent
// write.
func (s *Store) ExpiringHash(name string, ttl time.Duration) store.Hash {
	return &hash{client: s.client, key: name, ttl: ttl}
}

// Set returns a named set.
func (s *Store) Set(name string) store.Set {
	return &set{client: s.client, key: name}
}

// ExpiringSet returns a set whose key expires ttl after the most recent
// write.
func (s *Store) ExpiringSet(name string, ttl time.Duration) store.Set {
	return &set{client: s.client, key: name, ttl: ttl}
}

// Counter returns a named counter.
func (s *Store) Counter(name string) store.Counter {
	return &counter{client: s.client, key: "counter-" + name}
}

// Deadlines returns a deadline set backed by a sorted set plus a payload
// hash.
func (s *Store) Deadlines(name string) store.DeadlineSet {
	return &deadlineSet{
		client:  s.client,
		zsetKey: "deadline-" + name,
		dataKey: "deadline-data-" + name,
	}
}

type queue struct {
	client *redis.Client
	key    string
}

func (q *queue) Push(payload []byte) error {
	pushErr := q.client.RPush(q.key, payload).Err()
	if pushErr != nil {
		return fmt.Errorf("queue push %s: %w", q.key, pushErr)
	}

	return nil
}

func (q *queue) Pop(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		value, popErr := q.client.LPop(q.key).Result()
		if popErr == redis.Nil {
			return nil, nil
		}

		if popErr != nil {
			return nil, fmt.Errorf("queue pop %s: %w", q.key, popErr)
		}

		return []byte(value), nil
	}

	values, popErr := q.client.BLPop(timeout, q.key).Result()
	if popErr == redis.Nil {
		return nil, nil
	}

	if popErr != nil {
		return nil, fmt.Errorf("queue pop %s: %w", q.key, popErr)
	}

	// BLPOP returns [key, value].
	if len(values) < 2 {
		return nil, nil
	}

	return []byte(values[1]), nil
}

func (q *queue) Length() (int64, error) {
	n, lenErr := q.client.LLen(q.key).Result()
	if lenErr != nil {
		return 0, fmt.Errorf("queue length %s: %w", q.key, lenErr)
	}

	return n, nil
}

func (q *queue) Delete() error {
	delErr := q.client.Del(q.key).Err()
	if delErr != nil {
		return fmt.Errorf("queue delete %s: %w", q.key, delErr)
	}

	return nil
}

type hash struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func (h *hash) refresh() {
	if h.ttl > 0 {
		h.client.Expire(h.key, h.ttl)
	}
}

func (h *hash) Set(field string, value []byte) error {
	setErr := h.client.HSet(h.key, field, value).Err()
	if setErr != nil {
		return fmt.Errorf("hash set %s: %w", h.key, setErr)
	}

	h.refresh()

	return nil
}

func (h *hash) SetIfAbsent(field string, value []byte) (bool, error) {
	wrote, setErr := h.client.HSetNX(h.key, field, value).Result()
	if setErr != nil {
		return false, fmt.Errorf("hash setnx %s: %w", h.key, setErr)
	}

	h.refresh()

	return wrote, nil
}

func (h *hash) Get(field string) ([]byte, bool, error) {
	value, getErr := h.client.HGet(h.key, field).Result()
	if getErr == redis.Nil {
		return nil, false, nil
	}

	if getErr != nil {
		return nil, false, fmt.Errorf("hash get %s: %w", h.key, getErr)
	}

	return []byte(value), true, nil
}

func (h *hash) GetAll() (map[string][]byte, error) {
	values, getErr := h.client.HGetAll(h.key).Result()
	if getErr != nil {
		return nil, fmt.Errorf("hash getall %s: %w", h.key, getErr)
	}

	out := make(map[string][]byte, len(values))
	for field, value := range values {
		out[field] = []byte(value)
	}

	return out, nil
}

func (h *hash) Exists(field string) (bool, error) {
	found, existsErr := h.client.HExists(h.key, field).Result()
	if existsErr != nil {
		return false, fmt.Errorf("hash exists %s: %w", h.key, existsErr)
	}

	return found, nil
}

func (h *hash) Pop(field string) ([]byte, bool, error) {
	value, found, getErr := h.Get(field)
	if getErr != nil || !found {
		return nil, false, getErr
	}

	removed, delErr := h.client.HDel(h.key, field).Result()
	if delErr != nil {
		return nil, false, fmt.Errorf("hash pop %s: %w", h.key, delErr)
	}

	// Lost the race against another popper.
	if removed == 0 {
		return nil, false, nil
	}

	return value, true, nil
}

func (h *hash) Increment(field string, delta int64) (int64, error) {
	next, incrErr := h.client.HIncrBy(h.key, field, delta).Result()
	if incrErr != nil {
		return 0, fmt.Errorf("hash incr %s: %w", h.key, incrErr)
	}

	h.refresh()

	return next, nil
}

func (h *hash) Remove(fields ...string) error {
	delErr := h.client.HDel(h.key, fields...).Err()
	if delErr != nil {
		return fmt.Errorf("hash remove %s: %w", h.key, delErr)
	}

	return nil
}

func (h *hash) Length() (int64, error) {
	n, lenErr := h.client.HLen(h.key).Result()
	if lenErr != nil {
		return 0, fmt.Errorf("hash length %s: %w", h.key, lenErr)
	}

	return n, nil
}

func (h *hash) Delete() error {
	delErr := h.client.Del(h.key).Err()
	if delErr != nil {
		return fmt.Errorf("hash delete %s: %w", h.key, delErr)
	}

	return nil
}

type set struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func (s *set) refresh() {
	if s.ttl > 0 {
		s.client.Expire(s.key, s.ttl)
	}
}

func (s *set) Add(members ...string) error {
	values := make([]interface{}, len(members))
	for i, member := range members {
		values[i] = member
	}

	addErr := s.client.SAdd(s.key, values...).Err()
	if addErr != nil {
		return fmt.Errorf("set add %s: %w", s.key, addErr)
	}

	s.refresh()

	return nil
}

func (s *set) AddLimit(member string, limit int64) (bool, error) {
	result, evalErr := s.client.Eval(addLimitScript, []string{s.key}, member, limit).Result()
	if evalErr != nil {
		return false, fmt.Errorf("set addlimit %s: %w", s.key, evalErr)
	}

	s.refresh()

	admitted, _ := result.(int64)

	return admitted == 1, nil
}

func (s *set) Members() ([]string, error) {
	members, membersErr := s.client.SMembers(s.key).Result()
	if membersErr != nil {
		return nil, fmt.Errorf("set members %s: %w", s.key, membersErr)
	}

	return members, nil
}

func (s *set) Exists(member string) (bool, error) {
	found, existsErr := s.client.SIsMember(s.key, member).Result()
	if existsErr != nil {
		return false, fmt.Errorf("set exists %s: %w", s.key, existsErr)
	}

	return found, nil
}

func (s *set) Card() (int64, error) {
	n, cardErr := s.client.SCard(s.key).Result()
	if cardErr != nil {
		return 0, fmt.Errorf("set card %s: %w", s.key, cardErr)
	}

	return n, nil
}

func (s *set) Remove(members ...string) error {
	values := make([]interface{}, len(members))
	for i, member := range members {
		values[i] = member
	}

	remErr := s.client.SRem(s.key, values...).Err()
	if remErr != nil {
		return fmt.Errorf("set remove %s: %w", s.key, remErr)
	}

	return nil
}

func (s *set) Delete() error {
	delErr := s.client.Del(s.key).Err()
	if delErr != nil {
		return fmt.Errorf("set delete %s: %w", s.key, delErr)
	}

	return nil
}

type counter struct {
	client *redis.Client
	key    string
}

func (c *counter) Increment(delta int64) (int64, error) {
	next, incrErr := c.client.IncrBy(c.key, delta).Result()
	if incrErr != nil {
		return 0, fmt.Errorf("counter incr %s: %w", c.key, incrErr)
	}

	return next, nil
}

type deadlineSet struct {
	client  *redis.Client
	zsetKey string
	dataKey string
}

func (d *deadlineSet) Set(key string, deadline time.Time, payload []byte) error {
	addErr := d.client.ZAdd(d.zsetKey, redis.Z{
		Score:  float64(deadline.UnixNano()),
		Member: key,
	}).Err()
	if addErr != nil {
		return fmt.Errorf("deadlines set %s: %w", d.zsetKey, addErr)
	}

	setErr := d.client.HSet(d.dataKey, key, payload).Err()
	if setErr != nil {
		return fmt.Errorf("deadlines set %s: %w", d.dataKey, setErr)
	}

	return nil
}

func (d *deadlineSet) Remove(key string) error {
	remErr := d.client.ZRem(d.zsetKey, key).Err()
	if remErr != nil {
		return fmt.Errorf("deadlines remove %s: %w", d.zsetKey, remErr)
	}

	delErr := d.client.HDel(d.dataKey, key).Err()
	if delErr != nil {
		return fmt.Errorf("deadlines remove %s: %w", d.dataKey, delErr)
	}

	return nil
}

func (d *deadlineSet) PopExpired(now time.Time, limit int) ([]store.DeadlineEntry, error) {
	rangeBy := redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}

	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	keys, rangeErr := d.client.ZRangeByScore(d.zsetKey, rangeBy).Result()
	if rangeErr != nil {
		return nil, fmt.Errorf("deadlines pop %s: %w", d.zsetKey, rangeErr)
	}

	var due []store.DeadlineEntry

	for _, key := range keys {
		// Only the worker that wins the removal delivers the entry.
		removed, remErr := d.client.ZRem(d.zsetKey, key).Result()
		if remErr != nil {
			return due, fmt.Errorf("deadlines pop %s: %w", d.zsetKey, remErr)
		}

		if removed == 0 {
			continue
		}

		payload, getErr := d.client.HGet(d.dataKey, key).Result()
		if getErr != nil && getErr != redis.Nil {
			return due, fmt.Errorf("deadlines pop %s: %w", d.dataKey, getErr)
		}

		d.client.HDel(d.dataKey, key)

		due = append(due, store.DeadlineEntry{Key: key, Payload: []byte(payload)})
	}

	return due, nil
}
