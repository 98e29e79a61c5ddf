// Package watcher implements the timeout watchdog: a touched key carries a
// TTL and a message; when the TTL elapses without another touch, the
// message is re-pushed onto its queue. The dispatcher touches its
// submissions on every pass, so only wedged submissions get redelivered.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scanforge/scanforge/internal/store"
)

// deadlinesName is the deadline set holding pending watchdog entries.
const deadlinesName = "watch-queue"

// defaultInterval is how often the server scans for due entries.
const defaultInterval = time.Second

// deliveryBatch bounds how many entries one scan delivers.
const deliveryBatch = 100

// touchPayload is the stored body of one watchdog entry.
type touchPayload struct {
	Queue   string `json:"queue"`
	Message []byte `json:"message"`
}

// Client arms and clears watchdog entries.
type Client struct {
	deadlines store.DeadlineSet
}

// NewClient creates a watchdog client on the given store.
func NewClient(s store.Store) *Client {
	return &Client{deadlines: s.Deadlines(deadlinesName)}
}

// Touch arms (or re-arms) the entry for key: unless touched again within
// ttl, message is pushed onto queue. Touch is idempotent; the latest call
// wins.
func (c *Client) Touch(key string, ttl time.Duration, queue string, message []byte) error {
	encoded, marshalErr := store.Marshal(touchPayload{Queue: queue, Message: message})
	if marshalErr != nil {
		return marshalErr
	}

	touchErr := c.deadlines.Set(key, time.Now().Add(ttl), encoded)
	if touchErr != nil {
		return fmt.Errorf("touch %s: %w", key, touchErr)
	}

	return nil
}

// Clear removes the entry for key, if any.
func (c *Client) Clear(key string) error {
	clearErr := c.deadlines.Remove(key)
	if clearErr != nil {
		return fmt.Errorf("clear %s: %w", key, clearErr)
	}

	return nil
}

// Server delivers due watchdog entries back onto their queues.
type Server struct {
	store     store.Store
	deadlines store.DeadlineSet
	log       *slog.Logger
	interval  time.Duration
}

// NewServer creates a watchdog delivery server.
func NewServer(s store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		store:     s,
		deadlines: s.Deadlines(deadlinesName),
		log:       log,
		interval:  defaultInterval,
	}
}

// Run scans for due entries until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			delivered, runErr := s.RunOnce(now)
			if runErr != nil {
				s.log.WarnContext(ctx, "watchdog delivery pass failed", "error", runErr)

				continue
			}

			if delivered > 0 {
				s.log.InfoContext(ctx, "watchdog redelivered messages", "count", delivered)
			}
		}
	}
}

// RunOnce delivers every entry due at now and returns how many were
// delivered. Delivery failures re-arm the entry so no message is lost.
func (s *Server) RunOnce(now time.Time) (int, error) {
	due, popErr := s.deadlines.PopExpired(now, deliveryBatch)
	if popErr != nil {
		return 0, popErr
	}

	delivered := 0

	for _, entry := range due {
		var payload touchPayload

		decodeErr := store.Unmarshal(entry.Payload, &payload)
		if decodeErr != nil {
			s.log.Warn("dropping undecodable watchdog entry", "key", entry.Key, "error", decodeErr)

			continue
		}

		pushErr := s.store.Queue(payload.Queue).Push(payload.Message)
		if pushErr != nil {
			// Re-arm immediately; the next pass retries.
			_ = s.deadlines.Set(entry.Key, now, entry.Payload)

			return delivered, fmt.Errorf("redeliver %s: %w", entry.Key, pushErr)
		}

		delivered++
	}

	return delivered, nil
}
