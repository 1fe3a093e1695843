// Package retryqueue implements a durable FIFO of offline/attempted
// commands, backed by the same embedded-KV idiom as auditledger and
// rescache.
package retryqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketItems = []byte("items")

// Item is a single queued command.
type Item struct {
	ID          uint64          `json:"id"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
}

// CanRetry reports whether this item is still eligible to be drained.
func (it Item) CanRetry() bool { return it.Attempts < it.MaxAttempts }

// Queue is the bbolt-backed FIFO. DefaultMaxAttempts is applied when
// Enqueue is called with maxAttempts <= 0.
type Queue struct {
	mu sync.Mutex
	db *bolt.DB

	DefaultMaxAttempts int
}

// Open opens (or creates) the queue's store at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize retry queue: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying store.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends a new item keyed by a monotonic, big-endian u64 id.
func (q *Queue) Enqueue(command string, payload json.RawMessage, maxAttempts int) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = q.DefaultMaxAttempts
	}

	var id uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		item := Item{ID: id, Command: command, Payload: payload, MaxAttempts: maxAttempts}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal retry item: %w", err)
		}
		return b.Put(idKey(id), data)
	})
	return id, err
}

// Peek returns up to n items still CanRetry, in enqueue order, without
// removing them.
func (q *Queue) Peek(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if n >= 0 && len(out) >= n {
				break
			}
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.CanRetry() {
				out = append(out, item)
			}
		}
		return nil
	})
	return out, err
}

// RecordAttempt increments attempts and stamps last_attempt for id.
func (q *Queue) RecordAttempt(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		raw := b.Get(idKey(id))
		if raw == nil {
			return fmt.Errorf("retry item %d not found", id)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		item.Attempts++
		now := time.Now()
		item.LastAttempt = &now
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), data)
	})
}

// DrainReady atomically removes and returns up to n retryable items. The
// caller owns re-enqueueing on failure or discarding on success.
func (q *Queue) DrainReady(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if n >= 0 && len(out) >= n {
				break
			}
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.CanRetry() {
				out = append(out, item)
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func idKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}
