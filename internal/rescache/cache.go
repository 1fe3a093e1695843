// Package rescache implements an encrypted-at-rest resilience cache: a
// TTL'd KV store backing the persona kernel's cached suggestions, with
// optional XChaCha20-Poly1305 encryption and snapshot/hydrate support
// for warm restarts.
package rescache

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

var bucketCache = []byte("cache")

// DefaultTTL is used when a caller doesn't specify one.
const DefaultTTL = 15 * time.Minute

// Record is the envelope stored for every key.
type Record struct {
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	HitCount  uint64     `json:"hit_count"`
	Version   int        `json:"version"`
}

func (r Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// HitObserver lets TelemetryHub track cache hit ratio without rescache
// importing the telemetry package.
type HitObserver interface {
	ObserveCacheHit()
	ObserveCacheMiss()
}

// Cache is the embedded-KV-backed resilience cache. A 32-byte key enables
// XChaCha20-Poly1305 encryption at rest; without one, payloads are stored
// plain.
type Cache struct {
	mu       sync.Mutex
	db       *bolt.DB
	aead     interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	observer HitObserver

	// TTLDefault replaces DefaultTTL for Put calls with ttl == 0 when set.
	TTLDefault time.Duration
}

// Open opens (or creates) the bbolt-backed cache at path. key must be nil
// or exactly 32 bytes.
func Open(path string, key []byte, observer HitObserver) (*Cache, error) {
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("rescache: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open resilience cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize resilience cache: %w", err)
	}

	c := &Cache{db: db, observer: observer}
	if key != nil {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init aead: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error { return c.db.Close() }

// Put serializes payload into a Record and writes it, encrypting when a
// key is configured. ttl of zero uses DefaultTTL; a negative ttl means
// "never expires".
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) error {
	now := time.Now()
	rec := Record{Payload: payload, CreatedAt: now, Version: 1}
	if ttl == 0 && c.TTLDefault != 0 {
		ttl = c.TTLDefault
	}
	switch {
	case ttl == 0:
		exp := now.Add(DefaultTTL)
		rec.ExpiresAt = &exp
	case ttl > 0:
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	data, err := c.encode(rec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(key), data)
	})
}

// Get reads, decrypts, and deserializes the record for key. If it has
// expired it is removed and a miss is reported; otherwise hit_count is
// incremented in place.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	var found bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		rec, err := c.decode(raw)
		if err != nil {
			return err
		}
		if rec.expired(time.Now()) {
			return b.Delete([]byte(key))
		}
		found = true
		payload = rec.Payload
		rec.HitCount++
		data, err := c.encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, err
	}
	if c.observer != nil {
		if found {
			c.observer.ObserveCacheHit()
		} else {
			c.observer.ObserveCacheMiss()
		}
	}
	return payload, found, nil
}

// PruneExpired scans the store and removes any record past its ExpiresAt.
func (c *Cache) PruneExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			rec, err := c.decode(v)
			if err != nil {
				return err
			}
			if rec.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// SnapshotEntry is one (key, encoded record) pair as returned by Snapshot.
type SnapshotEntry struct {
	Key  string
	Data []byte
}

// Snapshot dumps the raw on-disk encoding of every entry, for hydrate-on-
// restart flows.
func (c *Cache) Snapshot() ([]SnapshotEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []SnapshotEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(k, v []byte) error {
			out = append(out, SnapshotEntry{Key: string(k), Data: append([]byte(nil), v...)})
			return nil
		})
	})
	return out, err
}

// Hydrate clears the store and reinserts every entry from snapshot.
func (c *Cache) Hydrate(snapshot []SnapshotEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCache); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketCache)
		if err != nil {
			return err
		}
		for _, entry := range snapshot {
			if err := b.Put([]byte(entry.Key), entry.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) encode(rec Record) ([]byte, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal cache record: %w", err)
	}
	if c.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plain, nil)
	return append(nonce, sealed...), nil
}

func (c *Cache) decode(data []byte) (Record, error) {
	if c.aead == nil {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return Record{}, fmt.Errorf("unmarshal cache record: %w", err)
		}
		return rec, nil
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return Record{}, fmt.Errorf("cache record too short for nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Record{}, fmt.Errorf("decrypt cache record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal cache record: %w", err)
	}
	return rec, nil
}
