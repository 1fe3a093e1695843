// Package auditledger implements an append-only, hash-chained audit log:
// consent, exec, and supply-chain events are persisted to an embedded KV
// store (bbolt, using its bucket/ACID-transaction model) with a derived,
// time-bounded policy-evidence namespace.
package auditledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries  = []byte("entries")
	bucketMeta     = []byte("meta")
	bucketEvidence = []byte("evidence")

	metaLastHash     = []byte("last_hash")
	metaLastSequence = []byte("last_sequence")
)

// FallbackObserver is notified when the ledger has to fork onto its
// in-process fallback chain. TelemetryHub implements this to surface
// audit_fallback_count.
type FallbackObserver interface {
	IncrementAuditFallback()
}

// Ledger is the process-wide singleton audit log. All mutating calls are
// synchronous and expected to complete in milliseconds.
type Ledger struct {
	mu       sync.Mutex
	db       *bolt.DB
	fallback *memoryLedger
	onFallback FallbackObserver
	logger   *slog.Logger
}

// Open opens (or creates) the bbolt-backed ledger at path. If the store is
// already locked by another process, Open does not fail: it returns a
// Ledger running entirely on its in-process fallback chain so writes can
// still proceed.
func Open(path string, observer FallbackObserver) (*Ledger, error) {
	logger := slog.Default().With("component", "auditledger")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		logger.Warn("audit ledger store locked, falling back to in-process ledger", "path", path, "error", err)
		if observer != nil {
			observer.IncrementAuditFallback()
		}
		return &Ledger{
			fallback:   newMemoryLedger(),
			onFallback: observer,
			logger:     logger,
		}, nil
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMeta, bucketEvidence} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit ledger: %w", err)
	}

	return &Ledger{db: db, logger: logger, onFallback: observer}, nil
}

// Close releases the underlying store, if any (no-op for a fallback-only
// ledger).
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// UsingFallback reports whether this ledger is running its in-process
// chain because the primary store could not be acquired.
func (l *Ledger) UsingFallback() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db == nil
}

// Append writes a new record, chained to the previous one, and stores its
// derived policy evidence with a 24h TTL.
func (l *Ledger) Append(event Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return l.fallback.append(event), nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metadata := sortedMetadata(event.Metadata)
	id := uuid.NewString()

	var record Record
	err := l.db.Update(func(tx *bolt.Tx) error {
		purgeExpiredEvidenceTx(tx)

		entries := tx.Bucket(bucketEntries)
		meta := tx.Bucket(bucketMeta)
		evidence := tx.Bucket(bucketEvidence)

		seq, err := entries.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}

		prevHash := Genesis
		if v := meta.Get(metaLastHash); v != nil {
			prevHash = string(v)
		}

		hash := computeHash(id, seq, event.Timestamp, event.Kind, event.Actor, event.Action, event.Resource, metadata, prevHash)

		record = Record{
			ID:        id,
			Sequence:  seq,
			Version:   1,
			Kind:      event.Kind,
			Timestamp: event.Timestamp,
			Actor:     event.Actor,
			Action:    event.Action,
			Resource:  event.Resource,
			Metadata:  metadata,
			PrevHash:  prevHash,
			Hash:      hash,
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := entries.Put(sequenceKey(seq), data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		if err := meta.Put(metaLastHash, []byte(hash)); err != nil {
			return fmt.Errorf("put last_hash: %w", err)
		}
		if err := meta.Put(metaLastSequence, sequenceKey(seq)); err != nil {
			return fmt.Errorf("put last_sequence: %w", err)
		}

		ev := evidenceOf(record)
		evData, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		return evidence.Put(evidenceKey(record.Timestamp, record.ID), evData)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Export returns records in sequence order, optionally filtered to those
// with timestamp >= since.
func (l *Ledger) Export(since *time.Time) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return l.fallback.export(since), nil
	}

	var records []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if since != nil && r.Timestamp.Before(*since) {
				return nil
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// ExportPolicyEvidence purges expired evidence and returns what remains.
func (l *Ledger) ExportPolicyEvidence() ([]Evidence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return l.fallback.exportEvidence(), nil
	}

	var out []Evidence
	err := l.db.Update(func(tx *bolt.Tx) error {
		purgeExpiredEvidenceTx(tx)
		b := tx.Bucket(bucketEvidence)
		return b.ForEach(func(_, v []byte) error {
			var e Evidence
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func purgeExpiredEvidenceTx(tx *bolt.Tx) {
	b := tx.Bucket(bucketEvidence)
	now := time.Now()
	var stale [][]byte
	_ = b.ForEach(func(k, v []byte) error {
		var e Evidence
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		if now.After(e.ExpiresAt) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	for _, k := range stale {
		_ = b.Delete(k)
	}
}
