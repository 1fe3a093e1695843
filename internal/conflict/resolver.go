// Package conflict implements an in-memory multi-source conflict registry:
// a hold/release map keyed by conflict ID, released by an explicit
// decision rather than a signal.
package conflict

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resolution is the terminal (or pending) state of a ConflictEntry.
type Resolution string

const (
	Pending      Resolution = "Pending"
	AutoResolved Resolution = "AutoResolved"
	UserAccepted Resolution = "UserAccepted"
	UserRejected Resolution = "UserRejected"
)

// Source is one value a conflicting field was observed to hold.
type Source struct {
	Source     string    `json:"source"`
	Value      string    `json:"value"`
	TrustScore float64   `json:"trust_score"`
	Timestamp  time.Time `json:"timestamp"`
}

// Entry is a single multi-source conflict.
type Entry struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ReasonCodes []string   `json:"reason_codes"`
	Resolution  Resolution `json:"resolution"`
	Confidence  float64    `json:"confidence"`
	Sources     []Source   `json:"sources"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Resolver is the process-local registry: a mutex plus a map keyed by
// conflict id, since conflicts are ephemeral session state, not durable
// like the ledger.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{entries: make(map[string]*Entry)}
}

// Insert registers entry, assigning a UUID if it has none, and returns the
// stored copy.
func (r *Resolver) Insert(entry Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Resolution == "" {
		entry.Resolution = Pending
	}
	entry.LastUpdated = time.Now()
	stored := entry
	r.entries[entry.ID] = &stored
	return stored
}

// ListPending returns up to limit entries still in Pending resolution, in
// no particular guaranteed order beyond map iteration (callers needing a
// stable order should sort by LastUpdated). limit < 0 means unbounded.
func (r *Resolver) ListPending(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Resolution != Pending {
			continue
		}
		out = append(out, *e)
		if limit >= 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns the entry for id, if present.
func (r *Resolver) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ApplyDecision transitions a Pending entry to decision, stamping
// LastUpdated and recording confidence. Calling it again with the same
// decision on an already-resolved entry is a no-op that returns the
// current state; any other decision on an already-resolved entry is
// rejected.
func (r *Resolver) ApplyDecision(id string, decision Resolution, confidence float64) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("conflict %q not found", id)
	}

	if e.Resolution != Pending {
		if e.Resolution == decision {
			return *e, nil
		}
		return Entry{}, fmt.Errorf("conflict %q already resolved as %s, cannot apply %s", id, e.Resolution, decision)
	}

	e.Resolution = decision
	e.Confidence = confidence
	e.LastUpdated = time.Now()
	return *e, nil
}
