package auditledger

import (
	"time"

	"github.com/google/uuid"
)

// memoryLedger is the in-process chain used when the primary bbolt store
// is locked by another process. It intentionally does not chain to the
// primary: it starts its own GENESIS and is a self-consistent fork for
// the lifetime of the process.
type memoryLedger struct {
	records  []Record
	evidence []Evidence
	lastHash string
	sequence uint64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{lastHash: Genesis}
}

func (m *memoryLedger) append(event Event) Record {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	m.sequence++
	id := uuid.NewString()
	metadata := sortedMetadata(event.Metadata)
	hash := computeHash(id, m.sequence, event.Timestamp, event.Kind, event.Actor, event.Action, event.Resource, metadata, m.lastHash)

	record := Record{
		ID:        id,
		Sequence:  m.sequence,
		Version:   1,
		Kind:      event.Kind,
		Timestamp: event.Timestamp,
		Actor:     event.Actor,
		Action:    event.Action,
		Resource:  event.Resource,
		Metadata:  metadata,
		PrevHash:  m.lastHash,
		Hash:      hash,
	}
	m.lastHash = hash
	m.records = append(m.records, record)
	m.evidence = append(m.evidence, evidenceOf(record))
	return record
}

func (m *memoryLedger) export(since *time.Time) []Record {
	if since == nil {
		out := make([]Record, len(m.records))
		copy(out, m.records)
		return out
	}
	var out []Record
	for _, r := range m.records {
		if !r.Timestamp.Before(*since) {
			out = append(out, r)
		}
	}
	return out
}

func (m *memoryLedger) exportEvidence() []Evidence {
	now := time.Now()
	live := m.evidence[:0:0]
	for _, e := range m.evidence {
		if now.Before(e.ExpiresAt) {
			live = append(live, e)
		}
	}
	m.evidence = live
	out := make([]Evidence, len(live))
	copy(out, live)
	return out
}
