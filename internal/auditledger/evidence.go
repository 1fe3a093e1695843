package auditledger

import (
	"encoding/binary"
	"time"
)

// PolicyEvidenceTTL is how long derived evidence stays queryable.
const PolicyEvidenceTTL = 24 * time.Hour

// Evidence is the short-lived derivative of a Record, purged lazily on
// every ledger interaction once it crosses its ExpiresAt.
type Evidence struct {
	Record    Record    `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

func evidenceOf(r Record) Evidence {
	return Evidence{Record: r, ExpiresAt: r.Timestamp.Add(PolicyEvidenceTTL)}
}

// evidenceKey sorts lexicographically by timestamp so a bucket scan
// naturally yields chronological order, with the record's UUID as a
// tiebreaker for same-microsecond events.
func evidenceKey(ts time.Time, id string) []byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UTC().UnixMicro()))
	return append(tsBuf[:], []byte(id)...)
}
