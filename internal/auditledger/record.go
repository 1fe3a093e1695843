package auditledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"
)

// Kind classifies what an audit event describes.
type Kind string

const (
	KindConsent      Kind = "consent"
	KindSandboxExec  Kind = "sandbox_exec"
	KindSupplyChain  Kind = "supply_chain"
)

// Genesis is the prev_hash value of the first record in a chain.
const Genesis = "GENESIS"

// KV is a sorted {key, value} pair, used so AuditRecord.Metadata hashes and
// serializes identically regardless of map iteration order.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is the pre-ledger shape a caller submits to Append.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Actor     string
	Action    string
	Resource  string
	Metadata  map[string]string
}

// Record is the post-ledger, hash-chained shape returned by Append and
// Export. Sequence is strictly increasing and gap-free except across a
// fallback-ledger fork (see fallback.go).
type Record struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"sequence"`
	Version   int    `json:"version"`
	Kind      Kind   `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Metadata  []KV   `json:"metadata"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

func sortedMetadata(m map[string]string) []KV {
	if len(m) == 0 {
		return nil
	}
	kv := make([]KV, 0, len(m))
	for k, v := range m {
		kv = append(kv, KV{Key: k, Value: v})
	}
	sort.Slice(kv, func(i, j int) bool { return kv[i].Key < kv[j].Key })
	return kv
}

// computeHash chains each record to its predecessor:
// SHA-256( id ‖ seq_be ‖ ts_micros_be ‖ kind_label ‖ actor ‖ action ‖
// resource ‖ Σ(key‖value sorted) ‖ prev_hash ), hex.
func computeHash(id string, sequence uint64, ts time.Time, kind Kind, actor, action, resource string, metadata []KV, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(id))

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	h.Write(seqBuf[:])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UTC().UnixMicro()))
	h.Write(tsBuf[:])

	h.Write([]byte(kind))
	h.Write([]byte(actor))
	h.Write([]byte(action))
	h.Write([]byte(resource))
	for _, kv := range metadata {
		h.Write([]byte(kv.Key))
		h.Write([]byte(kv.Value))
	}
	h.Write([]byte(prevHash))

	return hex.EncodeToString(h.Sum(nil))
}

func sequenceKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}
