package auditledger

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendChainsHashes(t *testing.T) {
	l := openTestLedger(t)

	r1, err := l.Append(Event{Kind: KindConsent, Actor: "alice", Action: "approve", Resource: "pack:a"})
	require.NoError(t, err)
	require.Equal(t, Genesis, r1.PrevHash)

	r2, err := l.Append(Event{Kind: KindSandboxExec, Actor: "alice", Action: "exec", Resource: "cwd"})
	require.NoError(t, err)

	require.Equal(t, r1.Hash, r2.PrevHash)
	require.Greater(t, r2.Sequence, r1.Sequence)
}

func TestExportOrderAndFilter(t *testing.T) {
	l := openTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(Event{Kind: KindConsent, Actor: "a", Action: "x", Resource: "r"})
		require.NoError(t, err)
	}

	records, err := l.Export(nil)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i := 1; i < len(records); i++ {
		require.Greater(t, records[i].Sequence, records[i-1].Sequence)
		require.Equal(t, records[i-1].Hash, records[i].PrevHash)
	}

	since := records[3].Timestamp
	filtered, err := l.Export(&since)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
}

func TestPolicyEvidenceExpires(t *testing.T) {
	l := openTestLedger(t)
	r, err := l.Append(Event{Kind: KindConsent, Actor: "a", Action: "x", Resource: "r", Timestamp: time.Now().Add(-25 * time.Hour)})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	evidence, err := l.ExportPolicyEvidence()
	require.NoError(t, err)
	for _, e := range evidence {
		require.NotEqual(t, r.ID, e.Record.ID)
	}
}

func TestConcurrentAppendProducesContiguousChain(t *testing.T) {
	l := openTestLedger(t)

	var wg sync.WaitGroup
	const perWorker = 50
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Append(Event{Kind: KindConsent, Actor: "w", Action: "x", Resource: "r"})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	records, err := l.Export(nil)
	require.NoError(t, err)
	require.Len(t, records, 2*perWorker)
	for i := 1; i < len(records); i++ {
		require.Equal(t, records[i-1].Sequence+1, records[i].Sequence)
		require.Equal(t, records[i-1].Hash, records[i].PrevHash)
	}
}

type fakeObserver struct{ count int }

func (f *fakeObserver) IncrementAuditFallback() { f.count++ }

func TestFallbackWhenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	primary, err := Open(path, nil)
	require.NoError(t, err)
	defer primary.Close()

	obs := &fakeObserver{}
	secondary, err := Open(path, obs)
	require.NoError(t, err)
	require.True(t, secondary.UsingFallback())
	require.Equal(t, 1, obs.count)

	r, err := secondary.Append(Event{Kind: KindConsent, Actor: "a", Action: "x", Resource: "r"})
	require.NoError(t, err)
	require.Equal(t, Genesis, r.PrevHash)
}
