package retryqueue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueuePeekOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	defer q.Close()

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue("cmd", nil, 3)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	items, err := q.Peek(-1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		require.Equal(t, ids[i], item.ID)
	}
}

func TestRecordAttemptExhaustsRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Enqueue("cmd", nil, 2)
	require.NoError(t, err)

	require.NoError(t, q.RecordAttempt(id))
	require.NoError(t, q.RecordAttempt(id))

	items, err := q.Peek(-1)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestDrainReadyRemovesItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("cmd", nil, 3)
		require.NoError(t, err)
	}

	drained, err := q.DrainReady(2)
	require.NoError(t, err)
	require.Len(t, drained, 2)

	remaining, err := q.Peek(-1)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue("cmd", nil, 3)
		require.NoError(t, err)
	}
	drained, err := q.DrainReady(1)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	remaining, err := q2.Peek(-1)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
}
