package rescache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, key []byte) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path, key, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetRoundTripPlain(t *testing.T) {
	c := openTestCache(t, nil)
	require.NoError(t, c.Put("k1", []byte("hello"), time.Minute))

	payload, found, err := c.Get("k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), payload)
}

func TestPutGetRoundTripEncrypted(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c := openTestCache(t, key)
	require.NoError(t, c.Put("k1", []byte("secret payload"), time.Minute))

	payload, found, err := c.Get("k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("secret payload"), payload)
}

func TestTTLExpiry(t *testing.T) {
	c := openTestCache(t, nil)
	require.NoError(t, c.Put("k1", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, found, err := c.Get("k1")
	require.NoError(t, err)
	require.False(t, found)
}

type hitCounter struct{ hits, misses int }

func (h *hitCounter) ObserveCacheHit()  { h.hits++ }
func (h *hitCounter) ObserveCacheMiss() { h.misses++ }

func TestHitCountIncrementsOnlyOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	obs := &hitCounter{}
	c, err := Open(path, nil, obs)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("k1", []byte("v"), time.Minute))
	_, _, _ = c.Get("k1")
	_, _, _ = c.Get("missing")

	require.Equal(t, 1, obs.hits)
	require.Equal(t, 1, obs.misses)
}

func TestSnapshotHydrate(t *testing.T) {
	c := openTestCache(t, nil)
	require.NoError(t, c.Put("a", []byte("1"), time.Minute))
	require.NoError(t, c.Put("b", []byte("2"), time.Minute))

	snap, err := c.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)

	path2 := filepath.Join(t.TempDir(), "cache2.db")
	c2, err := Open(path2, nil, nil)
	require.NoError(t, err)
	defer c2.Close()

	require.NoError(t, c2.Hydrate(snap))
	payload, found, err := c2.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), payload)
}

func TestPruneExpired(t *testing.T) {
	c := openTestCache(t, nil)
	require.NoError(t, c.Put("a", []byte("1"), time.Millisecond))
	require.NoError(t, c.Put("b", []byte("2"), time.Hour))
	time.Sleep(5 * time.Millisecond)

	removed, err := c.PruneExpired()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
