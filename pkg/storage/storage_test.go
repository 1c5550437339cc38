package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	bolt, err := NewBoltBackend(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	badgerDB, err := NewBadgerBackend("")
	require.NoError(t, err)
	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)

	backends := map[string]Backend{
		"bolt":   bolt,
		"badger": badgerDB,
		"sqlite": sqlite,
		"memory": NewMemoryBackend(),
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestBackendGetMissing(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(BucketNodes, []byte("missing"))
			assert.True(t, errors.Is(err, ErrKeyNotFound))
		})
	}
}

func TestBackendApplyAndScan(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			batch := &Batch{}
			batch.Put(BucketChildByParent, []byte("p1/a"), []byte("1"))
			batch.Put(BucketChildByParent, []byte("p1/b"), []byte("2"))
			batch.Put(BucketChildByParent, []byte("p2/a"), []byte("3"))
			batch.Put(BucketNodes, []byte("p1/a"), []byte("other bucket"))
			require.NoError(t, b.Apply(batch))

			var keys []string
			err := b.Scan(BucketChildByParent, []byte("p1/"), func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"p1/a", "p1/b"}, keys)

			del := &Batch{}
			del.Delete(BucketChildByParent, []byte("p1/a"))
			del.Put(BucketChildByParent, []byte("p1/b"), []byte("22"))
			require.NoError(t, b.Apply(del))

			_, err = b.Get(BucketChildByParent, []byte("p1/a"))
			assert.True(t, errors.Is(err, ErrKeyNotFound))
			v, err := b.Get(BucketChildByParent, []byte("p1/b"))
			require.NoError(t, err)
			assert.Equal(t, "22", string(v))

			v, err = b.Get(BucketNodes, []byte("p1/a"))
			require.NoError(t, err)
			assert.Equal(t, "other bucket", string(v))
		})
	}
}

func TestBackendScanStopsOnError(t *testing.T) {
	stop := errors.New("stop")
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			batch := &Batch{}
			batch.Put(BucketTxns, []byte{0x01}, []byte("a"))
			batch.Put(BucketTxns, []byte{0x02}, []byte("b"))
			require.NoError(t, b.Apply(batch))

			count := 0
			err := b.Scan(BucketTxns, nil, func(k, v []byte) error {
				count++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, count)
		})
	}
}

func TestBackendSequenceIsMonotonic(t *testing.T) {
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			seen := make(chan uint64, 40)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						n, err := b.NextSequence("txn")
						assert.NoError(t, err)
						seen <- n
					}
				}()
			}
			wg.Wait()
			close(seen)

			unique := make(map[uint64]bool)
			for n := range seen {
				unique[n] = true
			}
			assert.Len(t, unique, 40)
			assert.True(t, unique[1])
			assert.True(t, unique[40])
		})
	}
}

func TestCopy(t *testing.T) {
	src := NewMemoryBackend()
	batch := &Batch{}
	batch.Put(BucketNodes, []byte("n1"), []byte("node"))
	batch.Put(BucketStores, []byte("s1"), []byte("store"))
	require.NoError(t, src.Apply(batch))
	_, err := src.NextSequence("node")
	require.NoError(t, err)

	dst, err := NewBoltBackend(filepath.Join(t.TempDir(), "copy.db"))
	require.NoError(t, err)
	defer dst.Close()

	n, err := Copy(dst, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	next, err := dst.NextSequence("node")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab"), prefixEnd([]byte("aa")))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
	assert.Nil(t, prefixEnd(nil))
}
