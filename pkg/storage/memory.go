package storage

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// MemoryBackend keeps every bucket in an in-memory B-tree. It is used by
// tests and by the "memory" backend kind.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]*btree.Map[string, []byte]
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	mb := &MemoryBackend{
		buckets: make(map[string]*btree.Map[string, []byte], len(Buckets)),
	}
	for _, name := range Buckets {
		mb.buckets[name] = btree.NewMap[string, []byte](0) // degree 0 = auto-optimize
	}
	return mb
}

func (mb *MemoryBackend) Name() string {
	return string(KindMemory)
}

func (mb *MemoryBackend) Close() error {
	return nil
}

func (mb *MemoryBackend) bucket(name string) (*btree.Map[string, []byte], error) {
	b, ok := mb.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket not found: %s", name)
	}
	return b, nil
}

func (mb *MemoryBackend) Get(bucket string, key []byte) ([]byte, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	b, err := mb.bucket(bucket)
	if err != nil {
		return nil, err
	}
	v, ok := b.Get(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyBytes(v), nil
}

func (mb *MemoryBackend) Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	mb.mu.RLock()
	b, err := mb.bucket(bucket)
	if err != nil {
		mb.mu.RUnlock()
		return err
	}
	// Snapshot the matching range so fn may write back
	type kv struct{ k, v []byte }
	var entries []kv
	p := string(prefix)
	b.Ascend(p, func(k string, v []byte) bool {
		if !strings.HasPrefix(k, p) {
			return false
		}
		entries = append(entries, kv{[]byte(k), copyBytes(v)})
		return true
	})
	mb.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (mb *MemoryBackend) Apply(batch *Batch) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for _, op := range batch.Ops {
		if _, err := mb.bucket(op.Bucket); err != nil {
			return err
		}
	}
	for _, op := range batch.Ops {
		b := mb.buckets[op.Bucket]
		switch op.Kind {
		case OpPut:
			b.Set(string(op.Key), copyBytes(op.Value))
		case OpDelete:
			b.Delete(string(op.Key))
		}
	}
	return nil
}

func (mb *MemoryBackend) NextSequence(name string) (uint64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	b := mb.buckets[BucketSequences]
	var next uint64
	if data, ok := b.Get(name); ok && len(data) == 8 {
		next = binary.BigEndian.Uint64(data)
	}
	next++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	b.Set(name, buf)
	return next, nil
}
