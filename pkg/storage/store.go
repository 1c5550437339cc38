package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrKeyNotFound is returned by Get when the key is absent
var ErrKeyNotFound = errors.New("key not found")

// Bucket names
const (
	BucketStores        = "stores"
	BucketNodes         = "nodes"
	BucketChildAssocs   = "child_assocs"
	BucketChildByParent = "child_by_parent"
	BucketChildByChild  = "child_by_child"
	BucketChildNames    = "child_names"
	BucketPeerAssocs    = "peer_assocs"
	BucketPeerBySource  = "peer_by_source"
	BucketPeerByTarget  = "peer_by_target"
	BucketContentURLs   = "content_urls"
	BucketTxns          = "txns"
	BucketParentStamps  = "parent_stamps"
	BucketSequences     = "sequences"
)

// Buckets lists every bucket a backend must provide
var Buckets = []string{
	BucketStores,
	BucketNodes,
	BucketChildAssocs,
	BucketChildByParent,
	BucketChildByChild,
	BucketChildNames,
	BucketPeerAssocs,
	BucketPeerBySource,
	BucketPeerByTarget,
	BucketContentURLs,
	BucketTxns,
	BucketParentStamps,
	BucketSequences,
}

// Backend is an ordered key-value store partitioned into buckets.
// Returned byte slices are owned by the caller.
type Backend interface {
	// Get returns the value for key or ErrKeyNotFound
	Get(bucket string, key []byte) ([]byte, error)

	// Scan calls fn for every key with the given prefix in key order.
	// Returning a non-nil error from fn stops the scan and is returned.
	Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error

	// Apply writes the batch atomically
	Apply(batch *Batch) error

	// NextSequence atomically increments and returns a named counter.
	// Sequences are not part of any batch.
	NextSequence(name string) (uint64, error)

	Name() string
	Close() error
}

// OpKind distinguishes puts from deletes in a batch
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single batch mutation
type Op struct {
	Kind   OpKind
	Bucket string
	Key    []byte
	Value  []byte
}

// Batch collects mutations that are applied together
type Batch struct {
	Ops []Op
}

// Put queues a write
func (b *Batch) Put(bucket string, key, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpPut, Bucket: bucket, Key: key, Value: value})
}

// Delete queues a removal
func (b *Batch) Delete(bucket string, key []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Bucket: bucket, Key: key})
}

// Len returns the number of queued operations
func (b *Batch) Len() int {
	return len(b.Ops)
}

// Kind names a backend implementation
type Kind string

const (
	KindBolt   Kind = "bolt"
	KindBadger Kind = "badger"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Open creates a backend of the given kind rooted in dataDir
func Open(kind Kind, dataDir string) (Backend, error) {
	switch kind {
	case KindBolt, "":
		return NewBoltBackend(filepath.Join(dataDir, "nodestore.db"))
	case KindBadger:
		return NewBadgerBackend(filepath.Join(dataDir, "badger"))
	case KindSQLite:
		return NewSQLiteBackend(filepath.Join(dataDir, "nodestore.sqlite"))
	case KindMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// Copy writes every bucket of src into dst and returns the number of keys copied
func Copy(dst, src Backend) (int, error) {
	total := 0
	for _, bucket := range Buckets {
		batch := &Batch{}
		err := src.Scan(bucket, nil, func(k, v []byte) error {
			batch.Put(bucket, k, v)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to read bucket %s: %w", bucket, err)
		}
		if batch.Len() == 0 {
			continue
		}
		if err := dst.Apply(batch); err != nil {
			return total, fmt.Errorf("failed to write bucket %s: %w", bucket, err)
		}
		total += batch.Len()
	}
	return total, nil
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
