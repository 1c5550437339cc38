package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements Backend on a badger LSM tree. Buckets are
// emulated with a "<bucket>\x00" key prefix.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens a badger database in dir. An empty dir opens an
// in-memory instance.
func NewBadgerBackend(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 64

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (s *BadgerBackend) Name() string {
	return string(KindBadger)
}

func (s *BadgerBackend) Close() error {
	return s.db.Close()
}

func badgerKey(bucket string, key []byte) []byte {
	out := make([]byte, 0, len(bucket)+1+len(key))
	out = append(out, bucket...)
	out = append(out, 0)
	return append(out, key...)
}

func (s *BadgerBackend) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerBackend) Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	full := badgerKey(bucket, prefix)
	strip := len(bucket) + 1
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k[strip:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerBackend) Apply(batch *Batch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.Ops {
			var err error
			switch op.Kind {
			case OpPut:
				err = txn.Set(badgerKey(op.Bucket, op.Key), op.Value)
			case OpDelete:
				err = txn.Delete(badgerKey(op.Bucket, op.Key))
			}
			if err != nil {
				return fmt.Errorf("failed to apply %s/%x: %w", op.Bucket, op.Key, err)
			}
		}
		return nil
	})
}

func (s *BadgerBackend) NextSequence(name string) (uint64, error) {
	key := badgerKey(BucketSequences, []byte(name))
	for {
		var next uint64
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				data, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(data) == 8 {
					next = binary.BigEndian.Uint64(data)
				}
			}
			next++
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, next)
			return txn.Set(key, buf)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return next, err
	}
}
