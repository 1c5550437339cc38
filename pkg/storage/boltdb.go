package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend implements Backend using BoltDB
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens or creates a BoltDB file at dbPath
func NewBoltBackend(dbPath string) (*BoltBackend, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

func (s *BoltBackend) Name() string {
	return string(KindBolt)
}

// Path returns the database file path
func (s *BoltBackend) Path() string {
	return s.db.Path()
}

// Close closes the database
func (s *BoltBackend) Close() error {
	return s.db.Close()
}

func (s *BoltBackend) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return ErrKeyNotFound
		}
		out = copyBytes(data)
		return nil
	})
	return out, err
}

func (s *BoltBackend) Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(copyBytes(k), copyBytes(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltBackend) Apply(batch *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range batch.Ops {
			b := tx.Bucket([]byte(op.Bucket))
			if b == nil {
				return fmt.Errorf("bucket not found: %s", op.Bucket)
			}
			switch op.Kind {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return fmt.Errorf("failed to put %s/%x: %w", op.Bucket, op.Key, err)
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return fmt.Errorf("failed to delete %s/%x: %w", op.Bucket, op.Key, err)
				}
			}
		}
		return nil
	})
}

func (s *BoltBackend) NextSequence(name string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSequences))
		if data := b.Get([]byte(name)); len(data) == 8 {
			next = binary.BigEndian.Uint64(data)
		}
		next++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put([]byte(name), buf)
	})
	return next, err
}
