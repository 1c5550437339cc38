package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

type pendingWrite struct {
	value   []byte
	deleted bool
}

type readKey struct {
	bucket string
	key    string
}

type observed struct {
	value []byte
	found bool
}

// Txn is a unit of work. Writes are buffered in the transaction and become
// visible to other transactions only when Commit succeeds. Every key read
// from committed state is remembered and checked again at commit; if any of
// them changed in the meantime the commit fails with ErrConcurrencyConflict.
//
// A Txn must not be used from more than one goroutine at a time.
type Txn struct {
	repo    *Repository
	uuid    string
	user    string
	started time.Time

	writes map[string]*btree.Map[string, pendingWrite]
	reads  map[readKey]observed

	dbTxnID int64
	bumped  map[int64]bool
	events  []*events.Event
	closed  bool
}

// Begin starts a transaction for the user carried by ctx
func (r *Repository) Begin(ctx context.Context) *Txn {
	return &Txn{
		repo:    r,
		uuid:    uuid.New().String(),
		user:    security.CurrentUser(ctx),
		started: time.Now(),
		writes:  make(map[string]*btree.Map[string, pendingWrite]),
		reads:   make(map[readKey]observed),
		bumped:  make(map[int64]bool),
	}
}

// ID returns the transaction's unique id
func (tx *Txn) ID() string {
	return tx.uuid
}

// DBTxnID returns the id shared by every record this transaction writes,
// or 0 if it has not written anything yet
func (tx *Txn) DBTxnID() int64 {
	return tx.dbTxnID
}

// User returns the user the transaction runs as
func (tx *Txn) User() string {
	return tx.user
}

func (tx *Txn) dirty() bool {
	for _, m := range tx.writes {
		if m.Len() > 0 {
			return true
		}
	}
	return false
}

func (tx *Txn) ensureDBTxnID() (int64, error) {
	if tx.dbTxnID != 0 {
		return tx.dbTxnID, nil
	}
	id, err := tx.repo.backend.NextSequence("txn")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	tx.dbTxnID = int64(id)
	return tx.dbTxnID, nil
}

// get returns the value visible to this transaction. Repeated reads of a
// key return what was first observed.
func (tx *Txn) get(bucket string, key []byte) ([]byte, bool, error) {
	if tx.closed {
		return nil, false, ErrTxnClosed
	}
	if m, ok := tx.writes[bucket]; ok {
		if w, ok := m.Get(string(key)); ok {
			if w.deleted {
				return nil, false, nil
			}
			return w.value, true, nil
		}
	}

	rk := readKey{bucket: bucket, key: string(key)}
	if seen, ok := tx.reads[rk]; ok {
		return seen.value, seen.found, nil
	}

	var (
		value []byte
		found bool
		err   error
	)
	if bucket == storage.BucketNodes {
		value, found, err = tx.repo.committedNode(key)
	} else {
		value, err = tx.repo.backend.Get(bucket, key)
		found = err == nil
		if errors.Is(err, storage.ErrKeyNotFound) {
			err = nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", bucket, err)
	}
	tx.reads[rk] = observed{value: value, found: found}
	return value, found, nil
}

func (tx *Txn) getRecord(bucket string, key []byte, v any) (bool, error) {
	data, found, err := tx.get(bucket, key)
	if err != nil || !found {
		return false, err
	}
	return true, decode(data, v)
}

func (tx *Txn) overlay(bucket string) *btree.Map[string, pendingWrite] {
	m, ok := tx.writes[bucket]
	if !ok {
		m = btree.NewMap[string, pendingWrite](0)
		tx.writes[bucket] = m
	}
	return m
}

func (tx *Txn) put(bucket string, key, value []byte) error {
	if tx.closed {
		return ErrTxnClosed
	}
	if _, err := tx.ensureDBTxnID(); err != nil {
		return err
	}
	tx.overlay(bucket).Set(string(key), pendingWrite{value: value})
	return nil
}

func (tx *Txn) putRecord(bucket string, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return tx.put(bucket, key, data)
}

func (tx *Txn) del(bucket string, key []byte) error {
	if tx.closed {
		return ErrTxnClosed
	}
	if _, err := tx.ensureDBTxnID(); err != nil {
		return err
	}
	tx.overlay(bucket).Set(string(key), pendingWrite{deleted: true})
	return nil
}

// scan merges committed keys with this transaction's pending writes. Scans
// are not part of the read set; callers that depend on a key's absence
// must read it with get.
func (tx *Txn) scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	if tx.closed {
		return ErrTxnClosed
	}
	merged := btree.NewMap[string, []byte](0)
	err := tx.repo.backend.Scan(bucket, prefix, func(k, v []byte) error {
		merged.Set(string(k), v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", bucket, err)
	}

	if m, ok := tx.writes[bucket]; ok {
		p := string(prefix)
		m.Ascend(p, func(k string, w pendingWrite) bool {
			if !strings.HasPrefix(k, p) {
				return false
			}
			if w.deleted {
				merged.Delete(k)
			} else {
				merged.Set(k, w.value)
			}
			return true
		})
	}

	var ferr error
	merged.Scan(func(k string, v []byte) bool {
		ferr = fn([]byte(k), v)
		return ferr == nil
	})
	return ferr
}

func (tx *Txn) emit(typ events.EventType, ref types.NodeRef) {
	tx.events = append(tx.events, &events.Event{Type: typ, Node: ref})
}

// Commit validates the read set and writes the buffered changes atomically
func (tx *Txn) Commit(ctx context.Context) error {
	if tx.closed {
		return ErrTxnClosed
	}
	tx.closed = true
	r := tx.repo

	if err := ctx.Err(); err != nil {
		metrics.TxnRollbacksTotal.Inc()
		return err
	}
	if !tx.dirty() {
		metrics.TxnCommitsTotal.Inc()
		return nil
	}

	timer := metrics.NewTimer()
	now := time.Now().UTC()
	batch := &storage.Batch{}

	txnData, err := encode(&txnRecord{ID: tx.dbTxnID, UUID: tx.uuid, CommitTime: now, User: tx.user})
	if err != nil {
		metrics.TxnRollbacksTotal.Inc()
		return err
	}
	batch.Put(storage.BucketTxns, idKey(tx.dbTxnID), txnData)

	buckets := make([]string, 0, len(tx.writes))
	for b := range tx.writes {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, b := range buckets {
		tx.writes[b].Scan(func(k string, w pendingWrite) bool {
			if w.deleted {
				batch.Delete(b, []byte(k))
			} else {
				batch.Put(b, []byte(k), w.value)
			}
			return true
		})
	}

	r.commitMu.Lock()
	conflicts, err := tx.validate()
	if err != nil {
		r.commitMu.Unlock()
		metrics.TxnRollbacksTotal.Inc()
		return err
	}
	if len(conflicts) > 0 {
		for _, rk := range conflicts {
			if rk.bucket == storage.BucketNodes {
				r.nodes.Remove(rk.key)
			}
		}
		r.commitMu.Unlock()
		metrics.TxnConflictsTotal.Inc()
		metrics.TxnRollbacksTotal.Inc()
		r.logger.Debug().
			Str("txn", tx.uuid).
			Int("keys", len(conflicts)).
			Str("bucket", conflicts[0].bucket).
			Msg("Commit conflict")
		return fmt.Errorf("%w: %d keys changed since read, first in %s",
			ErrConcurrencyConflict, len(conflicts), conflicts[0].bucket)
	}

	if err := r.backend.Apply(batch); err != nil {
		r.commitMu.Unlock()
		metrics.TxnRollbacksTotal.Inc()
		return fmt.Errorf("failed to apply transaction: %w", err)
	}
	if err := tx.publish(); err != nil {
		// Committed data is intact; only the cache is suspect
		r.clearCachesLocked()
		logger := log.WithTxn(tx.dbTxnID)
		logger.Warn().Err(err).Msg("Failed to publish committed nodes, caches cleared")
	}
	r.commitMu.Unlock()

	timer.ObserveDuration(metrics.TxnCommitDuration)
	metrics.TxnCommitsTotal.Inc()

	if r.broker != nil && len(tx.events) > 0 {
		for _, ev := range tx.events {
			ev.TxnID = tx.dbTxnID
			ev.Timestamp = now
		}
		r.broker.Publish(tx.events...)
	}
	return nil
}

// validate must be called with commitMu held
func (tx *Txn) validate() ([]readKey, error) {
	var conflicts []readKey
	for rk, seen := range tx.reads {
		cur, err := tx.repo.backend.Get(rk.bucket, []byte(rk.key))
		found := err == nil
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("failed to validate %s: %w", rk.bucket, err)
		}
		if found != seen.found || !bytes.Equal(cur, seen.value) {
			conflicts = append(conflicts, rk)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].bucket != conflicts[j].bucket {
			return conflicts[i].bucket < conflicts[j].bucket
		}
		return conflicts[i].key < conflicts[j].key
	})
	return conflicts, nil
}

// publish must be called with commitMu held after the batch is applied
func (tx *Txn) publish() error {
	m, ok := tx.writes[storage.BucketNodes]
	if !ok {
		return nil
	}
	var err error
	m.Scan(func(k string, w pendingWrite) bool {
		if w.deleted {
			tx.repo.nodes.Remove(k)
			return true
		}
		var rec *nodeRecord
		rec, err = decodeNode(w.value)
		if err != nil {
			return false
		}
		tx.repo.publishNode(k, w.value, rec, true)
		return true
	})
	return err
}

// Rollback discards every buffered write. Calling it after Commit is a no-op.
func (tx *Txn) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.writes = nil
	tx.events = nil
	metrics.TxnRollbacksTotal.Inc()
}
