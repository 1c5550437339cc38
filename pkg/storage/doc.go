/*
Package storage provides the ordered key-value backends that persist the node
store.

Every backend exposes the same small contract (Backend): point reads,
ordered prefix scans within a bucket, atomic multi-bucket batches, and named
monotonic sequences used for database ids and transaction ids. The node layer
above encodes records as JSON and builds its secondary indexes as composite
keys, so any backend that honours byte-wise key order can serve it.

# Backends

	┌──────────┬──────────────────────────────┬────────────────────────────┐
	│ Kind     │ Engine                       │ Layout                     │
	├──────────┼──────────────────────────────┼────────────────────────────┤
	│ bolt     │ go.etcd.io/bbolt             │ one bolt bucket per bucket │
	│ badger   │ dgraph-io/badger/v4          │ "<bucket>\x00<key>"        │
	│ sqlite   │ modernc.org/sqlite           │ kv(bucket, key, value)     │
	│ memory   │ tidwall/btree                │ one B-tree per bucket      │
	└──────────┴──────────────────────────────┴────────────────────────────┘

BoltDB is the default. The memory backend is used by tests and loses all data
on exit.

# Usage

	backend, err := storage.Open(storage.KindBolt, "/var/lib/nodestore")
	if err != nil {
		return err
	}
	defer backend.Close()

	batch := &storage.Batch{}
	batch.Put(storage.BucketNodes, key, value)
	if err := backend.Apply(batch); err != nil {
		return err
	}

Sequences are advanced outside of batches, the way a relational database
hands out identity values: a rolled back transaction leaves a gap.
*/
package storage
