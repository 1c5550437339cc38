/*
Package reconciler runs periodic maintenance over a node repository.

Normal operations never leave the repository inconsistent, but two kinds of
state still accumulate over time and are cleaned up here rather than on the
hot path:

  - Content urls whose last referencing node was deleted outright. Their CRC
    slot stays reserved until the url has been unreferenced for longer than
    the orphan TTL, so a url that comes back soon keeps its registry entry.
  - Nodes whose primary parent is missing or deleted. These can appear after
    a crash between writes of an older data set, or after manual repair of a
    database. They are filed under the store's lost+found container.

# Architecture

	┌────────────────────────────────────────────────────┐
	│              Reconciliation Loop                   │
	│             (every Config.Interval)                │
	└──────────────┬─────────────────────────────────────┘
	               │
	    ┌──────────┴─────────────┐
	    ▼                        ▼
	┌──────────────────┐   ┌──────────────────────┐
	│ Purge orphaned   │   │ Recover orphans      │
	│ content urls     │   │ (one txn per store)  │
	└──────────────────┘   └──────────────────────┘

Each step runs in its own retried transaction. Archive stores are skipped;
their nodes are only reachable through restore.

# Usage

	rec := reconciler.NewReconciler(repo, reconciler.Config{
		Interval:  time.Minute,
		OrphanTTL: 14 * 24 * time.Hour,
	})
	rec.Start()
	defer rec.Stop()

Reconcile can also be called directly, for example from a CLI command, to
run one cycle synchronously.

# Metrics

Every cycle observes nodestore_reconciliation_duration_seconds and
increments nodestore_reconciliation_cycles_total. Recoveries and purges
are counted by the node package itself.
*/
package reconciler
