/*
Package node implements the transactional node store: a hierarchy of typed
nodes with properties and aspects, containment (child) and peer
associations, soft delete with archive and restore, and lost+found recovery
of nodes whose primary parent disappeared.

# Transactions

All operations take a *Txn. Writes are buffered in the transaction and only
reach the backend on Commit. Every key read from committed state is checked
again under the commit lock; a changed key fails the commit with
ErrConcurrencyConflict and nothing is written. DoInTransaction reruns the
whole unit of work on conflict:

	ref, err := node.DoInTransaction(ctx, repo, node.DefaultRetryOptions(),
		func(ctx context.Context, tx *node.Txn) (types.ChildAssociationRef, error) {
			return repo.CreateNode(ctx, tx, parent,
				dictionary.AssocContains, types.CmQName("report"),
				dictionary.TypeContent, types.Properties{dictionary.PropName: "report.txt"})
		})

The commit lock is held only while validating and applying, so two
transactions that touch disjoint subtrees never wait on each other.

# Versions and caches

Each node has a database id and a version. A transaction that changes a
node's record advances its version exactly once, however many changes it
makes; a write that changes nothing does not. Committed properties and
aspects are cached under (database id, version), and those entries are never
replaced, so a reader holding an old NodeVersionKey keeps seeing the values
of that version.

# Delete, archive and restore

	┌────────────┐ DeleteNode  ┌────────────────┐ RestoreNode ┌────────────┐
	│ workspace  │────────────►│ archive store  │────────────►│ workspace  │
	│ live node  │             │ archived copy  │             │ live node  │
	└────────────┘             └────────────────┘             └────────────┘
	  left as ghost              same node id                   same DBID,
	  (deleted=true)             new DBID                       version+1

Every node touched by one delete or one restore carries that transaction's
database transaction id.
*/
package node
