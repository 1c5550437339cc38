package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var archiveStore = types.StoreRef{Protocol: types.ProtocolArchive, Identifier: DefaultStore.Identifier}

func archived(ref types.NodeRef) types.NodeRef {
	return types.NodeRef{Store: archiveStore, ID: ref.ID}
}

func deleteNode(t *testing.T, r *Repository, ref types.NodeRef) int64 {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (int64, error) {
		err := r.DeleteNode(ctx, tx, ref)
		return tx.DBTxnID(), err
	})
}

func restoreNode(t *testing.T, r *Repository, ref types.NodeRef) (types.ChildAssociationRef, int64) {
	t.Helper()
	type restored struct {
		assoc types.ChildAssociationRef
		txnID int64
	}
	res := query(t, r, func(ctx context.Context, tx *Txn) (restored, error) {
		a, err := r.RestoreNode(ctx, tx, archived(ref), types.NodeRef{}, types.QName{}, types.QName{})
		return restored{assoc: a, txnID: tx.DBTxnID()}, err
	})
	return res.assoc, res.txnID
}

func pathOf(t *testing.T, r *Repository, ref types.NodeRef) types.Path {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (types.Path, error) {
		return r.GetPath(ctx, tx, ref)
	})
}

func TestArchiveAndRestoreRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)
	folder := createNode(t, r, root, dictionary.TypeFolder, "F")
	child := createNode(t, r, folder, dictionary.TypeContent, "child")
	sub := createNode(t, r, folder, dictionary.TypeFolder, "sub")
	leaf := createNode(t, r, sub, dictionary.TypeContent, "leaf")
	outside := createNode(t, r, root, dictionary.TypeFolder, "outside")

	run(t, r, func(ctx context.Context, tx *Txn) error {
		if _, err := r.AddChild(ctx, tx, outside, leaf, dictionary.AssocContains, types.CmQName("leaf-link")); err != nil {
			return err
		}
		_, err := r.CreateAssociation(ctx, tx, child, outside, dictionary.AssocReferences)
		return err
	})
	before := versionKey(t, r, folder)
	primary := query(t, r, func(ctx context.Context, tx *Txn) (types.ChildAssociationRef, error) {
		return r.GetPrimaryParent(ctx, tx, folder)
	})
	subtree := []types.NodeRef{folder, child, sub, leaf}

	// Delete archives the whole subtree under the same ids
	deleteTxn := deleteNode(t, r, folder)
	require.NotZero(t, deleteTxn)
	for _, ref := range subtree {
		assert.False(t, exists(t, r, ref))
		st := nodeStatus(t, r, ref)
		assert.True(t, st.Deleted)
		assert.Equal(t, deleteTxn, st.TxnID)

		assert.True(t, exists(t, r, archived(ref)), "archived %s", ref)
		assert.Equal(t, deleteTxn, nodeStatus(t, r, archived(ref)).TxnID)
	}
	assert.Empty(t, childAssocs(t, r, outside, types.QName{}, nil, 0, false))

	top := getProps(t, r, archived(folder))
	assert.True(t, hasAspect(t, r, archived(folder), dictionary.AspectArchived))
	assert.False(t, hasAspect(t, r, archived(child), dictionary.AspectArchived))
	assert.Equal(t, primary, top[dictionary.PropArchivedParent])
	assert.Equal(t, security.SystemUser, top[dictionary.PropArchivedBy])
	assert.Equal(t, "", top[dictionary.PropArchivedOwner])
	assert.Equal(t, security.SystemUser, top[dictionary.PropOwner])
	assert.Equal(t, folder.ID, top[dictionary.PropNodeUUID])

	archiveRoot := query(t, r, func(ctx context.Context, tx *Txn) (types.NodeRef, error) {
		ref, _, err := r.GetStoreArchiveNode(ctx, tx, DefaultStore)
		return ref, err
	})
	items := childAssocs(t, r, archiveRoot, dictionary.AssocChildren, nil, 0, false)
	require.Len(t, items, 1)
	assert.Equal(t, archived(folder), items[0].Child)
	assert.Equal(t, dictionary.AssocArchivedItem, items[0].QName)

	// Restore brings back the same nodes in a new transaction
	assoc, restoreTxn := restoreNode(t, r, folder)
	assert.NotEqual(t, deleteTxn, restoreTxn)
	assert.Equal(t, root, assoc.Parent)
	assert.Equal(t, types.CmQName("F"), assoc.QName)
	assert.Equal(t, folder, assoc.Child)

	for _, ref := range subtree {
		assert.True(t, exists(t, r, ref))
		st := nodeStatus(t, r, ref)
		assert.False(t, st.Deleted)
		assert.Equal(t, restoreTxn, st.TxnID)

		assert.False(t, exists(t, r, archived(ref)))
		archivedStatus := nodeStatus(t, r, archived(ref))
		assert.True(t, archivedStatus.Deleted)
		assert.Equal(t, restoreTxn, archivedStatus.TxnID)
	}

	after := versionKey(t, r, folder)
	assert.Equal(t, before.NodeID, after.NodeID)
	assert.Equal(t, before.Version+2, after.Version)
	assert.False(t, hasAspect(t, r, folder, dictionary.AspectArchived))
	assert.False(t, hasAspect(t, r, folder, dictionary.AspectOwnable))
	assert.NotContains(t, getProps(t, r, folder), dictionary.PropArchivedBy)

	assert.Equal(t, "/cm:F/cm:sub/cm:leaf", pathOf(t, r, leaf).String())

	// Links to nodes outside the subtree come back too
	links := childAssocs(t, r, outside, types.QName{}, nil, 0, false)
	require.Len(t, links, 1)
	assert.Equal(t, leaf, links[0].Child)
	assert.False(t, links[0].IsPrimary)
	targets := query(t, r, func(ctx context.Context, tx *Txn) ([]types.AssociationRef, error) {
		return r.GetTargetAssocs(ctx, tx, child, nil)
	})
	require.Len(t, targets, 1)
	assert.Equal(t, outside, targets[0].Target)

	// A restored node can be archived again
	deleteNode(t, r, folder)
	assert.True(t, exists(t, r, archived(folder)))
}

func TestDeleteTemporaryNodeSkipsArchive(t *testing.T) {
	r := newTestRepo(t)
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")
	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.AddAspect(ctx, tx, doc, dictionary.AspectTemporary, nil)
	})

	deleteNode(t, r, doc)
	assert.True(t, nodeStatus(t, r, doc).Deleted)
	_, found := nodeStatusFound(t, r, archived(doc))
	assert.False(t, found)
}

func TestDeleteWithArchiveDisabled(t *testing.T) {
	r := newTestRepoWith(t, Config{})
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")

	found := query(t, r, func(ctx context.Context, tx *Txn) (bool, error) {
		_, found, err := r.GetStoreArchiveNode(ctx, tx, DefaultStore)
		return found, err
	})
	assert.False(t, found)

	deleteNode(t, r, doc)
	assert.True(t, nodeStatus(t, r, doc).Deleted)
	_, found = nodeStatusFound(t, r, archived(doc))
	assert.False(t, found)
}

func TestDeleteStoreRoot(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		return r.DeleteNode(ctx, tx, root)
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRestoreNodeErrors(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)
	parent := createNode(t, r, root, dictionary.TypeFolder, "parent")
	folder := createNode(t, r, parent, dictionary.TypeFolder, "folder")
	child := createNode(t, r, folder, dictionary.TypeContent, "child")
	live := createNode(t, r, root, dictionary.TypeContent, "live")

	restore := func(ref, dest types.NodeRef) error {
		return r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
			_, err := r.RestoreNode(ctx, tx, ref, dest, types.QName{}, types.QName{})
			return err
		})
	}

	assert.ErrorIs(t, restore(live, types.NodeRef{}), ErrNotArchived)

	deleteNode(t, r, folder)
	assert.ErrorIs(t, restore(archived(child), types.NodeRef{}), ErrNotArchived)

	// The original parent is gone; an explicit destination still works
	deleteNode(t, r, parent)
	assert.ErrorIs(t, restore(archived(folder), types.NodeRef{}), ErrInvalidNodeRef)
	require.NoError(t, restore(archived(folder), root))
	assert.Equal(t, "/cm:folder/cm:child", pathOf(t, r, child).String())

	// A live node took the name in the meantime
	deleteNode(t, r, live)
	createNode(t, r, root, dictionary.TypeContent, "live")
	assert.ErrorIs(t, restore(archived(live), types.NodeRef{}), ErrDuplicateChildName)
}

func TestConcurrentDisjointDeletes(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	var trees []types.NodeRef
	for _, name := range []string{"a", "b", "c", "d"} {
		top := createNode(t, r, root, dictionary.TypeFolder, name)
		sub := createNode(t, r, top, dictionary.TypeFolder, "sub")
		createNode(t, r, sub, dictionary.TypeContent, "doc")
		trees = append(trees, top)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Every transaction reads its whole subtree before any of them commits
	var ready sync.WaitGroup
	ready.Add(len(trees))
	g, gctx := errgroup.WithContext(ctx)
	for _, top := range trees {
		top := top
		g.Go(func() error {
			tx := r.Begin(gctx)
			err := r.DeleteNode(gctx, tx, top)
			ready.Done()
			if err != nil {
				tx.Rollback()
				return err
			}
			ready.Wait()
			return tx.Commit(gctx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("disjoint deletes did not finish")
	}

	for _, top := range trees {
		assert.False(t, exists(t, r, top))
		assert.True(t, exists(t, r, archived(top)))
	}
}

func TestDeleteConflictsWithConcurrentCreate(t *testing.T) {
	r := newTestRepo(t)
	folder := createNode(t, r, rootNode(t, r), dictionary.TypeFolder, "folder")
	ctx := context.Background()

	deleter := r.Begin(ctx)
	require.NoError(t, r.DeleteNode(ctx, deleter, folder))

	late := createNode(t, r, folder, dictionary.TypeContent, "late")
	assert.ErrorIs(t, deleter.Commit(ctx), ErrConcurrencyConflict)

	// The retried delete takes the new child along
	deleteNode(t, r, folder)
	assert.True(t, nodeStatus(t, r, late).Deleted)
	assert.True(t, exists(t, r, archived(late)))
}

func TestCreateConflictsWithConcurrentDelete(t *testing.T) {
	r := newTestRepo(t)
	folder := createNode(t, r, rootNode(t, r), dictionary.TypeFolder, "folder")
	ctx := context.Background()

	creator := r.Begin(ctx)
	assoc, err := r.CreateNode(ctx, creator, folder, dictionary.AssocContains, types.CmQName("late"), dictionary.TypeContent, nil)
	require.NoError(t, err)

	deleteNode(t, r, folder)
	assert.ErrorIs(t, creator.Commit(ctx), ErrConcurrencyConflict)

	_, found := nodeStatusFound(t, r, assoc.Child)
	assert.False(t, found)
}
