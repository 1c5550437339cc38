package node

import (
	"context"
	"fmt"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
)

// Parent states of a node
const (
	StateAttached = "ATTACHED"
	StateDangling = "DANGLING"
	StateOrphaned = "ORPHANED"
)

var lostAndFoundQName = types.SysQName("lost_found")

// parentState classifies rec's primary parentage
func (r *Repository) parentState(tx *Txn, rec *nodeRecord) (string, *childAssocRecord, error) {
	if rec.Type == dictionary.TypeStoreRoot {
		return StateAttached, nil, nil
	}
	a, found, err := r.primaryParentAssoc(tx, rec.ref())
	if err != nil {
		return "", nil, err
	}
	if !found {
		return StateOrphaned, nil, nil
	}
	live, err := r.isLive(tx, a.Parent)
	if err != nil {
		return "", nil, err
	}
	if !live {
		return StateDangling, a, nil
	}
	return StateAttached, a, nil
}

// GetPath resolves the primary path from the store root to ref. A node
// whose primary parent is deleted or missing is moved into the store's
// lost+found container first.
func (r *Repository) GetPath(ctx context.Context, tx *Txn, ref types.NodeRef) (types.Path, error) {
	defer observe("getPath")()

	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, err
	}

	var elems []types.ChildAssociationRef
	seen := map[types.NodeRef]bool{}
	for cur := rec; ; {
		if seen[cur.ref()] {
			return nil, integrity("cycle in primary path of %s at %s", ref, cur.ref())
		}
		seen[cur.ref()] = true

		if cur.Type == dictionary.TypeStoreRoot {
			elems = append(elems, types.ChildAssociationRef{Child: cur.ref(), IsPrimary: true})
			break
		}
		state, a, err := r.parentState(tx, cur)
		if err != nil {
			return nil, err
		}
		if state != StateAttached {
			if a, err = r.recover(ctx, tx, cur, state, a); err != nil {
				return nil, err
			}
		}
		elems = append(elems, a.ref())

		if cur, err = r.liveNode(tx, a.Parent); err != nil {
			return nil, err
		}
	}

	path := make(types.Path, len(elems))
	for i, e := range elems {
		path[len(elems)-1-i] = e
	}
	return path, nil
}

// recover files rec under lost+found and records why
func (r *Repository) recover(ctx context.Context, tx *Txn, rec *nodeRecord, state string, stale *childAssocRecord) (*childAssocRecord, error) {
	lf, err := r.lostAndFound(ctx, tx, rec.Store)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		if err := r.removeChildAssoc(tx, stale); err != nil {
			return nil, err
		}
	}
	a, err := r.addChildAssoc(tx, lf, rec, dictionary.AssocChildren, types.SysQName(rec.ID), true)
	if err != nil {
		return nil, err
	}

	rec.Aspects.Add(dictionary.AspectLostAndFound)
	rec.Properties[dictionary.PropOriginalDBID] = rec.DBID
	rec.Properties[dictionary.PropRecoveredState] = state
	if err := r.writeNode(tx, rec); err != nil {
		return nil, err
	}

	metrics.LostAndFoundRecoveriesTotal.WithLabelValues(state).Inc()
	logger := log.WithNodeRef(rec.ref().String())
	logger.Warn().
		Str("component", "node").
		Str("state", state).
		Str("lost_found", lf.ref().String()).
		Msg("Recovered node into lost+found")
	return a, nil
}

// lostAndFound returns the store's recovery container, creating it under
// the store root on first use
func (r *Repository) lostAndFound(ctx context.Context, tx *Txn, store types.StoreRef) (*nodeRecord, error) {
	st, found, err := r.store(tx, store)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, integrity("store %s does not exist", store)
	}
	root, found, err := r.node(tx, types.NodeRef{Store: store, ID: st.RootID})
	if err != nil {
		return nil, err
	}
	if !found || root.Deleted {
		return nil, integrity("root of store %s is missing, cannot recover nodes", store)
	}

	owner, found, err := tx.get(storage.BucketChildNames, nameKey(root.ref(), dictionary.AssocLostAndFound, lostAndFoundQName.LocalName))
	if err != nil {
		return nil, err
	}
	if found {
		var a childAssocRecord
		ok, err := tx.getRecord(storage.BucketChildAssocs, owner, &a)
		if err != nil {
			return nil, err
		}
		if ok {
			lf, found, err := r.node(tx, a.Child)
			if err != nil {
				return nil, err
			}
			if found && !lf.Deleted {
				return lf, nil
			}
		}
	}

	lf, err := r.newNode(ctx, tx, store, dictionary.TypeLostAndFound, nil, root)
	if err != nil {
		return nil, err
	}
	if _, err := r.addChildAssoc(tx, root, lf, dictionary.AssocLostAndFound, lostAndFoundQName, true); err != nil {
		return nil, fmt.Errorf("failed to create lost+found in %s: %w", store, err)
	}
	r.logger.Info().Str("store", store.String()).Msg("Created lost+found container")
	return lf, nil
}

// RecoverOrphans checks every live node of store and files the ones with
// a deleted or missing primary parent under lost+found. It returns the
// number of nodes recovered.
func (r *Repository) RecoverOrphans(ctx context.Context, tx *Txn, store types.StoreRef) (int, error) {
	defer observe("recoverOrphans")()

	var candidates []*nodeRecord
	err := tx.scan(storage.BucketNodes, []byte(store.String()+"\x00"), func(_, v []byte) error {
		rec, err := decodeNode(v)
		if err != nil {
			return err
		}
		if !rec.Deleted && rec.Type != dictionary.TypeStoreRoot {
			candidates = append(candidates, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, c := range candidates {
		// Reload through the transaction so the check joins the read set
		rec, err := r.liveNode(tx, c.ref())
		if err != nil {
			continue
		}
		state, a, err := r.parentState(tx, rec)
		if err != nil {
			return recovered, err
		}
		if state == StateAttached {
			continue
		}
		if _, err := r.recover(ctx, tx, rec, state, a); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
