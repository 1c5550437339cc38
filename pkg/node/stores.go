package node

import (
	"context"
	"strings"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
)

func (r *Repository) store(tx *Txn, ref types.StoreRef) (*storeRecord, bool, error) {
	var rec storeRecord
	found, err := tx.getRecord(storage.BucketStores, storeKey(ref), &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

// CreateStore creates a store with its root node. When archiving is
// enabled a workspace store also gets its archive store.
func (r *Repository) CreateStore(ctx context.Context, tx *Txn, protocol, identifier string) (types.StoreRef, error) {
	defer observe("createStore")()

	ref := types.StoreRef{Protocol: protocol, Identifier: identifier}
	if protocol == "" || identifier == "" || strings.ContainsAny(protocol+identifier, "/\x00") || strings.Contains(protocol, ":") {
		return types.StoreRef{}, invalidArg("invalid store ref %q", ref)
	}
	_, found, err := r.store(tx, ref)
	if err != nil {
		return types.StoreRef{}, err
	}
	if found {
		return types.StoreRef{}, invalidArg("store %s already exists", ref)
	}
	if err := r.createStore(ctx, tx, ref); err != nil {
		return types.StoreRef{}, err
	}

	if r.archiveEnabled && protocol != types.ProtocolArchive {
		archive := types.StoreRef{Protocol: types.ProtocolArchive, Identifier: identifier}
		_, found, err := r.store(tx, archive)
		if err != nil {
			return types.StoreRef{}, err
		}
		if !found {
			if err := r.createStore(ctx, tx, archive); err != nil {
				return types.StoreRef{}, err
			}
		}
	}
	return ref, nil
}

func (r *Repository) createStore(ctx context.Context, tx *Txn, ref types.StoreRef) error {
	root, err := r.newNode(ctx, tx, ref, dictionary.TypeStoreRoot, nil, nil)
	if err != nil {
		return err
	}
	rec := &storeRecord{Ref: ref, RootID: root.ID, Created: timestamp()}
	if err := tx.putRecord(storage.BucketStores, storeKey(ref), rec); err != nil {
		return err
	}
	r.logger.Info().Str("store", ref.String()).Msg("Created store")
	return nil
}

// GetStores lists every store
func (r *Repository) GetStores(ctx context.Context, tx *Txn) ([]types.StoreRef, error) {
	var out []types.StoreRef
	err := tx.scan(storage.BucketStores, nil, func(_, v []byte) error {
		var rec storeRecord
		if err := decode(v, &rec); err != nil {
			return err
		}
		out = append(out, rec.Ref)
		return nil
	})
	return out, err
}

// GetRootNode returns the root node of store
func (r *Repository) GetRootNode(ctx context.Context, tx *Txn, store types.StoreRef) (types.NodeRef, error) {
	rec, found, err := r.store(tx, store)
	if err != nil {
		return types.NodeRef{}, err
	}
	if !found {
		return types.NodeRef{}, invalidArg("store %s does not exist", store)
	}
	return types.NodeRef{Store: store, ID: rec.RootID}, nil
}

// GetStoreArchiveNode returns the root of the archive store that receives
// nodes deleted from store
func (r *Repository) GetStoreArchiveNode(ctx context.Context, tx *Txn, store types.StoreRef) (types.NodeRef, bool, error) {
	root, found, err := r.archiveRoot(tx, store)
	if err != nil || !found {
		return types.NodeRef{}, false, err
	}
	return root.ref(), true, nil
}

func (r *Repository) archiveRoot(tx *Txn, store types.StoreRef) (*nodeRecord, bool, error) {
	if store.Protocol == types.ProtocolArchive {
		return nil, false, nil
	}
	archive := types.StoreRef{Protocol: types.ProtocolArchive, Identifier: store.Identifier}
	rec, found, err := r.store(tx, archive)
	if err != nil || !found {
		return nil, false, err
	}
	root, err := r.liveNode(tx, types.NodeRef{Store: archive, ID: rec.RootID})
	if err != nil {
		return nil, false, integrity("archive store %s has no root: %v", archive, err)
	}
	return root, true, nil
}
