package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/policy"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/types"
)

// DeleteNode deletes ref and its primary subtree. Unless the node is
// temporary, already archived or archiving is off, the subtree is first
// copied into the archive store under the same node ids. Every deleted
// node is left behind as a ghost carrying this transaction's id.
func (r *Repository) DeleteNode(ctx context.Context, tx *Txn, ref types.NodeRef) error {
	defer observe("deleteNode")()

	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionDelete); err != nil {
		return err
	}
	return r.deleteNode(ctx, tx, rec)
}

func (r *Repository) deleteNode(ctx context.Context, tx *Txn, rec *nodeRecord) error {
	ref := rec.ref()
	if rec.Type == dictionary.TypeStoreRoot {
		return invalidArg("cannot delete the root of store %s", ref.Store)
	}
	classes := r.classes(rec)
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeDeleteNode, Node: ref}, classes); err != nil {
		return err
	}

	primary, _, err := r.primaryParentAssoc(tx, ref)
	if err != nil {
		return err
	}
	visits, err := r.walk(tx, rec)
	if err != nil {
		return err
	}
	// Any link made into the subtree after these reads fails our commit
	for _, v := range visits {
		if err := tx.readStamp(v.rec.ref()); err != nil {
			return err
		}
	}

	var archiveRoot *nodeRecord
	if r.archiveEnabled && !rec.Aspects.Contains(dictionary.AspectTemporary) {
		root, found, err := r.archiveRoot(tx, ref.Store)
		if err != nil {
			return err
		}
		if found {
			archiveRoot = root
		}
	}

	archived := archiveRoot != nil
	if archived {
		if err := r.archiveSubtree(tx, primary, visits, archiveRoot); err != nil {
			return err
		}
	}
	removed := map[int64]bool{}
	removedPeers := map[int64]bool{}
	for _, v := range visits {
		if err := r.ghost(tx, v, !archived, removed, removedPeers); err != nil {
			return err
		}
	}
	if err := r.recascade(tx, outsideChildren(visits)); err != nil {
		return err
	}

	ev := &policy.Event{Kind: policy.OnDeleteNode, Node: ref}
	if primary != nil {
		ev.ChildAssoc = primary.ref()
	}
	if err := r.fireOn(ctx, ev, classes); err != nil {
		return err
	}
	if primary != nil {
		ev := &policy.Event{Kind: policy.OnDeleteChildAssociation, Node: ref, Parent: primary.Parent, ChildAssoc: primary.ref()}
		if err := r.fireOn(ctx, ev, classes); err != nil {
			return err
		}
	}

	for _, v := range visits {
		tx.emit(events.EventNodeDeleted, v.rec.ref())
	}
	if archived {
		tx.emit(events.EventNodeArchived, types.NodeRef{Store: archiveRoot.Store, ID: rec.ID})
	}
	r.logger.Debug().
		Str("node", ref.String()).
		Int("nodes", len(visits)).
		Bool("archived", archived).
		Msg("Deleted node")
	return nil
}

// outsideChildren lists nodes outside the walked subtree that lose a
// parent link when it is removed
func outsideChildren(visits []*visit) []types.NodeRef {
	inside := make(map[types.NodeRef]bool, len(visits))
	for _, v := range visits {
		inside[v.rec.ref()] = true
	}
	var out []types.NodeRef
	seen := map[types.NodeRef]bool{}
	for _, v := range visits {
		for _, a := range v.children {
			if inside[a.Child] || seen[a.Child] {
				continue
			}
			seen[a.Child] = true
			out = append(out, a.Child)
		}
	}
	return out
}

// recascade refreshes the cascade checksum of nodes whose parent links
// changed as a side effect. Nodes that are already gone are skipped.
func (r *Repository) recascade(tx *Txn, refs []types.NodeRef) error {
	for _, ref := range refs {
		rec, err := r.liveNode(tx, ref)
		if errors.Is(err, ErrInvalidNodeRef) {
			continue
		}
		if err != nil {
			return err
		}
		if err := tx.stamp(ref); err != nil {
			return err
		}
		if err := r.cascadeUpdate(tx, rec); err != nil {
			return err
		}
	}
	return nil
}

// ghost removes every link of a walked node and turns its record into a
// deleted tombstone
func (r *Repository) ghost(tx *Txn, v *visit, releaseContent bool, removed, removedPeers map[int64]bool) error {
	for _, list := range [][]*childAssocRecord{v.parents, v.children} {
		for _, a := range list {
			if removed[a.ID] {
				continue
			}
			removed[a.ID] = true
			if err := r.removeChildAssoc(tx, a); err != nil {
				return err
			}
		}
	}
	for _, list := range [][]*peerAssocRecord{v.targets, v.sources} {
		for _, a := range list {
			if removedPeers[a.ID] {
				continue
			}
			removedPeers[a.ID] = true
			if err := r.removePeerAssoc(tx, a); err != nil {
				return err
			}
		}
	}

	rec := v.rec
	if releaseContent {
		if err := r.syncContent(tx, rec.ref(), rec.Properties, nil); err != nil {
			return err
		}
	}
	rec.Deleted = true
	rec.Properties = types.Properties{}
	rec.Aspects = types.NewQNameSet()
	rec.Archived = nil
	return r.writeNode(tx, rec)
}

// archiveSubtree copies the walked subtree into the archive store. Links
// inside the subtree are recreated between the copies; links to outside
// nodes are remembered on the copies for restore.
func (r *Repository) archiveSubtree(tx *Txn, primary *childAssocRecord, visits []*visit, archiveRoot *nodeRecord) error {
	inside := make(map[types.NodeRef]bool, len(visits))
	for _, v := range visits {
		inside[v.rec.ref()] = true
	}
	archiveStore := archiveRoot.Store
	copies := make(map[types.NodeRef]*nodeRecord, len(visits))

	for i, v := range visits {
		target := types.NodeRef{Store: archiveStore, ID: v.rec.ID}
		existing, found, err := r.node(tx, target)
		if err != nil {
			return err
		}
		if found && !existing.Deleted {
			return integrity("node %s is already archived", target)
		}
		dbid, err := r.backend.NextSequence("node")
		if err != nil {
			return err
		}
		c := &nodeRecord{
			DBID:       int64(dbid),
			Store:      archiveStore,
			ID:         v.rec.ID,
			Type:       v.rec.Type,
			Version:    1,
			Properties: v.rec.Properties.Clone(),
			Aspects:    v.rec.Aspects.Clone(),
		}

		ext := &externalAssocs{}
		for _, a := range v.parents {
			if !inside[a.Parent] && (primary == nil || a.ID != primary.ID) {
				ext.Parents = append(ext.Parents, a.ref())
			}
		}
		for _, a := range v.children {
			if !inside[a.Child] {
				ext.Children = append(ext.Children, a.ref())
			}
		}
		for _, a := range v.targets {
			if !inside[a.Target] {
				ext.Targets = append(ext.Targets, a.ref())
			}
		}
		for _, a := range v.sources {
			if !inside[a.Source] {
				ext.Sources = append(ext.Sources, a.ref())
			}
		}
		if !ext.empty() {
			c.Archived = ext
		}

		if i == 0 {
			originalOwner := ""
			if v.rec.Aspects.Contains(dictionary.AspectOwnable) {
				originalOwner, _ = v.rec.Properties[dictionary.PropOwner].(string)
			}
			c.Aspects.Add(dictionary.AspectArchived)
			c.Aspects.Add(dictionary.AspectOwnable)
			c.Properties[dictionary.PropArchivedBy] = tx.user
			c.Properties[dictionary.PropArchivedDate] = timestamp()
			if primary != nil {
				c.Properties[dictionary.PropArchivedParent] = primary.ref()
			}
			c.Properties[dictionary.PropArchivedOwner] = originalOwner
			c.Properties[dictionary.PropOwner] = tx.user
		}

		tx.bumped[c.DBID] = true
		if err := r.writeNode(tx, c); err != nil {
			return err
		}
		copies[v.rec.ref()] = c
	}

	top := copies[visits[0].rec.ref()]
	if _, err := r.addChildAssoc(tx, archiveRoot, top, dictionary.AssocChildren, dictionary.AssocArchivedItem, true); err != nil {
		return err
	}
	for _, v := range visits {
		for _, a := range v.children {
			if !inside[a.Child] {
				continue
			}
			if _, err := r.addChildAssoc(tx, copies[a.Parent], copies[a.Child], a.Type, a.QName, a.IsPrimary); err != nil {
				return err
			}
		}
		for _, a := range v.targets {
			if !inside[a.Target] {
				continue
			}
			if _, err := r.putPeerAssoc(tx, copies[a.Source].ref(), copies[a.Target].ref(), a.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestoreNode moves an archived node and its subtree back into the live
// store under the same ids. A zero destParent, assocType or assocQName
// falls back to the association the node had when it was archived.
func (r *Repository) RestoreNode(ctx context.Context, tx *Txn, archivedRef, destParent types.NodeRef, assocType, assocQName types.QName) (types.ChildAssociationRef, error) {
	defer observe("restoreNode")()

	top, err := r.liveNode(tx, archivedRef)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if top.Store.Protocol != types.ProtocolArchive || !top.Aspects.Contains(dictionary.AspectArchived) {
		return types.ChildAssociationRef{}, fmt.Errorf("%w: %s", ErrNotArchived, archivedRef)
	}

	orig, _ := top.Properties[dictionary.PropArchivedParent].(types.ChildAssociationRef)
	if destParent.IsZero() {
		destParent = orig.Parent
	}
	if assocType.IsZero() {
		assocType = orig.Type
	}
	if assocQName.IsZero() {
		assocQName = orig.QName
	}
	if destParent.IsZero() || assocType.IsZero() || assocQName.IsZero() {
		return types.ChildAssociationRef{}, invalidArg("no restore location recorded for %s", archivedRef)
	}
	if err := r.checkChildAssocType(assocType); err != nil {
		return types.ChildAssociationRef{}, err
	}
	dest, err := r.liveNode(tx, destParent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	liveStore := dest.Store
	if !orig.Child.Store.IsZero() && orig.Child.Store != liveStore {
		return types.ChildAssociationRef{}, invalidArg("%s can only be restored into %s", archivedRef, orig.Child.Store)
	}
	if err := r.checkPermission(ctx, tx, destParent, security.PermissionCreateChildren); err != nil {
		return types.ChildAssociationRef{}, err
	}

	visits, err := r.walk(tx, top)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	inside := make(map[types.NodeRef]bool, len(visits))
	for _, v := range visits {
		inside[v.rec.ref()] = true
	}

	lives := make(map[string]*nodeRecord, len(visits))
	for i, v := range visits {
		liveRef := types.NodeRef{Store: liveStore, ID: v.rec.ID}
		live, found, err := r.node(tx, liveRef)
		if err != nil {
			return types.ChildAssociationRef{}, err
		}
		if found && !live.Deleted {
			return types.ChildAssociationRef{}, integrity("cannot restore %s over live node", liveRef)
		}
		if !found {
			dbid, err := r.backend.NextSequence("node")
			if err != nil {
				return types.ChildAssociationRef{}, err
			}
			live = &nodeRecord{DBID: int64(dbid), Store: liveStore, ID: v.rec.ID}
		}
		live.Deleted = false
		live.Type = v.rec.Type
		live.Properties = v.rec.Properties.Clone()
		live.Aspects = v.rec.Aspects.Clone()
		live.Archived = nil

		if i == 0 {
			owner, _ := live.Properties[dictionary.PropArchivedOwner].(string)
			for _, name := range r.dict.ClassProperties(dictionary.AspectArchived) {
				delete(live.Properties, name)
			}
			live.Aspects.Remove(dictionary.AspectArchived)
			if owner == "" {
				delete(live.Properties, dictionary.PropOwner)
				live.Aspects.Remove(dictionary.AspectOwnable)
			} else {
				live.Properties[dictionary.PropOwner] = owner
			}
		}
		if err := r.writeNode(tx, live); err != nil {
			return types.ChildAssociationRef{}, err
		}
		lives[v.rec.ID] = live
	}

	restored, err := r.addChildAssoc(tx, dest, lives[top.ID], assocType, assocQName, true)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	for _, v := range visits {
		for _, a := range v.children {
			if !inside[a.Child] {
				continue
			}
			if _, err := r.addChildAssoc(tx, lives[a.Parent.ID], lives[a.Child.ID], a.Type, a.QName, a.IsPrimary); err != nil {
				return types.ChildAssociationRef{}, err
			}
		}
		for _, a := range v.targets {
			if !inside[a.Target] {
				continue
			}
			if _, err := r.putPeerAssoc(tx, lives[a.Source.ID].ref(), lives[a.Target.ID].ref(), a.Type); err != nil {
				return types.ChildAssociationRef{}, err
			}
		}
		if err := r.restoreExternal(tx, lives[v.rec.ID], v.rec.Archived); err != nil {
			return types.ChildAssociationRef{}, err
		}
	}

	removed := map[int64]bool{}
	removedPeers := map[int64]bool{}
	for _, v := range visits {
		if err := r.ghost(tx, v, false, removed, removedPeers); err != nil {
			return types.ChildAssociationRef{}, err
		}
	}

	liveTop := lives[top.ID]
	ev := &policy.Event{Kind: policy.OnRestoreNode, Node: liveTop.ref(), Parent: destParent, ChildAssoc: restored.ref()}
	if err := r.fireOn(ctx, ev, r.classes(liveTop)); err != nil {
		return types.ChildAssociationRef{}, err
	}
	tx.emit(events.EventNodeRestored, liveTop.ref())
	return restored.ref(), nil
}

// restoreExternal recreates remembered links whose other end still exists
func (r *Repository) restoreExternal(tx *Txn, live *nodeRecord, ext *externalAssocs) error {
	if ext.empty() {
		return nil
	}
	var dup *DuplicateChildNameError

	for _, a := range ext.Parents {
		parent, err := r.liveNode(tx, a.Parent)
		if err != nil {
			continue
		}
		_, err = r.addChildAssoc(tx, parent, live, a.Type, a.QName, false)
		if errors.As(err, &dup) {
			r.logger.Warn().Err(err).Str("node", live.ref().String()).Msg("Skipping restore of secondary parent link")
			continue
		}
		if err != nil {
			return err
		}
	}
	var relinked []types.NodeRef
	for _, a := range ext.Children {
		child, err := r.liveNode(tx, a.Child)
		if err != nil {
			continue
		}
		_, err = r.addChildAssoc(tx, live, child, a.Type, a.QName, false)
		if errors.As(err, &dup) {
			r.logger.Warn().Err(err).Str("node", live.ref().String()).Msg("Skipping restore of secondary child link")
			continue
		}
		if err != nil {
			return err
		}
		relinked = append(relinked, child.ref())
	}
	if err := r.recascade(tx, relinked); err != nil {
		return err
	}
	for _, a := range ext.Targets {
		if ok, err := r.isLive(tx, a.Target); err != nil {
			return err
		} else if ok {
			if _, err := r.putPeerAssoc(tx, live.ref(), a.Target, a.Type); err != nil {
				return err
			}
		}
	}
	for _, a := range ext.Sources {
		if ok, err := r.isLive(tx, a.Source); err != nil {
			return err
		} else if ok {
			if _, err := r.putPeerAssoc(tx, a.Source, live.ref(), a.Type); err != nil {
				return err
			}
		}
	}
	return nil
}
