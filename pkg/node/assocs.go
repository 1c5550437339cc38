package node

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/policy"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
)

func (r *Repository) checkChildAssocType(assocType types.QName) error {
	def, ok := r.dict.Association(assocType)
	if !ok || !def.IsChild {
		return invalidArg("unknown child association type %s", assocType)
	}
	return nil
}

// enforcesNames reports whether children of parent need unique names
func enforcesNames(parent *nodeRecord) bool {
	return parent.Store.Protocol != types.ProtocolArchive && parent.Type != dictionary.TypeLostAndFound
}

// childName is cm:name when set, otherwise the association's local name
func childName(rec *nodeRecord, assocQName types.QName) string {
	if name, ok := rec.Properties[dictionary.PropName].(string); ok && name != "" {
		return name
	}
	return assocQName.LocalName
}

// stamp marks ref's set of links as changed by this transaction. Deletes
// read the stamps of every node they remove, so a concurrent link into a
// subtree being deleted fails one of the two commits.
func (tx *Txn) stamp(ref types.NodeRef) error {
	return tx.put(storage.BucketParentStamps, nodeKey(ref), []byte(tx.uuid))
}

func (tx *Txn) readStamp(ref types.NodeRef) error {
	_, _, err := tx.get(storage.BucketParentStamps, nodeKey(ref))
	return err
}

func (r *Repository) addChildAssoc(tx *Txn, parent, child *nodeRecord, assocType, qname types.QName, primary bool) (*childAssocRecord, error) {
	id, err := r.backend.NextSequence("assoc")
	if err != nil {
		return nil, err
	}
	a := &childAssocRecord{
		ID:        int64(id),
		Parent:    parent.ref(),
		Child:     child.ref(),
		Type:      assocType,
		QName:     qname,
		IsPrimary: primary,
	}

	if enforcesNames(parent) {
		name := childName(child, qname)
		a.Name = strings.ToLower(name)
		key := nameKey(a.Parent, assocType, a.Name)
		_, found, err := tx.get(storage.BucketChildNames, key)
		if err != nil {
			return nil, err
		}
		if found {
			return nil, &DuplicateChildNameError{Parent: a.Parent, AssocType: assocType, Name: name}
		}
		if err := tx.put(storage.BucketChildNames, key, idKey(a.ID)); err != nil {
			return nil, err
		}
	}

	if err := tx.putRecord(storage.BucketChildAssocs, idKey(a.ID), a); err != nil {
		return nil, err
	}
	if err := tx.put(storage.BucketChildByParent, indexKey(a.Parent, a.ID), idKey(a.ID)); err != nil {
		return nil, err
	}
	if err := tx.put(storage.BucketChildByChild, indexKey(a.Child, a.ID), idKey(a.ID)); err != nil {
		return nil, err
	}
	if err := tx.stamp(a.Parent); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Repository) removeChildAssoc(tx *Txn, a *childAssocRecord) error {
	if a.Name != "" {
		key := nameKey(a.Parent, a.Type, a.Name)
		owner, found, err := tx.get(storage.BucketChildNames, key)
		if err != nil {
			return err
		}
		if found && keyID(owner) == a.ID {
			if err := tx.del(storage.BucketChildNames, key); err != nil {
				return err
			}
		}
	}
	if err := tx.del(storage.BucketChildAssocs, idKey(a.ID)); err != nil {
		return err
	}
	if err := tx.del(storage.BucketChildByParent, indexKey(a.Parent, a.ID)); err != nil {
		return err
	}
	return tx.del(storage.BucketChildByChild, indexKey(a.Child, a.ID))
}

// renameChild moves the registered names of rec's parent links to its
// current name
func (r *Repository) renameChild(tx *Txn, rec *nodeRecord) error {
	parents, err := r.parentAssocs(tx, rec.ref())
	if err != nil {
		return err
	}
	for _, a := range parents {
		if a.Name == "" {
			continue
		}
		name := childName(rec, a.QName)
		lower := strings.ToLower(name)
		if lower == a.Name {
			continue
		}
		newKey := nameKey(a.Parent, a.Type, lower)
		_, found, err := tx.get(storage.BucketChildNames, newKey)
		if err != nil {
			return err
		}
		if found {
			return &DuplicateChildNameError{Parent: a.Parent, AssocType: a.Type, Name: name}
		}
		if err := tx.del(storage.BucketChildNames, nameKey(a.Parent, a.Type, a.Name)); err != nil {
			return err
		}
		if err := tx.put(storage.BucketChildNames, newKey, idKey(a.ID)); err != nil {
			return err
		}
		a.Name = lower
		if err := tx.putRecord(storage.BucketChildAssocs, idKey(a.ID), a); err != nil {
			return err
		}
	}
	return nil
}

// childAssocsByIndex resolves the association ids stored under ref in an
// index bucket, in id order. Index entries without a record are skipped.
func (r *Repository) childAssocsByIndex(tx *Txn, bucket string, ref types.NodeRef) ([]*childAssocRecord, error) {
	var ids []int64
	err := tx.scan(bucket, indexPrefix(ref), func(_, v []byte) error {
		ids = append(ids, keyID(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*childAssocRecord, 0, len(ids))
	for _, id := range ids {
		var a childAssocRecord
		found, err := tx.getRecord(storage.BucketChildAssocs, idKey(id), &a)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (r *Repository) childAssocs(tx *Txn, parent types.NodeRef) ([]*childAssocRecord, error) {
	return r.childAssocsByIndex(tx, storage.BucketChildByParent, parent)
}

func (r *Repository) parentAssocs(tx *Txn, child types.NodeRef) ([]*childAssocRecord, error) {
	return r.childAssocsByIndex(tx, storage.BucketChildByChild, child)
}

func (r *Repository) primaryParentAssoc(tx *Txn, child types.NodeRef) (*childAssocRecord, bool, error) {
	parents, err := r.parentAssocs(tx, child)
	if err != nil {
		return nil, false, err
	}
	for _, a := range parents {
		if a.IsPrimary {
			return a, true, nil
		}
	}
	return nil, false, nil
}

// cascadeUpdate marks rec with a checksum of its parent links so
// dependents can tell that its position in the hierarchy changed
func (r *Repository) cascadeUpdate(tx *Txn, rec *nodeRecord) error {
	parents, err := r.parentAssocs(tx, rec.ref())
	if err != nil {
		return err
	}
	h := crc32.NewIEEE()
	for _, a := range parents {
		fmt.Fprintf(h, "%d|%s|%s|%s|%t\n", a.ID, a.Parent, a.Type, a.QName, a.IsPrimary)
	}
	id, err := tx.ensureDBTxnID()
	if err != nil {
		return err
	}
	rec.Aspects.Add(dictionary.AspectCascadeUpdate)
	rec.Properties[dictionary.PropCascadeCRC] = int64(h.Sum32())
	rec.Properties[dictionary.PropCascadeTx] = id
	return r.writeNode(tx, rec)
}

// isAncestor reports whether candidate is ref itself or reachable from ref
// through any parent link
func (r *Repository) isAncestor(tx *Txn, candidate, ref types.NodeRef) (bool, error) {
	seen := map[types.NodeRef]bool{}
	queue := []types.NodeRef{ref}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == candidate {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		parents, err := r.parentAssocs(tx, cur)
		if err != nil {
			return false, err
		}
		for _, a := range parents {
			queue = append(queue, a.Parent)
		}
	}
	return false, nil
}

// MoveNode re-parents the node's primary association. A zero assocType or
// assocQName keeps the current value.
func (r *Repository) MoveNode(ctx context.Context, tx *Txn, ref, newParent types.NodeRef, assocType, assocQName types.QName) (types.ChildAssociationRef, error) {
	defer observe("moveNode")()

	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	parentRec, err := r.liveNode(tx, newParent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if ref.Store != newParent.Store {
		return types.ChildAssociationRef{}, invalidArg("cannot move %s to another store", ref)
	}
	old, found, err := r.primaryParentAssoc(tx, ref)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if !found {
		return types.ChildAssociationRef{}, invalidArg("node %s has no primary parent to move from", ref)
	}
	if assocType.IsZero() {
		assocType = old.Type
	}
	if assocQName.IsZero() {
		assocQName = old.QName
	}
	if err := r.checkChildAssocType(assocType); err != nil {
		return types.ChildAssociationRef{}, err
	}
	cycle, err := r.isAncestor(tx, ref, newParent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if cycle {
		return types.ChildAssociationRef{}, invalidArg("moving %s under %s would create a cycle", ref, newParent)
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionDelete); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.checkPermission(ctx, tx, newParent, security.PermissionCreateChildren); err != nil {
		return types.ChildAssociationRef{}, err
	}

	classes := r.classes(rec)
	pending := types.ChildAssociationRef{Type: assocType, Parent: newParent, Child: ref, QName: assocQName, IsPrimary: true}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeDeleteChildAssociation, Node: ref, Parent: old.Parent, ChildAssoc: old.ref()}, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeCreateChildAssociation, Node: ref, Parent: newParent, ChildAssoc: pending}, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}

	if err := r.removeChildAssoc(tx, old); err != nil {
		return types.ChildAssociationRef{}, err
	}
	moved, err := r.addChildAssoc(tx, parentRec, rec, assocType, assocQName, true)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := tx.stamp(ref); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.cascadeUpdate(tx, rec); err != nil {
		return types.ChildAssociationRef{}, err
	}

	ev := &policy.Event{Kind: policy.OnMoveNode, Node: ref, Parent: newParent, OldAssoc: old.ref(), ChildAssoc: moved.ref()}
	if err := r.fireOn(ctx, ev, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}
	tx.emit(events.EventNodeMoved, ref)
	return moved.ref(), nil
}

// AddChild links an existing node under another parent with a secondary
// association
func (r *Repository) AddChild(ctx context.Context, tx *Txn, parent, child types.NodeRef, assocType, assocQName types.QName) (types.ChildAssociationRef, error) {
	defer observe("addChild")()

	if assocQName.IsZero() {
		return types.ChildAssociationRef{}, invalidArg("association qname is required")
	}
	if err := r.checkChildAssocType(assocType); err != nil {
		return types.ChildAssociationRef{}, err
	}
	parentRec, err := r.liveNode(tx, parent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	childRec, err := r.liveNode(tx, child)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if parent.Store != child.Store {
		return types.ChildAssociationRef{}, invalidArg("cannot link %s to a parent in another store", child)
	}
	cycle, err := r.isAncestor(tx, child, parent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if cycle {
		return types.ChildAssociationRef{}, invalidArg("linking %s under %s would create a cycle", child, parent)
	}
	if err := r.checkPermission(ctx, tx, parent, security.PermissionCreateChildren); err != nil {
		return types.ChildAssociationRef{}, err
	}

	classes := r.classes(childRec)
	pending := types.ChildAssociationRef{Type: assocType, Parent: parent, Child: child, QName: assocQName}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeCreateChildAssociation, Node: child, Parent: parent, ChildAssoc: pending}, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}

	a, err := r.addChildAssoc(tx, parentRec, childRec, assocType, assocQName, false)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := tx.stamp(child); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.cascadeUpdate(tx, childRec); err != nil {
		return types.ChildAssociationRef{}, err
	}

	ev := &policy.Event{Kind: policy.OnCreateChildAssociation, Node: child, Parent: parent, ChildAssoc: a.ref()}
	if err := r.fireOn(ctx, ev, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}
	tx.emit(events.EventNodeUpdated, child)
	return a.ref(), nil
}

// RemoveChild removes every link between parent and child. If one of them
// is the child's primary association the child is deleted.
func (r *Repository) RemoveChild(ctx context.Context, tx *Txn, parent, child types.NodeRef) error {
	defer observe("removeChild")()

	if _, err := r.liveNode(tx, parent); err != nil {
		return err
	}
	childRec, err := r.liveNode(tx, child)
	if err != nil {
		return err
	}
	parents, err := r.parentAssocs(tx, child)
	if err != nil {
		return err
	}
	var links []*childAssocRecord
	for _, a := range parents {
		if a.Parent == parent {
			links = append(links, a)
		}
	}
	return r.removeLinks(ctx, tx, childRec, links)
}

// RemoveChildAssociation removes one association, identified by id when
// set or by its parent, child, type and qname otherwise
func (r *Repository) RemoveChildAssociation(ctx context.Context, tx *Txn, assoc types.ChildAssociationRef) (bool, error) {
	defer observe("removeChildAssociation")()

	childRec, err := r.liveNode(tx, assoc.Child)
	if err != nil {
		return false, err
	}
	parents, err := r.parentAssocs(tx, assoc.Child)
	if err != nil {
		return false, err
	}
	for _, a := range parents {
		match := a.ID == assoc.ID
		if assoc.ID == 0 {
			match = a.Parent == assoc.Parent && a.Type == assoc.Type && a.QName == assoc.QName
		}
		if match {
			return true, r.removeLinks(ctx, tx, childRec, []*childAssocRecord{a})
		}
	}
	return false, nil
}

func (r *Repository) removeLinks(ctx context.Context, tx *Txn, child *nodeRecord, links []*childAssocRecord) error {
	if len(links) == 0 {
		return nil
	}
	if err := r.checkPermission(ctx, tx, child.ref(), security.PermissionDelete); err != nil {
		return err
	}
	for _, a := range links {
		if a.IsPrimary {
			return r.deleteNode(ctx, tx, child)
		}
	}

	classes := r.classes(child)
	for _, a := range links {
		ev := &policy.Event{Kind: policy.BeforeDeleteChildAssociation, Node: child.ref(), Parent: a.Parent, ChildAssoc: a.ref()}
		if err := r.fireBefore(ctx, ev, classes); err != nil {
			return err
		}
	}
	for _, a := range links {
		if err := r.removeChildAssoc(tx, a); err != nil {
			return err
		}
		ev := &policy.Event{Kind: policy.OnDeleteChildAssociation, Node: child.ref(), Parent: a.Parent, ChildAssoc: a.ref()}
		if err := r.fireOn(ctx, ev, classes); err != nil {
			return err
		}
	}
	if err := tx.stamp(child.ref()); err != nil {
		return err
	}
	if err := r.cascadeUpdate(tx, child); err != nil {
		return err
	}
	tx.emit(events.EventNodeUpdated, child.ref())
	return nil
}

// GetChildAssocs lists parent's children in creation order. A zero
// assocType and a nil pattern match everything; maxItems <= 0 means no
// limit. preload loads every child into the caches up front and does not
// change the result. Links to children that no longer exist are removed.
func (r *Repository) GetChildAssocs(ctx context.Context, tx *Txn, parent types.NodeRef, assocType types.QName, pattern QNamePattern, maxItems int, preload bool) ([]types.ChildAssociationRef, error) {
	defer observe("getChildAssocs")()

	if _, err := r.liveNode(tx, parent); err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, parent, security.PermissionRead); err != nil {
		return nil, err
	}
	assocs, err := r.childAssocs(tx, parent)
	if err != nil {
		return nil, err
	}
	if preload {
		for _, a := range assocs {
			if _, _, err := r.node(tx, a.Child); err != nil {
				return nil, err
			}
		}
	}

	var out []types.ChildAssociationRef
	for _, a := range assocs {
		if !assocType.IsZero() && a.Type != assocType {
			continue
		}
		if !matches(pattern, a.QName) {
			continue
		}
		live, err := r.isLive(tx, a.Child)
		if err != nil {
			return nil, err
		}
		if !live {
			r.logger.Warn().
				Str("parent", parent.String()).
				Str("child", a.Child.String()).
				Msg("Removing link to missing child")
			if err := r.removeChildAssoc(tx, a); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, a.ref())
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
	}
	return out, nil
}

// GetParentAssocs lists the links from child to its parents
func (r *Repository) GetParentAssocs(ctx context.Context, tx *Txn, child types.NodeRef, assocType types.QName, pattern QNamePattern) ([]types.ChildAssociationRef, error) {
	if _, err := r.liveNode(tx, child); err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, child, security.PermissionRead); err != nil {
		return nil, err
	}
	parents, err := r.parentAssocs(tx, child)
	if err != nil {
		return nil, err
	}
	var out []types.ChildAssociationRef
	for _, a := range parents {
		if (assocType.IsZero() || a.Type == assocType) && matches(pattern, a.QName) {
			out = append(out, a.ref())
		}
	}
	return out, nil
}

// GetPrimaryParent returns the node's primary association. For a store
// root the returned association has no parent.
func (r *Repository) GetPrimaryParent(ctx context.Context, tx *Txn, ref types.NodeRef) (types.ChildAssociationRef, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if rec.Type == dictionary.TypeStoreRoot {
		return types.ChildAssociationRef{Child: ref, IsPrimary: true}, nil
	}
	a, found, err := r.primaryParentAssoc(tx, ref)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if !found {
		return types.ChildAssociationRef{}, integrity("node %s has no primary parent", ref)
	}
	return a.ref(), nil
}

// GetChildByName finds a child by its case-insensitive name
func (r *Repository) GetChildByName(ctx context.Context, tx *Txn, parent types.NodeRef, assocType types.QName, name string) (types.NodeRef, bool, error) {
	parentRec, err := r.liveNode(tx, parent)
	if err != nil {
		return types.NodeRef{}, false, err
	}
	if err := r.checkPermission(ctx, tx, parent, security.PermissionRead); err != nil {
		return types.NodeRef{}, false, err
	}

	if !enforcesNames(parentRec) {
		assocs, err := r.childAssocs(tx, parent)
		if err != nil {
			return types.NodeRef{}, false, err
		}
		for _, a := range assocs {
			if a.Type != assocType {
				continue
			}
			child, found, err := r.node(tx, a.Child)
			if err != nil {
				return types.NodeRef{}, false, err
			}
			if found && !child.Deleted && strings.EqualFold(childName(child, a.QName), name) {
				return a.Child, true, nil
			}
		}
		return types.NodeRef{}, false, nil
	}

	owner, found, err := tx.get(storage.BucketChildNames, nameKey(parent, assocType, name))
	if err != nil || !found {
		return types.NodeRef{}, false, err
	}
	var a childAssocRecord
	found, err = tx.getRecord(storage.BucketChildAssocs, owner, &a)
	if err != nil || !found {
		return types.NodeRef{}, false, err
	}
	live, err := r.isLive(tx, a.Child)
	if err != nil || !live {
		return types.NodeRef{}, false, err
	}
	return a.Child, true, nil
}

// CountChildAssocs counts the links below parent
func (r *Repository) CountChildAssocs(ctx context.Context, tx *Txn, parent types.NodeRef, primaryOnly bool) (int, error) {
	if _, err := r.liveNode(tx, parent); err != nil {
		return 0, err
	}
	assocs, err := r.childAssocs(tx, parent)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assocs {
		if !primaryOnly || a.IsPrimary {
			n++
		}
	}
	return n, nil
}

func (r *Repository) putPeerAssoc(tx *Txn, source, target types.NodeRef, assocType types.QName) (*peerAssocRecord, error) {
	id, err := r.backend.NextSequence("assoc")
	if err != nil {
		return nil, err
	}
	a := &peerAssocRecord{ID: int64(id), Source: source, Target: target, Type: assocType}
	if err := tx.putRecord(storage.BucketPeerAssocs, idKey(a.ID), a); err != nil {
		return nil, err
	}
	if err := tx.put(storage.BucketPeerBySource, indexKey(source, a.ID), idKey(a.ID)); err != nil {
		return nil, err
	}
	if err := tx.put(storage.BucketPeerByTarget, indexKey(target, a.ID), idKey(a.ID)); err != nil {
		return nil, err
	}
	if err := tx.stamp(source); err != nil {
		return nil, err
	}
	return a, tx.stamp(target)
}

func (r *Repository) removePeerAssoc(tx *Txn, a *peerAssocRecord) error {
	if err := tx.del(storage.BucketPeerAssocs, idKey(a.ID)); err != nil {
		return err
	}
	if err := tx.del(storage.BucketPeerBySource, indexKey(a.Source, a.ID)); err != nil {
		return err
	}
	return tx.del(storage.BucketPeerByTarget, indexKey(a.Target, a.ID))
}

// peerAssocs lists the peer links where ref is the source, or the target
// when bySource is false
func (r *Repository) peerAssocs(tx *Txn, ref types.NodeRef, bySource bool) ([]*peerAssocRecord, error) {
	bucket := storage.BucketPeerByTarget
	if bySource {
		bucket = storage.BucketPeerBySource
	}
	var ids []int64
	err := tx.scan(bucket, indexPrefix(ref), func(_, v []byte) error {
		ids = append(ids, keyID(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*peerAssocRecord, 0, len(ids))
	for _, id := range ids {
		var a peerAssocRecord
		found, err := tx.getRecord(storage.BucketPeerAssocs, idKey(id), &a)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &a)
		}
	}
	return out, nil
}

// CreateAssociation links source to target with a peer association
func (r *Repository) CreateAssociation(ctx context.Context, tx *Txn, source, target types.NodeRef, assocType types.QName) (types.AssociationRef, error) {
	defer observe("createAssociation")()

	def, ok := r.dict.Association(assocType)
	if !ok || def.IsChild {
		return types.AssociationRef{}, invalidArg("unknown peer association type %s", assocType)
	}
	sourceRec, err := r.liveNode(tx, source)
	if err != nil {
		return types.AssociationRef{}, err
	}
	if _, err := r.liveNode(tx, target); err != nil {
		return types.AssociationRef{}, err
	}
	if err := r.checkPermission(ctx, tx, source, security.PermissionWrite); err != nil {
		return types.AssociationRef{}, err
	}
	existing, err := r.peerAssocs(tx, source, true)
	if err != nil {
		return types.AssociationRef{}, err
	}
	for _, a := range existing {
		if a.Target == target && a.Type == assocType {
			return types.AssociationRef{}, invalidArg("association %s from %s to %s already exists", assocType, source, target)
		}
	}

	classes := r.classes(sourceRec)
	pending := types.AssociationRef{Source: source, Target: target, Type: assocType}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeCreateAssociation, Node: source, Assoc: pending}, classes); err != nil {
		return types.AssociationRef{}, err
	}

	a, err := r.putPeerAssoc(tx, source, target, assocType)
	if err != nil {
		return types.AssociationRef{}, err
	}
	ev := &policy.Event{Kind: policy.OnCreateAssociation, Node: source, Assoc: a.ref()}
	if err := r.fireOn(ctx, ev, classes); err != nil {
		return types.AssociationRef{}, err
	}
	tx.emit(events.EventNodeUpdated, source)
	return a.ref(), nil
}

// RemoveAssociation removes the peer association and reports whether it existed
func (r *Repository) RemoveAssociation(ctx context.Context, tx *Txn, source, target types.NodeRef, assocType types.QName) (bool, error) {
	defer observe("removeAssociation")()

	sourceRec, err := r.liveNode(tx, source)
	if err != nil {
		return false, err
	}
	if err := r.checkPermission(ctx, tx, source, security.PermissionWrite); err != nil {
		return false, err
	}
	existing, err := r.peerAssocs(tx, source, true)
	if err != nil {
		return false, err
	}
	for _, a := range existing {
		if a.Target != target || a.Type != assocType {
			continue
		}
		before := &policy.Event{Kind: policy.BeforeDeleteAssociation, Node: source, Assoc: a.ref()}
		if err := r.fireBefore(ctx, before, r.classes(sourceRec)); err != nil {
			return false, err
		}
		if err := r.removePeerAssoc(tx, a); err != nil {
			return false, err
		}
		ev := &policy.Event{Kind: policy.OnDeleteAssociation, Node: source, Assoc: a.ref()}
		if err := r.fireOn(ctx, ev, r.classes(sourceRec)); err != nil {
			return false, err
		}
		tx.emit(events.EventNodeUpdated, source)
		return true, nil
	}
	return false, nil
}

// GetTargetAssocs lists peer associations from source whose type matches pattern
func (r *Repository) GetTargetAssocs(ctx context.Context, tx *Txn, source types.NodeRef, pattern QNamePattern) ([]types.AssociationRef, error) {
	return r.listPeers(ctx, tx, source, pattern, true)
}

// GetSourceAssocs lists peer associations to target whose type matches pattern
func (r *Repository) GetSourceAssocs(ctx context.Context, tx *Txn, target types.NodeRef, pattern QNamePattern) ([]types.AssociationRef, error) {
	return r.listPeers(ctx, tx, target, pattern, false)
}

func (r *Repository) listPeers(ctx context.Context, tx *Txn, ref types.NodeRef, pattern QNamePattern, bySource bool) ([]types.AssociationRef, error) {
	if _, err := r.liveNode(tx, ref); err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, err
	}
	assocs, err := r.peerAssocs(tx, ref, bySource)
	if err != nil {
		return nil, err
	}
	var out []types.AssociationRef
	for _, a := range assocs {
		if !matches(pattern, a.Type) {
			continue
		}
		other := a.Source
		if bySource {
			other = a.Target
		}
		live, err := r.isLive(tx, other)
		if err != nil {
			return nil, err
		}
		if !live {
			if err := r.removePeerAssoc(tx, a); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, a.ref())
	}
	return out, nil
}
