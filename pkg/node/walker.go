package node

import (
	"context"

	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/types"
)

// WalkOrder selects the order WalkHierarchy returns nodes in
type WalkOrder int

const (
	RootFirst WalkOrder = iota
	LeafFirst
)

// VisitedNode is one node of a walked subtree with the links that cross
// its primary containment. Primary child links are not listed; those
// children are visited themselves.
type VisitedNode struct {
	Node              types.NodeRef
	DBID              int64
	PrimaryParent     *types.ChildAssociationRef
	SecondaryParents  []types.ChildAssociationRef
	SecondaryChildren []types.ChildAssociationRef
	TargetAssocs      []types.AssociationRef
	SourceAssocs      []types.AssociationRef
}

// visit is the internal form of a walked node
type visit struct {
	rec      *nodeRecord
	parents  []*childAssocRecord
	children []*childAssocRecord
	targets  []*peerAssocRecord
	sources  []*peerAssocRecord
}

func (v *visit) public() *VisitedNode {
	out := &VisitedNode{Node: v.rec.ref(), DBID: v.rec.DBID}
	for _, a := range v.parents {
		if a.IsPrimary {
			ref := a.ref()
			out.PrimaryParent = &ref
		} else {
			out.SecondaryParents = append(out.SecondaryParents, a.ref())
		}
	}
	for _, a := range v.children {
		if !a.IsPrimary {
			out.SecondaryChildren = append(out.SecondaryChildren, a.ref())
		}
	}
	for _, a := range v.targets {
		out.TargetAssocs = append(out.TargetAssocs, a.ref())
	}
	for _, a := range v.sources {
		out.SourceAssocs = append(out.SourceAssocs, a.ref())
	}
	return out
}

// walk collects start and its live primary descendants breadth first, so
// every parent precedes its children
func (r *Repository) walk(tx *Txn, start *nodeRecord) ([]*visit, error) {
	var out []*visit
	seen := map[types.NodeRef]bool{start.ref(): true}
	queue := []*nodeRecord{start}

	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]
		ref := rec.ref()

		v := &visit{rec: rec}
		var err error
		if v.parents, err = r.parentAssocs(tx, ref); err != nil {
			return nil, err
		}
		if v.children, err = r.childAssocs(tx, ref); err != nil {
			return nil, err
		}
		if v.targets, err = r.peerAssocs(tx, ref, true); err != nil {
			return nil, err
		}
		if v.sources, err = r.peerAssocs(tx, ref, false); err != nil {
			return nil, err
		}
		out = append(out, v)

		for _, a := range v.children {
			if !a.IsPrimary || seen[a.Child] {
				continue
			}
			child, found, err := r.node(tx, a.Child)
			if err != nil {
				return nil, err
			}
			if !found || child.Deleted {
				continue
			}
			seen[a.Child] = true
			queue = append(queue, child)
		}
	}
	return out, nil
}

// WalkHierarchy visits ref and its primary subtree. Leaf-first order is
// the exact reverse of root-first order.
func (r *Repository) WalkHierarchy(ctx context.Context, tx *Txn, ref types.NodeRef, order WalkOrder) ([]*VisitedNode, error) {
	defer observe("walkHierarchy")()

	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, err
	}
	visits, err := r.walk(tx, rec)
	if err != nil {
		return nil, err
	}

	out := make([]*VisitedNode, len(visits))
	for i, v := range visits {
		if order == LeafFirst {
			out[len(visits)-1-i] = v.public()
		} else {
			out[i] = v.public()
		}
	}
	return out, nil
}
