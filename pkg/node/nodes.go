package node

import (
	"context"
	"strings"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/policy"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/google/uuid"
)

// node loads the record visible to tx, including deleted ghosts
func (r *Repository) node(tx *Txn, ref types.NodeRef) (*nodeRecord, bool, error) {
	raw, found, err := tx.get(storage.BucketNodes, nodeKey(ref))
	if err != nil || !found {
		return nil, false, err
	}
	rec, err := decodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// liveNode loads a node that must exist and must not be deleted
func (r *Repository) liveNode(tx *Txn, ref types.NodeRef) (*nodeRecord, error) {
	if ref.ID == "" || ref.Store.IsZero() {
		return nil, invalidArg("incomplete node ref %q", ref)
	}
	rec, found, err := r.node(tx, ref)
	if err != nil {
		return nil, err
	}
	if !found || rec.Deleted {
		return nil, &InvalidNodeRefError{Ref: ref}
	}
	return rec, nil
}

// isLive reports whether ref exists and is not deleted
func (r *Repository) isLive(tx *Txn, ref types.NodeRef) (bool, error) {
	rec, found, err := r.node(tx, ref)
	if err != nil {
		return false, err
	}
	return found && !rec.Deleted, nil
}

// touch advances the version at most once per transaction and stamps the
// transaction id
func (tx *Txn) touch(rec *nodeRecord) error {
	id, err := tx.ensureDBTxnID()
	if err != nil {
		return err
	}
	if !tx.bumped[rec.DBID] {
		rec.Version++
		tx.bumped[rec.DBID] = true
	}
	rec.TxnID = id
	return nil
}

func (r *Repository) writeNode(tx *Txn, rec *nodeRecord) error {
	if err := tx.touch(rec); err != nil {
		return err
	}
	return tx.putRecord(storage.BucketNodes, nodeKey(rec.ref()), rec)
}

// newNode builds and writes a node record with its mandatory aspects,
// defaults, locale and audit properties. No association is created.
func (r *Repository) newNode(ctx context.Context, tx *Txn, store types.StoreRef, nodeType types.QName, props types.Properties, parent *nodeRecord) (*nodeRecord, error) {
	id := uuid.New().String()
	if v, ok := props[dictionary.PropNodeUUID]; ok {
		s, ok := v.(string)
		if !ok || s == "" || strings.ContainsAny(s, "/\x00") {
			return nil, invalidArg("invalid node uuid %v", v)
		}
		_, found, err := r.node(tx, types.NodeRef{Store: store, ID: s})
		if err != nil {
			return nil, err
		}
		if found {
			return nil, invalidArg("node %s already exists in %s", s, store)
		}
		id = s
	}

	dbid, err := r.backend.NextSequence("node")
	if err != nil {
		return nil, err
	}
	rec := &nodeRecord{
		DBID:       int64(dbid),
		Store:      store,
		ID:         id,
		Type:       nodeType,
		Version:    1,
		Properties: r.dict.DefaultProperties(nodeType),
		Aspects:    types.NewQNameSet(),
	}
	for _, aspect := range r.dict.MandatoryAspects(nodeType) {
		r.addAspectDefaults(rec, aspect)
	}

	next, err := r.mergeProperties(rec, rec.Properties, props, true)
	if err != nil {
		return nil, err
	}
	rec.Properties = next
	r.addImpliedAspects(rec)

	if _, ok := rec.Properties[dictionary.PropLocale]; !ok {
		rec.Properties[dictionary.PropLocale] = r.localeFor(ctx, parent)
	}
	rec.Aspects.Add(dictionary.AspectLocalized)

	if rec.Aspects.Contains(dictionary.AspectAuditable) {
		ts := timestamp()
		rec.Properties[dictionary.PropCreated] = ts
		rec.Properties[dictionary.PropCreator] = tx.user
		rec.Properties[dictionary.PropModified] = ts
		rec.Properties[dictionary.PropModifier] = tx.user
	}

	if err := r.syncContent(tx, rec.ref(), nil, rec.Properties); err != nil {
		return nil, err
	}

	// Version 1 is this transaction's bump
	tx.bumped[rec.DBID] = true
	if err := r.writeNode(tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) localeFor(ctx context.Context, parent *nodeRecord) string {
	if locale, ok := security.LocaleFrom(ctx); ok {
		return locale
	}
	if parent != nil {
		if locale, ok := parent.Properties[dictionary.PropLocale].(string); ok && locale != "" {
			return locale
		}
	}
	return r.defaultLocale
}

// addAspectDefaults adds aspect to rec and fills in its default values
// for properties rec does not have yet
func (r *Repository) addAspectDefaults(rec *nodeRecord, aspect types.QName) {
	rec.Aspects.Add(aspect)
	for name, value := range r.dict.DefaultProperties(aspect) {
		if _, ok := rec.Properties[name]; !ok {
			rec.Properties[name] = value
		}
	}
}

// addImpliedAspects adds the aspects that own properties present on rec
func (r *Repository) addImpliedAspects(rec *nodeRecord) {
	for name := range rec.Properties {
		owner, ok := r.dict.PropertyClass(name)
		if !ok || rec.Aspects.Contains(owner) {
			continue
		}
		if _, isAspect := r.dict.Aspect(owner); isAspect {
			r.addAspectDefaults(rec, owner)
		}
	}
}

func (r *Repository) audit(tx *Txn, rec *nodeRecord) {
	if !rec.Aspects.Contains(dictionary.AspectAuditable) {
		return
	}
	rec.Properties[dictionary.PropModified] = timestamp()
	rec.Properties[dictionary.PropModifier] = tx.user
}

func derivedValue(rec *nodeRecord, name types.QName) (any, bool) {
	switch name {
	case dictionary.PropNodeUUID:
		return rec.ID, true
	case dictionary.PropNodeDBID:
		return rec.DBID, true
	case dictionary.PropStoreProtocol:
		return rec.Store.Protocol, true
	case dictionary.PropStoreIdentifier:
		return rec.Store.Identifier, true
	}
	return nil, false
}

// checkValue validates a value for the generic property path. skip is
// true when the write would not change anything.
func (r *Repository) checkValue(rec *nodeRecord, name types.QName, value any, allowContent bool) (v any, skip bool, err error) {
	if name.IsZero() {
		return nil, false, invalidArg("empty property name")
	}
	v, err = r.dict.Coerce(name, value)
	if err != nil {
		return nil, false, &InvalidTypeError{Node: rec.ref(), Property: name, Reason: err.Error()}
	}

	if dv, ok := derivedValue(rec, name); ok {
		if types.ValuesEqual(dv, v) {
			return nil, true, nil
		}
		return nil, false, &InvalidTypeError{Node: rec.ref(), Property: name, Reason: "derived property cannot be set"}
	}
	// The locale is mandatory
	if name == dictionary.PropLocale && v == nil {
		return nil, true, nil
	}

	cur, has := rec.Properties[name]
	if def, ok := r.dict.Property(name); ok && def.Protected {
		if has && types.ValuesEqual(cur, v) {
			return nil, true, nil
		}
		return nil, false, &InvalidTypeError{Node: rec.ref(), Property: name, Reason: "protected property"}
	}

	if cd, ok := v.(types.ContentData); ok && cd.HasURL() && !allowContent {
		old, _ := cur.(types.ContentData)
		if old.URL != cd.URL {
			return nil, false, &InvalidTypeError{Node: rec.ref(), Property: name, Reason: "content url can only be changed with SetContent"}
		}
	}
	return v, false, nil
}

// mergeProperties applies updates over base and returns the result
func (r *Repository) mergeProperties(rec *nodeRecord, base, updates types.Properties, allowContent bool) (types.Properties, error) {
	next := base.Clone()
	for name, value := range updates {
		v, skip, err := r.checkValue(rec, name, value, allowContent)
		if err != nil {
			return nil, err
		}
		if !skip {
			next[name] = v
		}
	}
	return next, nil
}

// retainedOnReplace lists properties SetProperties keeps when the caller
// omits them
func (r *Repository) retainedOnReplace(name types.QName) bool {
	if name == dictionary.PropLocale {
		return true
	}
	if def, ok := r.dict.Property(name); ok && def.Protected {
		return true
	}
	owner, ok := r.dict.PropertyClass(name)
	return ok && owner == dictionary.AspectAuditable
}

// updateProperties moves rec to next, bumping the version, when the two
// differ
func (r *Repository) updateProperties(ctx context.Context, tx *Txn, rec *nodeRecord, next types.Properties) error {
	if rec.Properties.Equal(next) {
		return nil
	}
	ref := rec.ref()
	before := rec.Properties
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeUpdateNode, Node: ref}, r.classes(rec)); err != nil {
		return err
	}
	if err := r.syncContent(tx, ref, before, next); err != nil {
		return err
	}

	rec.Properties = next
	r.addImpliedAspects(rec)
	if !types.ValuesEqual(before[dictionary.PropName], next[dictionary.PropName]) {
		if err := r.renameChild(tx, rec); err != nil {
			return err
		}
	}
	r.audit(tx, rec)
	if err := r.writeNode(tx, rec); err != nil {
		return err
	}

	classes := r.classes(rec)
	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnUpdateProperties, Node: ref, Before: before, After: rec.Properties.Clone()}, classes); err != nil {
		return err
	}
	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnUpdateNode, Node: ref}, classes); err != nil {
		return err
	}
	tx.emit(events.EventNodeUpdated, ref)
	return nil
}

// CreateNode creates a node of nodeType as the primary child of parent
func (r *Repository) CreateNode(ctx context.Context, tx *Txn, parent types.NodeRef, assocType, assocQName, nodeType types.QName, props types.Properties) (types.ChildAssociationRef, error) {
	defer observe("createNode")()

	if assocQName.IsZero() {
		return types.ChildAssociationRef{}, invalidArg("association qname is required")
	}
	if err := r.checkChildAssocType(assocType); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if _, ok := r.dict.Type(nodeType); !ok {
		return types.ChildAssociationRef{}, invalidArg("unknown type %s", nodeType)
	}
	parentRec, err := r.liveNode(tx, parent)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.checkPermission(ctx, tx, parent, security.PermissionCreateChildren); err != nil {
		return types.ChildAssociationRef{}, err
	}

	pending := types.ChildAssociationRef{Type: assocType, Parent: parent, QName: assocQName, IsPrimary: true}
	before := &policy.Event{Kind: policy.BeforeCreateNode, Parent: parent, NodeType: nodeType, ChildAssoc: pending}
	if err := r.fireBefore(ctx, before, r.dict.Hierarchy(nodeType)); err != nil {
		return types.ChildAssociationRef{}, err
	}
	before = &policy.Event{Kind: policy.BeforeCreateChildAssociation, Parent: parent, ChildAssoc: pending, IsNewNode: true}
	if err := r.fireBefore(ctx, before, r.dict.Hierarchy(nodeType)); err != nil {
		return types.ChildAssociationRef{}, err
	}

	rec, err := r.newNode(ctx, tx, parent.Store, nodeType, props, parentRec)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}
	assoc, err := r.addChildAssoc(tx, parentRec, rec, assocType, assocQName, true)
	if err != nil {
		return types.ChildAssociationRef{}, err
	}

	classes := r.classes(rec)
	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnCreateNode, Node: rec.ref(), Parent: parent, NodeType: nodeType, ChildAssoc: assoc.ref()}, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}
	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnCreateChildAssociation, Node: rec.ref(), Parent: parent, ChildAssoc: assoc.ref(), IsNewNode: true}, classes); err != nil {
		return types.ChildAssociationRef{}, err
	}
	tx.emit(events.EventNodeCreated, rec.ref())
	return assoc.ref(), nil
}

// Exists reports whether ref names a live node
func (r *Repository) Exists(ctx context.Context, tx *Txn, ref types.NodeRef) (bool, error) {
	return r.isLive(tx, ref)
}

// GetNodeStatus reports the delete state and last transaction of a node,
// including deleted nodes
func (r *Repository) GetNodeStatus(ctx context.Context, tx *Txn, ref types.NodeRef) (types.NodeStatus, bool, error) {
	rec, found, err := r.node(tx, ref)
	if err != nil || !found {
		return types.NodeStatus{}, false, err
	}
	return rec.status(), true, nil
}

// GetVersionKey returns the key of the node's current properties and aspects
func (r *Repository) GetVersionKey(ctx context.Context, tx *Txn, ref types.NodeRef) (types.NodeVersionKey, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return types.NodeVersionKey{}, err
	}
	return rec.versionKey(), nil
}

func (r *Repository) GetType(ctx context.Context, tx *Txn, ref types.NodeRef) (types.QName, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return types.QName{}, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return types.QName{}, err
	}
	return rec.Type, nil
}

// SetType changes the node's type and adds the new type's mandatory
// aspects and defaults
func (r *Repository) SetType(ctx context.Context, tx *Txn, ref types.NodeRef, typeName types.QName) error {
	defer observe("setType")()

	if _, ok := r.dict.Type(typeName); !ok {
		return invalidArg("unknown type %s", typeName)
	}
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if rec.Type == typeName {
		return nil
	}
	if rec.Type == dictionary.TypeStoreRoot || typeName == dictionary.TypeStoreRoot {
		return invalidArg("store roots cannot change type")
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionWrite); err != nil {
		return err
	}

	oldType := rec.Type
	ev := &policy.Event{Kind: policy.BeforeSetNodeType, Node: ref, OldType: oldType, NodeType: typeName}
	if err := r.fireBefore(ctx, ev, r.classes(rec)); err != nil {
		return err
	}

	rec.Type = typeName
	for name, value := range r.dict.DefaultProperties(typeName) {
		if _, ok := rec.Properties[name]; !ok {
			rec.Properties[name] = value
		}
	}
	for _, aspect := range r.dict.MandatoryAspects(typeName) {
		r.addAspectDefaults(rec, aspect)
	}
	r.audit(tx, rec)
	if err := r.writeNode(tx, rec); err != nil {
		return err
	}

	ev = &policy.Event{Kind: policy.OnSetNodeType, Node: ref, OldType: oldType, NodeType: typeName}
	if err := r.fireOn(ctx, ev, r.classes(rec)); err != nil {
		return err
	}
	tx.emit(events.EventNodeUpdated, ref)
	return nil
}

// GetProperty returns a single property, including derived ones
func (r *Repository) GetProperty(ctx context.Context, tx *Txn, ref types.NodeRef, name types.QName) (any, bool, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return nil, false, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, false, err
	}
	if v, ok := derivedValue(rec, name); ok {
		return v, true, nil
	}
	v, ok := rec.Properties[name]
	return v, ok, nil
}

// GetProperties returns a copy of the node's properties with the derived
// identity properties added
func (r *Repository) GetProperties(ctx context.Context, tx *Txn, ref types.NodeRef) (types.Properties, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, err
	}
	props := rec.Properties.Clone()
	for _, name := range dictionary.DerivedProperties {
		props[name], _ = derivedValue(rec, name)
	}
	return props, nil
}

// SetProperty sets one property. Setting a property to its current value
// changes nothing.
func (r *Repository) SetProperty(ctx context.Context, tx *Txn, ref types.NodeRef, name types.QName, value any) error {
	defer observe("setProperty")()
	return r.modifyProperties(ctx, tx, ref, func(rec *nodeRecord) (types.Properties, error) {
		return r.mergeProperties(rec, rec.Properties, types.Properties{name: value}, false)
	})
}

// SetProperties replaces the node's properties. Protected, audit and
// locale properties are kept when props omits them.
func (r *Repository) SetProperties(ctx context.Context, tx *Txn, ref types.NodeRef, props types.Properties) error {
	defer observe("setProperties")()
	return r.modifyProperties(ctx, tx, ref, func(rec *nodeRecord) (types.Properties, error) {
		base := types.Properties{}
		for name, value := range rec.Properties {
			if r.retainedOnReplace(name) {
				base[name] = value
			}
		}
		return r.mergeProperties(rec, base, props, false)
	})
}

// AddProperties merges props into the node's properties
func (r *Repository) AddProperties(ctx context.Context, tx *Txn, ref types.NodeRef, props types.Properties) error {
	defer observe("addProperties")()
	return r.modifyProperties(ctx, tx, ref, func(rec *nodeRecord) (types.Properties, error) {
		return r.mergeProperties(rec, rec.Properties, props, false)
	})
}

// RemoveProperty removes a property. Removing the locale is ignored.
func (r *Repository) RemoveProperty(ctx context.Context, tx *Txn, ref types.NodeRef, name types.QName) error {
	defer observe("removeProperty")()
	return r.modifyProperties(ctx, tx, ref, func(rec *nodeRecord) (types.Properties, error) {
		if _, ok := derivedValue(rec, name); ok {
			return nil, &InvalidTypeError{Node: ref, Property: name, Reason: "derived property cannot be removed"}
		}
		if name == dictionary.PropLocale {
			return rec.Properties, nil
		}
		if _, has := rec.Properties[name]; !has {
			return rec.Properties, nil
		}
		if def, ok := r.dict.Property(name); ok && def.Protected {
			return nil, &InvalidTypeError{Node: ref, Property: name, Reason: "protected property"}
		}
		next := rec.Properties.Clone()
		delete(next, name)
		return next, nil
	})
}

func (r *Repository) modifyProperties(ctx context.Context, tx *Txn, ref types.NodeRef, compute func(rec *nodeRecord) (types.Properties, error)) error {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionWrite); err != nil {
		return err
	}
	next, err := compute(rec)
	if err != nil {
		return err
	}
	return r.updateProperties(ctx, tx, rec, next)
}

// AddAspect applies aspect with its defaults, overridden by props
func (r *Repository) AddAspect(ctx context.Context, tx *Txn, ref types.NodeRef, aspect types.QName, props types.Properties) error {
	defer observe("addAspect")()

	if _, ok := r.dict.Aspect(aspect); !ok {
		return invalidArg("unknown aspect %s", aspect)
	}
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionWrite); err != nil {
		return err
	}

	had := rec.Aspects.Contains(aspect)
	before := rec.Properties
	base := before.Clone()
	if !had {
		for name, value := range r.dict.DefaultProperties(aspect) {
			if _, ok := base[name]; !ok {
				base[name] = value
			}
		}
	}
	next, err := r.mergeProperties(rec, base, props, false)
	if err != nil {
		return err
	}
	if had {
		return r.updateProperties(ctx, tx, rec, next)
	}

	classes := r.classes(rec)
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeUpdateNode, Node: ref}, classes); err != nil {
		return err
	}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeAddAspect, Node: ref, Aspect: aspect}, classes); err != nil {
		return err
	}
	if err := r.syncContent(tx, ref, before, next); err != nil {
		return err
	}
	rec.Aspects.Add(aspect)
	rec.Properties = next
	r.addImpliedAspects(rec)
	if !types.ValuesEqual(before[dictionary.PropName], next[dictionary.PropName]) {
		if err := r.renameChild(tx, rec); err != nil {
			return err
		}
	}
	r.audit(tx, rec)
	if err := r.writeNode(tx, rec); err != nil {
		return err
	}

	classes = r.classes(rec)
	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnAddAspect, Node: ref, Aspect: aspect}, classes); err != nil {
		return err
	}
	if !before.Equal(next) {
		ev := &policy.Event{Kind: policy.OnUpdateProperties, Node: ref, Before: before, After: rec.Properties.Clone()}
		if err := r.fireOn(ctx, ev, classes); err != nil {
			return err
		}
	}
	tx.emit(events.EventNodeUpdated, ref)
	return nil
}

// RemoveAspect removes aspect and strips its properties. Removing the
// localized aspect is ignored.
func (r *Repository) RemoveAspect(ctx context.Context, tx *Txn, ref types.NodeRef, aspect types.QName) error {
	defer observe("removeAspect")()

	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return err
	}
	if aspect == dictionary.AspectLocalized || !rec.Aspects.Contains(aspect) {
		return nil
	}
	for _, mandatory := range r.dict.MandatoryAspects(rec.Type) {
		if mandatory == aspect {
			return invalidArg("aspect %s is mandatory for type %s", aspect, rec.Type)
		}
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionWrite); err != nil {
		return err
	}

	classes := r.classes(rec)
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeUpdateNode, Node: ref}, classes); err != nil {
		return err
	}
	if err := r.fireBefore(ctx, &policy.Event{Kind: policy.BeforeRemoveAspect, Node: ref, Aspect: aspect}, classes); err != nil {
		return err
	}
	before := rec.Properties
	next := before.Clone()
	for _, name := range r.dict.ClassProperties(aspect) {
		delete(next, name)
	}
	if err := r.syncContent(tx, ref, before, next); err != nil {
		return err
	}
	rec.Aspects.Remove(aspect)
	rec.Properties = next
	r.audit(tx, rec)
	if err := r.writeNode(tx, rec); err != nil {
		return err
	}

	if err := r.fireOn(ctx, &policy.Event{Kind: policy.OnRemoveAspect, Node: ref, Aspect: aspect}, classes); err != nil {
		return err
	}
	tx.emit(events.EventNodeUpdated, ref)
	return nil
}

func (r *Repository) HasAspect(ctx context.Context, tx *Txn, ref types.NodeRef, aspect types.QName) (bool, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return false, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return false, err
	}
	return rec.Aspects.Contains(aspect), nil
}

// GetAspects returns a copy of the node's aspects
func (r *Repository) GetAspects(ctx context.Context, tx *Txn, ref types.NodeRef) (types.QNameSet, error) {
	rec, err := r.liveNode(tx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.checkPermission(ctx, tx, ref, security.PermissionRead); err != nil {
		return nil, err
	}
	return rec.Aspects.Clone(), nil
}
