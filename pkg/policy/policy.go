package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/nodestore/pkg/types"
)

// Kind identifies a point in a node operation where handlers run
type Kind string

const (
	BeforeCreateNode             Kind = "beforeCreateNode"
	OnCreateNode                 Kind = "onCreateNode"
	BeforeCreateChildAssociation Kind = "beforeCreateChildAssociation"
	OnCreateChildAssociation     Kind = "onCreateChildAssociation"
	BeforeDeleteChildAssociation Kind = "beforeDeleteChildAssociation"
	OnDeleteChildAssociation     Kind = "onDeleteChildAssociation"
	BeforeUpdateNode             Kind = "beforeUpdateNode"
	OnUpdateNode                 Kind = "onUpdateNode"
	OnUpdateProperties           Kind = "onUpdateProperties"
	BeforeSetNodeType            Kind = "beforeSetNodeType"
	OnSetNodeType                Kind = "onSetNodeType"
	BeforeDeleteNode             Kind = "beforeDeleteNode"
	OnDeleteNode                 Kind = "onDeleteNode"
	OnMoveNode                   Kind = "onMoveNode"
	BeforeAddAspect              Kind = "beforeAddAspect"
	OnAddAspect                  Kind = "onAddAspect"
	BeforeRemoveAspect           Kind = "beforeRemoveAspect"
	OnRemoveAspect               Kind = "onRemoveAspect"
	OnRestoreNode                Kind = "onRestoreNode"
	BeforeCreateAssociation      Kind = "beforeCreateAssociation"
	OnCreateAssociation          Kind = "onCreateAssociation"
	BeforeDeleteAssociation      Kind = "beforeDeleteAssociation"
	OnDeleteAssociation          Kind = "onDeleteAssociation"
)

// Event carries the details of the operation to handlers. Fields not
// relevant to a kind are left zero.
type Event struct {
	Kind       Kind
	Node       types.NodeRef
	Parent     types.NodeRef
	NodeType   types.QName
	ChildAssoc types.ChildAssociationRef
	OldAssoc   types.ChildAssociationRef
	Assoc      types.AssociationRef
	Before     types.Properties
	After      types.Properties
	OldType    types.QName
	Aspect     types.QName
	IsNewNode  bool
}

// Handler reacts to an event. An error from a "before" handler vetoes the
// operation; an error from an "on" handler fails the enclosing transaction.
type Handler func(ctx context.Context, ev *Event) error

type binding struct {
	seq     uint64
	kind    Kind
	class   types.QName
	handler Handler
}

// Registry maps (kind, class) to handlers. A zero class binds to every node.
type Registry struct {
	mu       sync.RWMutex
	bindings map[Kind][]binding
	seq      uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Kind][]binding)}
}

// Register binds handler to events of kind on nodes whose type hierarchy
// or aspects include class
func (r *Registry) Register(kind Kind, class types.QName, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.bindings[kind] = append(r.bindings[kind], binding{
		seq:     r.seq,
		kind:    kind,
		class:   class,
		handler: handler,
	})
}

// HasHandlers reports whether anything is bound to kind
func (r *Registry) HasHandlers(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings[kind]) > 0
}

// Fire runs every handler bound to kind whose class is in classes, in
// registration order, stopping at the first error
func (r *Registry) Fire(ctx context.Context, ev *Event, classes []types.QName) error {
	r.mu.RLock()
	candidates := r.bindings[ev.Kind]
	matched := make([]binding, 0, len(candidates))
	for _, b := range candidates {
		if b.class.IsZero() || containsQName(classes, b.class) {
			matched = append(matched, b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	for _, b := range matched {
		if err := b.handler(ctx, ev); err != nil {
			return fmt.Errorf("%s handler for %s: %w", ev.Kind, ev.Node, err)
		}
	}
	return nil
}

func containsQName(list []types.QName, q types.QName) bool {
	for _, item := range list {
		if item == q {
			return true
		}
	}
	return false
}
