package types

import (
	"fmt"
	"strings"
	"sync"
)

// Well-known namespaces of the built-in model
const (
	SystemNamespace  = "urn:nodestore:system:1.0"
	ContentNamespace = "urn:nodestore:content:1.0"
)

var prefixMu sync.RWMutex

var prefixes = map[string]string{
	"sys": SystemNamespace,
	"cm":  ContentNamespace,
}

// QName is a namespace-qualified name used for types, aspects, properties
// and association names.
type QName struct {
	Namespace string
	LocalName string
}

// NewQName creates a qualified name
func NewQName(namespace, localName string) QName {
	return QName{Namespace: namespace, LocalName: localName}
}

// SysQName creates a name in the system namespace
func SysQName(localName string) QName {
	return QName{Namespace: SystemNamespace, LocalName: localName}
}

// CmQName creates a name in the content namespace
func CmQName(localName string) QName {
	return QName{Namespace: ContentNamespace, LocalName: localName}
}

// IsZero reports whether the name is unset
func (q QName) IsZero() bool {
	return q.LocalName == ""
}

func (q QName) String() string {
	return "{" + q.Namespace + "}" + q.LocalName
}

// PrefixString renders the name as prefix:local when the namespace is known
func (q QName) PrefixString() string {
	prefixMu.RLock()
	defer prefixMu.RUnlock()
	for p, ns := range prefixes {
		if ns == q.Namespace {
			return p + ":" + q.LocalName
		}
	}
	return q.String()
}

// MarshalText allows QName to be used as a JSON map key
func (q QName) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText parses the "{namespace}local" form
func (q *QName) UnmarshalText(b []byte) error {
	parsed, err := ParseQName(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// ParseQName accepts "{namespace}local" or "prefix:local" for the built-in prefixes
func ParseQName(s string) (QName, error) {
	if strings.HasPrefix(s, "{") {
		end := strings.Index(s, "}")
		if end < 0 || end == len(s)-1 {
			return QName{}, fmt.Errorf("invalid qname %q", s)
		}
		return QName{Namespace: s[1:end], LocalName: s[end+1:]}, nil
	}
	if prefix, local, ok := strings.Cut(s, ":"); ok {
		prefixMu.RLock()
		ns, known := prefixes[prefix]
		prefixMu.RUnlock()
		if !known {
			return QName{}, fmt.Errorf("unknown namespace prefix %q in %q", prefix, s)
		}
		if local == "" {
			return QName{}, fmt.Errorf("invalid qname %q", s)
		}
		return QName{Namespace: ns, LocalName: local}, nil
	}
	if s == "" {
		return QName{}, fmt.Errorf("empty qname")
	}
	return QName{Namespace: ContentNamespace, LocalName: s}, nil
}

// RegisterPrefix makes a namespace prefix available to ParseQName
func RegisterPrefix(prefix, namespace string) {
	prefixMu.Lock()
	defer prefixMu.Unlock()
	prefixes[prefix] = namespace
}

// StoreRef identifies a store, e.g. workspace://SpacesStore
type StoreRef struct {
	Protocol   string
	Identifier string
}

// Standard store protocols
const (
	ProtocolWorkspace = "workspace"
	ProtocolArchive   = "archive"
)

func (s StoreRef) String() string {
	return s.Protocol + "://" + s.Identifier
}

// IsZero reports whether the store reference is unset
func (s StoreRef) IsZero() bool {
	return s.Protocol == "" && s.Identifier == ""
}

// ParseStoreRef parses "protocol://identifier"
func ParseStoreRef(s string) (StoreRef, error) {
	protocol, identifier, ok := strings.Cut(s, "://")
	if !ok || protocol == "" || identifier == "" || strings.Contains(identifier, "/") {
		return StoreRef{}, fmt.Errorf("invalid store ref %q", s)
	}
	return StoreRef{Protocol: protocol, Identifier: identifier}, nil
}

// NodeRef addresses a node by store and id. The id is stable across
// archive and restore; only the store changes.
type NodeRef struct {
	Store StoreRef
	ID    string
}

func (n NodeRef) String() string {
	return n.Store.String() + "/" + n.ID
}

// IsZero reports whether the reference is unset
func (n NodeRef) IsZero() bool {
	return n.ID == "" && n.Store.IsZero()
}

// ParseNodeRef parses "protocol://identifier/id"
func ParseNodeRef(s string) (NodeRef, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 || idx == len(s)-1 {
		return NodeRef{}, fmt.Errorf("invalid node ref %q", s)
	}
	store, err := ParseStoreRef(s[:idx])
	if err != nil {
		return NodeRef{}, fmt.Errorf("invalid node ref %q: %w", s, err)
	}
	return NodeRef{Store: store, ID: s[idx+1:]}, nil
}

// NodeVersionKey identifies an immutable snapshot of a node's properties
// and aspects. Superseded keys remain valid lookup keys.
type NodeVersionKey struct {
	NodeID  int64
	Version int64
}

func (k NodeVersionKey) String() string {
	return fmt.Sprintf("%d@%d", k.NodeID, k.Version)
}

// ChildAssociationRef is a containment link between a parent and a child
type ChildAssociationRef struct {
	ID        int64
	Type      QName
	Parent    NodeRef
	QName     QName
	Child     NodeRef
	IsPrimary bool
}

func (c ChildAssociationRef) String() string {
	kind := "secondary"
	if c.IsPrimary {
		kind = "primary"
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", c.Parent, c.Type, c.QName, c.Child, kind)
}

// AssociationRef is a peer (non-containment) link
type AssociationRef struct {
	ID     int64
	Source NodeRef
	Type   QName
	Target NodeRef
}

func (a AssociationRef) String() string {
	return fmt.Sprintf("%s|%s|%s", a.Source, a.Type, a.Target)
}

// NodeStatus reports the delete state of a node and the transaction that
// last changed it
type NodeStatus struct {
	Ref     NodeRef
	DBID    int64
	Deleted bool
	TxnID   int64
}

// Path is the chain of child associations from a store root to a node
type Path []ChildAssociationRef

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, elem := range p {
		// The root element carries no qname
		if elem.QName.IsZero() {
			continue
		}
		sb.WriteString("/")
		sb.WriteString(elem.QName.PrefixString())
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

// Last returns the final element of the path
func (p Path) Last() (ChildAssociationRef, bool) {
	if len(p) == 0 {
		return ChildAssociationRef{}, false
	}
	return p[len(p)-1], true
}
