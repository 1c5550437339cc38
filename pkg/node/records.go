package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/nodestore/pkg/types"
)

// nodeRecord is the persisted current state of a node
type nodeRecord struct {
	DBID       int64            `json:"dbid"`
	Store      types.StoreRef   `json:"store"`
	ID         string           `json:"id"`
	Type       types.QName      `json:"type"`
	Version    int64            `json:"version"`
	Deleted    bool             `json:"deleted,omitempty"`
	TxnID      int64            `json:"txn"`
	Properties types.Properties `json:"props,omitempty"`
	Aspects    types.QNameSet   `json:"aspects,omitempty"`

	// Archived holds the links an archived node had to nodes outside the
	// archived subtree, so restore can rebuild them
	Archived *externalAssocs `json:"archived,omitempty"`
}

func (n *nodeRecord) ref() types.NodeRef {
	return types.NodeRef{Store: n.Store, ID: n.ID}
}

func (n *nodeRecord) versionKey() types.NodeVersionKey {
	return types.NodeVersionKey{NodeID: n.DBID, Version: n.Version}
}

func (n *nodeRecord) status() types.NodeStatus {
	return types.NodeStatus{Ref: n.ref(), DBID: n.DBID, Deleted: n.Deleted, TxnID: n.TxnID}
}

type externalAssocs struct {
	Parents  []types.ChildAssociationRef `json:"parents,omitempty"`
	Children []types.ChildAssociationRef `json:"children,omitempty"`
	Targets  []types.AssociationRef      `json:"targets,omitempty"`
	Sources  []types.AssociationRef      `json:"sources,omitempty"`
}

func (e *externalAssocs) empty() bool {
	return e == nil || len(e.Parents)+len(e.Children)+len(e.Targets)+len(e.Sources) == 0
}

type childAssocRecord struct {
	ID        int64         `json:"id"`
	Parent    types.NodeRef `json:"parent"`
	Child     types.NodeRef `json:"child"`
	Type      types.QName   `json:"type"`
	QName     types.QName   `json:"qname"`
	IsPrimary bool          `json:"primary,omitempty"`

	// Name is the lower-cased child name registered under the parent.
	// Empty when the parent does not enforce unique names.
	Name string `json:"name,omitempty"`
}

func (a *childAssocRecord) ref() types.ChildAssociationRef {
	return types.ChildAssociationRef{
		ID:        a.ID,
		Type:      a.Type,
		Parent:    a.Parent,
		QName:     a.QName,
		Child:     a.Child,
		IsPrimary: a.IsPrimary,
	}
}

type peerAssocRecord struct {
	ID     int64         `json:"id"`
	Source types.NodeRef `json:"source"`
	Target types.NodeRef `json:"target"`
	Type   types.QName   `json:"type"`
}

func (a *peerAssocRecord) ref() types.AssociationRef {
	return types.AssociationRef{ID: a.ID, Source: a.Source, Type: a.Type, Target: a.Target}
}

// contentRecord claims a CRC slot for one content URL
type contentRecord struct {
	URL        string     `json:"url"`
	RefCount   int64      `json:"refs"`
	OrphanedAt *time.Time `json:"orphaned_at,omitempty"`
}

type storeRecord struct {
	Ref     types.StoreRef `json:"ref"`
	RootID  string         `json:"root"`
	Created time.Time      `json:"created"`
}

type txnRecord struct {
	ID         int64     `json:"id"`
	UUID       string    `json:"uuid"`
	CommitTime time.Time `json:"commit_time"`
	User       string    `json:"user"`
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

func decodeNode(data []byte) (*nodeRecord, error) {
	var rec nodeRecord
	if err := decode(data, &rec); err != nil {
		return nil, err
	}
	if rec.Properties == nil {
		rec.Properties = types.Properties{}
	}
	if rec.Aspects == nil {
		rec.Aspects = types.NewQNameSet()
	}
	return &rec, nil
}

// Key layout. Node ids never contain NUL so a node key followed by NUL is
// an unambiguous prefix for its index entries.

func nodeKey(ref types.NodeRef) []byte {
	return []byte(ref.Store.String() + "\x00" + ref.ID)
}

func storeKey(ref types.StoreRef) []byte {
	return []byte(ref.String())
}

// splitNodeKey recovers the store part of a node key
func splitNodeKey(key []byte) (store string, id string) {
	s, id, _ := strings.Cut(string(key), "\x00")
	return s, id
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func keyID(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func indexPrefix(ref types.NodeRef) []byte {
	return append(nodeKey(ref), 0)
}

func indexKey(ref types.NodeRef, id int64) []byte {
	return append(indexPrefix(ref), idKey(id)...)
}

func nameKey(parent types.NodeRef, assocType types.QName, name string) []byte {
	k := indexPrefix(parent)
	k = append(k, assocType.String()...)
	k = append(k, 0)
	return append(k, strings.ToLower(name)...)
}

func crcKey(crc uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, crc)
	return buf
}
