package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return newTestRepoWith(t, Config{ArchiveEnabled: true})
}

func newTestRepoWith(t *testing.T, cfg Config) *Repository {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = storage.NewMemoryBackend()
	}
	if cfg.Retry == (RetryOptions{}) {
		cfg.Retry = RetryOptions{
			MaxRetries: 10,
			MinBackoff: time.Millisecond,
			MaxBackoff: 10 * time.Millisecond,
			Timeout:    10 * time.Second,
		}
	}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Bootstrap(context.Background()))
	return r
}

// run commits fn in its own transaction
func run(t *testing.T, r *Repository, fn func(ctx context.Context, tx *Txn) error) {
	t.Helper()
	require.NoError(t, r.Do(context.Background(), fn))
}

func query[T any](t *testing.T, r *Repository, fn func(ctx context.Context, tx *Txn) (T, error)) T {
	t.Helper()
	v, err := DoInTransaction(context.Background(), r, r.retry, fn)
	require.NoError(t, err)
	return v
}

func rootNode(t *testing.T, r *Repository) types.NodeRef {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (types.NodeRef, error) {
		return r.GetRootNode(ctx, tx, DefaultStore)
	})
}

func createNode(t *testing.T, r *Repository, parent types.NodeRef, nodeType types.QName, name string) types.NodeRef {
	t.Helper()
	assoc := query(t, r, func(ctx context.Context, tx *Txn) (types.ChildAssociationRef, error) {
		return r.CreateNode(ctx, tx, parent, dictionary.AssocContains, types.CmQName(name), nodeType,
			types.Properties{dictionary.PropName: name})
	})
	return assoc.Child
}

func getProps(t *testing.T, r *Repository, ref types.NodeRef) types.Properties {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (types.Properties, error) {
		return r.GetProperties(ctx, tx, ref)
	})
}

func versionKey(t *testing.T, r *Repository, ref types.NodeRef) types.NodeVersionKey {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (types.NodeVersionKey, error) {
		return r.GetVersionKey(ctx, tx, ref)
	})
}

func nodeStatus(t *testing.T, r *Repository, ref types.NodeRef) types.NodeStatus {
	t.Helper()
	st, found := nodeStatusFound(t, r, ref)
	require.True(t, found, "no record for %s", ref)
	return st
}

func nodeStatusFound(t *testing.T, r *Repository, ref types.NodeRef) (types.NodeStatus, bool) {
	t.Helper()
	var (
		st    types.NodeStatus
		found bool
	)
	run(t, r, func(ctx context.Context, tx *Txn) error {
		var err error
		st, found, err = r.GetNodeStatus(ctx, tx, ref)
		return err
	})
	return st, found
}

func exists(t *testing.T, r *Repository, ref types.NodeRef) bool {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (bool, error) {
		return r.Exists(ctx, tx, ref)
	})
}

func hasAspect(t *testing.T, r *Repository, ref types.NodeRef, aspect types.QName) bool {
	t.Helper()
	return query(t, r, func(ctx context.Context, tx *Txn) (bool, error) {
		return r.HasAspect(ctx, tx, ref, aspect)
	})
}

func setProperty(t *testing.T, r *Repository, ref types.NodeRef, name types.QName, value any) {
	t.Helper()
	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.SetProperty(ctx, tx, ref, name, value)
	})
}

// detach removes ref's primary link and leaves it without a parent
func detach(t *testing.T, r *Repository, ref types.NodeRef) {
	t.Helper()
	run(t, r, func(ctx context.Context, tx *Txn) error {
		a, found, err := r.primaryParentAssoc(tx, ref)
		if err != nil {
			return err
		}
		require.True(t, found)
		return r.removeChildAssoc(tx, a)
	})
}

// ghostRecord marks ref deleted without removing any of its links
func ghostRecord(t *testing.T, r *Repository, ref types.NodeRef) {
	t.Helper()
	run(t, r, func(ctx context.Context, tx *Txn) error {
		rec, err := r.liveNode(tx, ref)
		if err != nil {
			return err
		}
		rec.Deleted = true
		return r.writeNode(tx, rec)
	})
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	require.NoError(t, r.Bootstrap(context.Background()))
	assert.Equal(t, root, rootNode(t, r))

	stores := query(t, r, func(ctx context.Context, tx *Txn) ([]types.StoreRef, error) {
		return r.GetStores(ctx, tx)
	})
	assert.ElementsMatch(t, []types.StoreRef{
		DefaultStore,
		{Protocol: types.ProtocolArchive, Identifier: DefaultStore.Identifier},
	}, stores)
}

func TestCreateStore(t *testing.T) {
	r := newTestRepo(t)

	ref := query(t, r, func(ctx context.Context, tx *Txn) (types.StoreRef, error) {
		return r.CreateStore(ctx, tx, types.ProtocolWorkspace, "Other")
	})
	assert.Equal(t, "workspace://Other", ref.String())

	var (
		archive types.NodeRef
		found   bool
	)
	run(t, r, func(ctx context.Context, tx *Txn) error {
		var err error
		archive, found, err = r.GetStoreArchiveNode(ctx, tx, ref)
		return err
	})
	require.True(t, found)
	assert.Equal(t, types.StoreRef{Protocol: types.ProtocolArchive, Identifier: "Other"}, archive.Store)

	err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		_, err := r.CreateStore(ctx, tx, types.ProtocolWorkspace, "Other")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		_, err := r.CreateStore(ctx, tx, "bad:proto", "x")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateNodeDefaults(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)
	docs := createNode(t, r, root, dictionary.TypeFolder, "Docs")

	props := getProps(t, r, docs)
	assert.Equal(t, "Docs", props[dictionary.PropName])
	assert.Equal(t, "en_US", props[dictionary.PropLocale])
	assert.Equal(t, docs.ID, props[dictionary.PropNodeUUID])
	assert.Equal(t, DefaultStore.Protocol, props[dictionary.PropStoreProtocol])
	assert.Equal(t, security.SystemUser, props[dictionary.PropCreator])
	assert.IsType(t, time.Time{}, props[dictionary.PropCreated])

	vk := versionKey(t, r, docs)
	assert.Equal(t, int64(1), vk.Version)
	assert.Equal(t, vk.NodeID, props[dictionary.PropNodeDBID])

	assert.True(t, hasAspect(t, r, docs, dictionary.AspectAuditable))
	assert.True(t, hasAspect(t, r, docs, dictionary.AspectLocalized))

	nodeType := query(t, r, func(ctx context.Context, tx *Txn) (types.QName, error) {
		return r.GetType(ctx, tx, docs)
	})
	assert.Equal(t, dictionary.TypeFolder, nodeType)
}

func TestCreateNodeLocale(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	frCtx := security.WithLocale(context.Background(), "fr_FR")
	assoc, err := DoInTransaction(frCtx, r, r.retry, func(ctx context.Context, tx *Txn) (types.ChildAssociationRef, error) {
		return r.CreateNode(ctx, tx, root, dictionary.AssocContains, types.CmQName("fr"), dictionary.TypeFolder,
			types.Properties{dictionary.PropName: "fr"})
	})
	require.NoError(t, err)
	assert.Equal(t, "fr_FR", getProps(t, r, assoc.Child)[dictionary.PropLocale])

	// Children inherit the parent's locale
	child := createNode(t, r, assoc.Child, dictionary.TypeContent, "child")
	assert.Equal(t, "fr_FR", getProps(t, r, child)[dictionary.PropLocale])
}

func TestCreateNodeValidation(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	tests := []struct {
		name      string
		parent    types.NodeRef
		assocType types.QName
		qname     types.QName
		nodeType  types.QName
		want      error
	}{
		{"unknown type", root, dictionary.AssocContains, types.CmQName("a"), types.CmQName("nosuch"), ErrInvalidArgument},
		{"aspect as type", root, dictionary.AssocContains, types.CmQName("a"), dictionary.AspectTitled, ErrInvalidArgument},
		{"peer assoc type", root, dictionary.AssocReferences, types.CmQName("a"), dictionary.TypeContent, ErrInvalidArgument},
		{"missing qname", root, dictionary.AssocContains, types.QName{}, dictionary.TypeContent, ErrInvalidArgument},
		{"missing parent", types.NodeRef{Store: DefaultStore, ID: "missing"}, dictionary.AssocContains, types.CmQName("a"), dictionary.TypeContent, ErrInvalidNodeRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
				_, err := r.CreateNode(ctx, tx, tt.parent, tt.assocType, tt.qname, tt.nodeType, nil)
				return err
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateNodeWithExplicitUUID(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)

	create := func(name string) (types.ChildAssociationRef, error) {
		return DoInTransaction(context.Background(), r, r.retry, func(ctx context.Context, tx *Txn) (types.ChildAssociationRef, error) {
			return r.CreateNode(ctx, tx, root, dictionary.AssocContains, types.CmQName(name), dictionary.TypeContent,
				types.Properties{dictionary.PropName: name, dictionary.PropNodeUUID: "fixed-id"})
		})
	}

	assoc, err := create("first")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", assoc.Child.ID)

	_, err = create("second")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestVersionIncrementsOncePerTransaction(t *testing.T) {
	r := newTestRepo(t)
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "report.txt")
	v1 := versionKey(t, r, doc)

	setProperty(t, r, doc, dictionary.PropTitle, "Quarterly")
	v2 := versionKey(t, r, doc)
	assert.Equal(t, v1.NodeID, v2.NodeID)
	assert.Equal(t, v1.Version+1, v2.Version)
	assert.True(t, hasAspect(t, r, doc, dictionary.AspectTitled))

	// Same value again changes nothing
	setProperty(t, r, doc, dictionary.PropTitle, "Quarterly")
	assert.Equal(t, v2, versionKey(t, r, doc))

	run(t, r, func(ctx context.Context, tx *Txn) error {
		if err := r.AddAspect(ctx, tx, doc, dictionary.AspectVersionable, nil); err != nil {
			return err
		}
		return r.SetProperty(ctx, tx, doc, dictionary.PropDescription, "annual figures")
	})
	v3 := versionKey(t, r, doc)
	assert.Equal(t, v2.Version+1, v3.Version)
	assert.Equal(t, true, getProps(t, r, doc)[dictionary.PropAutoVersion])

	// The locale and the localized aspect cannot be removed
	run(t, r, func(ctx context.Context, tx *Txn) error {
		if err := r.RemoveProperty(ctx, tx, doc, dictionary.PropLocale); err != nil {
			return err
		}
		if err := r.RemoveAspect(ctx, tx, doc, dictionary.AspectLocalized); err != nil {
			return err
		}
		return r.SetProperty(ctx, tx, doc, dictionary.PropLocale, nil)
	})
	assert.Equal(t, v3, versionKey(t, r, doc))
	assert.Equal(t, "en_US", getProps(t, r, doc)[dictionary.PropLocale])
}

func TestSetPropertyValidation(t *testing.T) {
	r := newTestRepo(t)
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")

	tests := []struct {
		name  string
		prop  types.QName
		value any
		want  error
	}{
		{"wrong type", dictionary.PropTitle, 42, ErrInvalidType},
		{"derived property", dictionary.PropNodeUUID, "other", ErrInvalidType},
		{"protected property", dictionary.PropCascadeCRC, int64(1), ErrInvalidType},
		{"content url", dictionary.PropContent, types.ContentData{URL: "store://a/b"}, ErrInvalidType},
		{"empty name", types.QName{}, "x", ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
				return r.SetProperty(ctx, tx, doc, tt.prop, tt.value)
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("derived property unchanged", func(t *testing.T) {
		before := versionKey(t, r, doc)
		setProperty(t, r, doc, dictionary.PropNodeUUID, doc.ID)
		assert.Equal(t, before, versionKey(t, r, doc))
	})

	t.Run("remove derived property", func(t *testing.T) {
		err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
			return r.RemoveProperty(ctx, tx, doc, dictionary.PropNodeDBID)
		})
		var typeErr *InvalidTypeError
		require.ErrorAs(t, err, &typeErr)
		assert.Equal(t, dictionary.PropNodeDBID, typeErr.Property)
	})
}

func TestSetPropertiesKeepsSystemProperties(t *testing.T) {
	r := newTestRepo(t)
	parent := createNode(t, r, rootNode(t, r), dictionary.TypeFolder, "parent")
	doc := createNode(t, r, parent, dictionary.TypeContent, "report")
	setProperty(t, r, doc, dictionary.PropTitle, "Title")
	created := getProps(t, r, doc)[dictionary.PropCreated]

	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.SetProperties(ctx, tx, doc, types.Properties{
			dictionary.PropName:        "renamed",
			dictionary.PropDescription: "replaced",
		})
	})

	props := getProps(t, r, doc)
	assert.NotContains(t, props, dictionary.PropTitle)
	assert.Equal(t, "replaced", props[dictionary.PropDescription])
	assert.Equal(t, "en_US", props[dictionary.PropLocale])
	assert.Equal(t, created, props[dictionary.PropCreated])

	found := query(t, r, func(ctx context.Context, tx *Txn) (bool, error) {
		_, found, err := r.GetChildByName(ctx, tx, parent, dictionary.AssocContains, "report")
		return found, err
	})
	assert.False(t, found)
	ref := query(t, r, func(ctx context.Context, tx *Txn) (types.NodeRef, error) {
		ref, _, err := r.GetChildByName(ctx, tx, parent, dictionary.AssocContains, "RENAMED")
		return ref, err
	})
	assert.Equal(t, doc, ref)
}

func TestAddProperties(t *testing.T) {
	r := newTestRepo(t)
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")

	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.AddProperties(ctx, tx, doc, types.Properties{
			dictionary.PropTitle:       "t",
			dictionary.PropDescription: "d",
		})
	})
	props := getProps(t, r, doc)
	assert.Equal(t, "doc", props[dictionary.PropName])
	assert.Equal(t, "t", props[dictionary.PropTitle])
	assert.Equal(t, "d", props[dictionary.PropDescription])

	run(t, r, func(ctx context.Context, tx *Txn) error {
		v, found, err := r.GetProperty(ctx, tx, doc, dictionary.PropTitle)
		require.True(t, found)
		assert.Equal(t, "t", v)

		_, found, err2 := r.GetProperty(ctx, tx, doc, dictionary.PropOwner)
		assert.False(t, found)
		return errors.Join(err, err2)
	})
}

func TestRenameToExistingName(t *testing.T) {
	r := newTestRepo(t)
	parent := createNode(t, r, rootNode(t, r), dictionary.TypeFolder, "parent")
	createNode(t, r, parent, dictionary.TypeContent, "a")
	b := createNode(t, r, parent, dictionary.TypeContent, "b")

	err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		return r.SetProperty(ctx, tx, b, dictionary.PropName, "A")
	})
	assert.ErrorIs(t, err, ErrDuplicateChildName)
	assert.Equal(t, "b", getProps(t, r, b)[dictionary.PropName])
}

func TestAspects(t *testing.T) {
	r := newTestRepo(t)
	doc := createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")

	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.AddAspect(ctx, tx, doc, dictionary.AspectTitled, types.Properties{dictionary.PropTitle: "T"})
	})
	assert.True(t, hasAspect(t, r, doc, dictionary.AspectTitled))
	assert.Equal(t, "T", getProps(t, r, doc)[dictionary.PropTitle])

	aspects := query(t, r, func(ctx context.Context, tx *Txn) (types.QNameSet, error) {
		return r.GetAspects(ctx, tx, doc)
	})
	assert.True(t, aspects.Contains(dictionary.AspectTitled))
	assert.True(t, aspects.Contains(dictionary.AspectAuditable))

	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.RemoveAspect(ctx, tx, doc, dictionary.AspectTitled)
	})
	assert.False(t, hasAspect(t, r, doc, dictionary.AspectTitled))
	assert.NotContains(t, getProps(t, r, doc), dictionary.PropTitle)

	err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		return r.AddAspect(ctx, tx, doc, types.CmQName("nope"), nil)
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
		return r.RemoveAspect(ctx, tx, doc, dictionary.AspectAuditable)
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetType(t *testing.T) {
	r := newTestRepo(t)
	root := rootNode(t, r)
	node := createNode(t, r, root, dictionary.TypeFolder, "node")

	run(t, r, func(ctx context.Context, tx *Txn) error {
		return r.SetType(ctx, tx, node, dictionary.TypeContent)
	})
	nodeType := query(t, r, func(ctx context.Context, tx *Txn) (types.QName, error) {
		return r.GetType(ctx, tx, node)
	})
	assert.Equal(t, dictionary.TypeContent, nodeType)

	for _, tt := range []struct {
		name     string
		ref      types.NodeRef
		nodeType types.QName
	}{
		{"unknown type", node, types.CmQName("nosuch")},
		{"store root", root, dictionary.TypeFolder},
		{"to store root", node, dictionary.TypeStoreRoot},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Do(context.Background(), func(ctx context.Context, tx *Txn) error {
				return r.SetType(ctx, tx, tt.ref, tt.nodeType)
			})
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestStats(t *testing.T) {
	r := newTestRepo(t)
	createNode(t, r, rootNode(t, r), dictionary.TypeContent, "doc")

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodesByStore[DefaultStore.String()]["live"])
	assert.Equal(t, 1, stats.NodesByStore["archive://SpacesStore"]["live"])
	assert.Positive(t, stats.CacheEntries["nodes"])
}
