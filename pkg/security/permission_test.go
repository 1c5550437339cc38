package security

import (
	"context"
	"testing"

	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
)

type mapResolver map[types.NodeRef]types.NodeRef

func (m mapResolver) PrimaryParentRef(_ context.Context, ref types.NodeRef) (types.NodeRef, bool) {
	p, ok := m[ref]
	return p, ok
}

func ref(id string) types.NodeRef {
	return types.NodeRef{Store: types.StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ID: id}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, SystemUser, CurrentUser(ctx))
	_, ok := LocaleFrom(ctx)
	assert.False(t, ok)

	ctx = WithLocale(WithUser(ctx, "alice"), "fr_FR")
	assert.Equal(t, "alice", CurrentUser(ctx))
	locale, ok := LocaleFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "fr_FR", locale)
}

func TestACLCheckerInheritance(t *testing.T) {
	root, folder, doc := ref("root"), ref("folder"), ref("doc")
	acl := NewACLChecker(mapResolver{doc: folder, folder: root})
	acl.Grant(root, "alice", PermissionRead, PermissionWrite)
	acl.Grant(folder, "bob", PermissionRead)

	alice := WithUser(context.Background(), "alice")
	bob := WithUser(context.Background(), "bob")

	// folder has its own entries, so alice's grant on root does not reach doc
	assert.ErrorIs(t, acl.Check(alice, doc, PermissionRead), ErrAccessDenied)
	assert.NoError(t, acl.Check(bob, doc, PermissionRead))
	assert.ErrorIs(t, acl.Check(bob, doc, PermissionWrite), ErrAccessDenied)
	assert.NoError(t, acl.Check(alice, root, PermissionWrite))

	acl.Revoke(folder)
	assert.NoError(t, acl.Check(alice, doc, PermissionWrite))

	assert.NoError(t, acl.Check(context.Background(), doc, PermissionDelete), "system bypasses checks")
}
