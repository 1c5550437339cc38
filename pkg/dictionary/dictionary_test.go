package dictionary

import (
	"strings"
	"testing"
	"time"

	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinHierarchy(t *testing.T) {
	d := New()

	assert.True(t, d.IsSubClass(TypeFolder, TypeCmObject))
	assert.True(t, d.IsSubClass(TypeFolder, TypeBase))
	assert.False(t, d.IsSubClass(TypeBase, TypeFolder))
	assert.Equal(t, []types.QName{TypeContent, TypeCmObject, TypeBase}, d.Hierarchy(TypeContent))
	assert.Contains(t, d.MandatoryAspects(TypeFolder), AspectAuditable)

	_, ok := d.Type(AspectTitled)
	assert.False(t, ok, "aspects are not types")
	_, ok = d.Aspect(AspectTitled)
	assert.True(t, ok)

	owner, ok := d.PropertyClass(PropTitle)
	assert.True(t, ok)
	assert.Equal(t, AspectTitled, owner)
}

func TestDefaultProperties(t *testing.T) {
	d := New()
	defaults := d.DefaultProperties(AspectVersionable)
	assert.Equal(t, true, defaults[PropAutoVersion])
	assert.Equal(t, true, defaults[PropInitialVersion])
	assert.Empty(t, d.DefaultProperties(AspectTitled))
}

func TestCoerce(t *testing.T) {
	d := New()
	ref := types.NodeRef{Store: types.StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ID: "abc"}

	tests := []struct {
		name    string
		prop    types.QName
		value   any
		want    any
		wantErr bool
	}{
		{"text", PropName, "doc", "doc", false},
		{"text rejects int", PropName, 5, nil, true},
		{"long from int", PropCascadeTx, 5, int64(5), false},
		{"bool", PropAutoVersion, false, false, false},
		{"datetime from string", PropCreated, "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"archivedBy is text", PropArchivedBy, "x", "x", false},
		{"content", PropContent, types.ContentData{URL: "u"}, types.ContentData{URL: "u"}, false},
		{"content rejects text", PropContent, "u", nil, true},
		{"residual accepts anything", types.CmQName("residual"), 1.5, 1.5, false},
		{"nil stays nil", PropName, nil, nil, false},
		{"unsupported go type", types.CmQName("residual"), struct{}{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Coerce(tt.prop, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := coerce(DataTypeNodeRef, ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestLoadModel(t *testing.T) {
	model := `
namespace: urn:acme:finance:1.0
prefix: acme
types:
  - name: invoice
    parent: cm:content
    properties:
      - name: amount
        type: double
        default: 0
      - name: approved
        type: boolean
        default: false
    mandatory_aspects: [reviewable]
aspects:
  - name: reviewable
    properties:
      - name: reviewer
associations:
  - name: approver
`
	d := New()
	require.NoError(t, d.LoadModel(strings.NewReader(model)))

	invoice := types.NewQName("urn:acme:finance:1.0", "invoice")
	def, ok := d.Type(invoice)
	require.True(t, ok)
	assert.Equal(t, TypeContent, def.Parent)
	assert.True(t, d.IsSubClass(invoice, TypeCmObject))

	defaults := d.DefaultProperties(invoice)
	assert.Equal(t, 0.0, defaults[types.NewQName("urn:acme:finance:1.0", "amount")])
	assert.Equal(t, false, defaults[types.NewQName("urn:acme:finance:1.0", "approved")])

	assert.ElementsMatch(t,
		[]types.QName{types.NewQName("urn:acme:finance:1.0", "reviewable"), AspectAuditable},
		d.MandatoryAspects(invoice))

	q, err := types.ParseQName("acme:invoice")
	require.NoError(t, err)
	assert.Equal(t, invoice, q)

	assoc, ok := d.Association(types.NewQName("urn:acme:finance:1.0", "approver"))
	require.True(t, ok)
	assert.False(t, assoc.IsChild)
}

func TestLoadModelRejectsUnknownParent(t *testing.T) {
	model := `
namespace: urn:acme:broken:1.0
types:
  - name: thing
    parent: cm:doesNotExist
`
	err := New().LoadModel(strings.NewReader(model))
	assert.ErrorIs(t, err, ErrUnknownClass)
}
