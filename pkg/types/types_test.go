package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    QName
		wantErr bool
	}{
		{"braced", "{urn:x}thing", NewQName("urn:x", "thing"), false},
		{"sys prefix", "sys:root", SysQName("root"), false},
		{"cm prefix", "cm:name", CmQName("name"), false},
		{"bare defaults to content", "folder", CmQName("folder"), false},
		{"unknown prefix", "zz:thing", QName{}, true},
		{"unterminated", "{urn:x", QName{}, true},
		{"empty", "", QName{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNodeRef(t *testing.T) {
	ref, err := ParseNodeRef("workspace://SpacesStore/abc-123")
	require.NoError(t, err)
	assert.Equal(t, StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ref.Store)
	assert.Equal(t, "abc-123", ref.ID)
	assert.Equal(t, "workspace://SpacesStore/abc-123", ref.String())

	_, err = ParseNodeRef("workspace://SpacesStore/")
	assert.Error(t, err)
	_, err = ParseNodeRef("nonsense")
	assert.Error(t, err)
}

func TestPropertiesKeepTypesThroughJSON(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	props := Properties{
		CmQName("name"):    "report.txt",
		CmQName("count"):   int64(42),
		CmQName("ratio"):   0.5,
		CmQName("flag"):    true,
		CmQName("created"): when,
		CmQName("content"): ContentData{URL: "store://a/b", Mimetype: "text/plain", Size: 10},
		CmQName("ref"):     NodeRef{Store: StoreRef{"workspace", "SpacesStore"}, ID: "n1"},
		CmQName("tags"):    []string{"a", "b"},
		CmQName("empty"):   nil,
	}

	data, err := json.Marshal(props)
	require.NoError(t, err)

	var decoded Properties
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, props.Equal(decoded))
	assert.IsType(t, int64(0), decoded[CmQName("count")])
	assert.IsType(t, ContentData{}, decoded[CmQName("content")])
}

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = NormalizeValue(&ContentData{URL: "x"})
	require.NoError(t, err)
	assert.Equal(t, ContentData{URL: "x"}, v)

	_, err = NormalizeValue(struct{}{})
	assert.Error(t, err)
}

func TestQNameSet(t *testing.T) {
	s := NewQNameSet(CmQName("b"), CmQName("a"))
	assert.True(t, s.Contains(CmQName("a")))

	clone := s.Clone()
	clone.Remove(CmQName("a"))
	assert.True(t, s.Contains(CmQName("a")))
	assert.False(t, s.Equal(clone))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	var decoded QNameSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, s.Equal(decoded))
	assert.Equal(t, []QName{CmQName("a"), CmQName("b")}, decoded.Sorted())
}

func TestPathString(t *testing.T) {
	root := NodeRef{Store: StoreRef{"workspace", "SpacesStore"}, ID: "root"}
	p := Path{
		{Child: root},
		{Parent: root, QName: CmQName("docs"), IsPrimary: true},
		{QName: CmQName("a.txt"), IsPrimary: true},
	}
	assert.Equal(t, "/cm:docs/cm:a.txt", p.String())
	assert.Equal(t, "/", Path{}.String())
}
