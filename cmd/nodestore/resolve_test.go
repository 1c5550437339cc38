package main

import (
	"testing"
	"time"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitParent(t *testing.T) {
	tests := []struct {
		path, parent, name string
		wantErr            bool
	}{
		{path: "/docs", parent: "/", name: "docs"},
		{path: "/docs/report", parent: "/docs", name: "report"},
		{path: "/docs/report/", parent: "/docs", name: "report"},
		{path: "/", wantErr: true},
		{path: "docs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			parent, name, err := splitParent(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.parent, parent)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestParseValue(t *testing.T) {
	dict := dictionary.New()

	v, err := parseValue(dict, dictionary.PropTitle, "true")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	v, err = parseValue(dict, dictionary.PropAutoVersion, "false")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = parseValue(dict, dictionary.PropAutoVersion, "maybe")
	assert.Error(t, err)

	v, err = parseValue(dict, dictionary.PropCreated, "2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), v)

	v, err = parseValue(dict, dictionary.PropContent, "store://a.txt;text/plain")
	require.NoError(t, err)
	assert.Equal(t, types.ContentData{URL: "store://a.txt", Mimetype: "text/plain"}, v)

	v, err = parseValue(dict, types.CmQName("undeclared"), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "<nil>", formatValue(nil))
	assert.Equal(t, "a,b", formatValue([]string{"a", "b"}))
	assert.Equal(t, "cm:title", formatValue(dictionary.PropTitle))
	assert.Equal(t, "7", formatValue(int64(7)))
}
