package node

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryOnPersistentBackends(t *testing.T) {
	backends := []struct {
		name string
		open func(dir string) (storage.Backend, error)
	}{
		{"bolt", func(dir string) (storage.Backend, error) {
			return storage.NewBoltBackend(filepath.Join(dir, "nodes.db"))
		}},
		{"badger", func(dir string) (storage.Backend, error) {
			return storage.NewBadgerBackend(dir)
		}},
		{"sqlite", func(dir string) (storage.Backend, error) {
			return storage.NewSQLiteBackend(filepath.Join(dir, "nodes.sqlite"))
		}},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			backend, err := tt.open(dir)
			require.NoError(t, err)
			t.Cleanup(func() { backend.Close() })

			r := newTestRepoWith(t, Config{Backend: backend, ArchiveEnabled: true})
			folder := createNode(t, r, rootNode(t, r), dictionary.TypeFolder, "F")
			doc := createNode(t, r, folder, dictionary.TypeContent, "doc")
			setProperty(t, r, doc, dictionary.PropTitle, "persisted")

			r.ClearCaches()
			assert.Equal(t, "persisted", getProps(t, r, doc)[dictionary.PropTitle])
			assert.Equal(t, "/cm:F/cm:doc", pathOf(t, r, doc).String())

			deleteNode(t, r, folder)
			assert.False(t, exists(t, r, doc))
			assert.True(t, exists(t, r, archived(doc)))

			restoreNode(t, r, folder)
			assert.True(t, exists(t, r, doc))
			assert.Equal(t, "persisted", getProps(t, r, doc)[dictionary.PropTitle])
		})
	}
}
