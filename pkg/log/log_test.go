package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   Level
		want zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), string(tt.in))
	}
}

func TestInitJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, Output: os.Stderr})

	logger := WithComponent("node")
	logger.Info().Str("node_ref", "workspace://SpacesStore/x").Msg("created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "node", entry["component"])
	assert.Equal(t, "created", entry["message"])
	assert.Equal(t, "workspace://SpacesStore/x", entry["node_ref"])
}

func TestInitWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodestore.log")
	var buf bytes.Buffer
	Init(Config{
		Level:      InfoLevel,
		JSONOutput: true,
		Output:     &buf,
		File:       &FileConfig{Path: path, MaxSizeMB: 1},
	})
	defer Init(Config{Level: InfoLevel, Output: os.Stderr})

	logger := WithTxn(7)
	logger.Warn().Msg("conflict")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"txn_id":7`)
	assert.Contains(t, buf.String(), "conflict")
}

func TestWithNodeRef(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, Output: os.Stderr})

	logger := WithNodeRef("workspace://SpacesStore/y")
	logger.Info().Msg("filtered")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("recovered")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "workspace://SpacesStore/y", entry["node_ref"])
}
