package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", ResolvePath("/base", ""))
	assert.Equal(t, "/abs/file", ResolvePath("/base", "/abs/./file"))
	assert.Equal(t, "/base/data/x.db", ResolvePath("/base", "data/x.db"))
}

func TestWriteJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cfg.json")

	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 2}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 2, got["a"])
	assert.Equal(t, byte('\n'), b[len(b)-1])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")

	assert.Error(t, WriteJSONFile(path, make(chan int)))
}
