package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicWriteAndReadFileOrEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "pool.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"ok":true}`), 0o644))

	data, err := ReadFileOrEmpty(path)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(data))

	missing := filepath.Join(dir, "missing.json")
	data, err = ReadFileOrEmpty(missing)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, AtomicWrite(path, []byte("a"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "x.json", entries[0].Name())
}

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, "/etc/finger", ResolvePath("/etc/finger", "/default"))
	require.Equal(t, "/default", ResolvePath("", "/default"))
	require.Equal(t, filepath.Join(home, ".finger"), ResolvePath("~/.finger", ""))
	require.Equal(t, home, ResolvePath("~", ""))
}

func TestMarshalJSONIndent(t *testing.T) {
	data, err := MarshalJSONIndent(map[string]int{"a": 1})
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])
}
