package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	data := []byte(strings.Repeat("local x = 1\n", 200))
	path, err := store.Save("req-1", "TellMeWhen.lua", data)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "req-1_TellMeWhen.lua.gz"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)))

	got, err := store.Load("req-1", "TellMeWhen.lua")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1_TellMeWhen.lua"}, names)
}

func TestLoadMissing(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = store.Load("nope", "TellMeWhen.lua")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsPathNames(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	for _, id := range []string{"", "..", "../x", "a/b"} {
		_, err := store.Save(id, "TellMeWhen.lua", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, "id %q", id)
	}
}
