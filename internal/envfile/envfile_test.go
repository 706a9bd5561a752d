package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(`
# provider
export ROTAFORGE_TEST_PROVIDER=ollama
ROTAFORGE_TEST_MODEL="qwen3 # not a comment"
ROTAFORGE_TEST_TURNS=7 # inline comment
ROTAFORGE_TEST_KEEP=from-file
`), 0o644))
	t.Setenv("ROTAFORGE_TEST_KEEP", "from-env")
	for _, key := range []string{"ROTAFORGE_TEST_PROVIDER", "ROTAFORGE_TEST_MODEL", "ROTAFORGE_TEST_TURNS"} {
		key := key
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}

	res := LoadPath(path)
	require.NoError(t, res.Err)
	assert.True(t, res.Loaded)
	assert.Equal(t, []string{"ROTAFORGE_TEST_PROVIDER", "ROTAFORGE_TEST_MODEL", "ROTAFORGE_TEST_TURNS"}, res.Keys)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "ollama", os.Getenv("ROTAFORGE_TEST_PROVIDER"))
	assert.Equal(t, "qwen3 # not a comment", os.Getenv("ROTAFORGE_TEST_MODEL"))
	assert.Equal(t, "7", os.Getenv("ROTAFORGE_TEST_TURNS"))
	assert.Equal(t, "from-env", os.Getenv("ROTAFORGE_TEST_KEEP"))
}

func TestLoadPathReportsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GOOD=1\nnot a pair\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("GOOD") })
	res := LoadPath(path)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), ":2:")
}

func TestFindSearchesUpwards(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	envPath := filepath.Join(root, "rotaforge.env")
	require.NoError(t, os.WriteFile(envPath, []byte("X=1\n"), 0o644))
	assert.Equal(t, envPath, Find(nested))
}

func TestLoadHonoursOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("ROTAFORGE_TEST_OVERRIDE=yes\n"), 0o644))
	t.Setenv(PathEnv, path)
	t.Cleanup(func() { _ = os.Unsetenv("ROTAFORGE_TEST_OVERRIDE") })

	res := Load()
	require.NoError(t, res.Err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, "yes", os.Getenv("ROTAFORGE_TEST_OVERRIDE"))
}
