package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(i int) Entry {
	return Entry{
		Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		Prompt:    fmt.Sprintf("prompt %d", i),
		Status:    StatusSuccess,
		Summary:   fmt.Sprintf("summary %d", i),
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"), 10, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewRing(10),
		"sqlite": sqlite,
	}
}

func TestEleventhInsertEvictsOldest(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 11; i++ {
				require.NoError(t, store.Append("alice", entry(i)))
			}
			got, err := store.List("alice")
			require.NoError(t, err)
			require.Len(t, got, 10)
			assert.Equal(t, "prompt 2", got[0].Prompt, "oldest entry must be evicted first")
			assert.Equal(t, "prompt 11", got[9].Prompt, "most recent entry last")
			assert.True(t, got[9].Timestamp.Equal(entry(11).Timestamp))
		})
	}
}

func TestRequestersAreIsolated(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append("alice", entry(1)))
			bob := entry(2)
			bob.Status = StatusRejected
			require.NoError(t, store.Append("bob", bob))

			got, err := store.List("bob")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, StatusRejected, got[0].Status)

			none, err := store.List("carol")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 50; i++ {
		require.NoError(t, ring.Append("alice", entry(i)))
		got, _ := ring.List("alice")
		assert.LessOrEqual(t, len(got), 3)
	}
	assert.Equal(t, DefaultCapacity, NewRing(0).Capacity())
}

func TestListReturnsCopy(t *testing.T) {
	ring := NewRing(2)
	require.NoError(t, ring.Append("alice", entry(1)))
	got, _ := ring.List("alice")
	got[0].Prompt = "mutated"
	again, _ := ring.List("alice")
	assert.Equal(t, "prompt 1", again[0].Prompt)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := OpenSQLite(path, 2, nil)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append("alice", entry(i)))
	}
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path, 2, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.List("alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "prompt 2", got[0].Prompt)
	assert.Equal(t, "prompt 3", got[1].Prompt)
}
