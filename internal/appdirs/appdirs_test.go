package appdirs

import (
	"os"
	"testing"
)

func TestDataDirOverride(t *testing.T) {
	os.Setenv("ROTAFORGE_DATA_DIR", "/tmp/rotaforge-test")
	defer os.Unsetenv("ROTAFORGE_DATA_DIR")
	path, err := DataDir()
	if err != nil {
		t.Fatalf("data dir: %v", err)
	}
	if path != "/tmp/rotaforge-test" {
		t.Fatalf("expected override path, got %s", path)
	}

	if db := HistoryDBPath(path); db != "/tmp/rotaforge-test/history.db" {
		t.Fatalf("expected history db path, got %s", db)
	}
	if archive := ArchiveDir(path); archive != "/tmp/rotaforge-test/artifacts" {
		t.Fatalf("expected archive dir, got %s", archive)
	}
}
