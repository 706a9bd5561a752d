package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "rotaforge"
)

func DataDir() (string, error) {
	if override := os.Getenv("ROTAFORGE_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func HistoryDBPath(dataDir string) string {
	return filepath.Join(dataDir, "history.db")
}

func ArchiveDir(dataDir string) string {
	return filepath.Join(dataDir, "artifacts")
}
