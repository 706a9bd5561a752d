// Package archive keeps gzip-compressed copies of delivered artifacts.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"rotaforge/engine/internal/logging"
)

var (
	ErrNotFound    = errors.New("archived artifact not found")
	ErrInvalidName = errors.New("invalid archive name")
)

const suffix = ".gz"

type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger.With("component", "archive")}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes data under <requestID>_<name>.gz and returns the file path.
func (s *Store) Save(requestID, name string, data []byte) (string, error) {
	key, err := entryName(requestID, name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	zw.Name = name
	if _, err := zw.Write(data); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	s.logger.Info("archive.saved", "request_id", requestID, "name", name, "bytes", len(data), "compressed", buf.Len())
	return path, nil
}

func (s *Store) Load(requestID, name string) ([]byte, error) {
	key, err := entryName(requestID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// List returns archived entry names without the .gz suffix, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), suffix))
	}
	sort.Strings(names)
	return names, nil
}

func entryName(requestID, name string) (string, error) {
	for _, part := range []string{requestID, name} {
		if part == "" || part != filepath.Base(part) || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, part)
		}
	}
	return requestID + "_" + name + suffix, nil
}
