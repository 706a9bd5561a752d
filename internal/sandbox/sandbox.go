// Package sandbox confines file access to a workspace root. Every read, write
// and listing performed on behalf of the edit agent resolves its path here
// first.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

var (
	ErrPathTraversal = errors.New("path traversal")
	ErrInvalidPath   = errors.New("invalid path")
	ErrNotFound      = errors.New("not found")
)

// IgnoreFile is read from the workspace root when present; matching paths are
// hidden from Glob.
const IgnoreFile = ".rotaignore"

type Sandbox struct {
	root     string
	realRoot string
	subtree  string
	ignore   *ignore.GitIgnore
}

// New returns a sandbox rooted at root. subtree, relative to root, bounds the
// files Glob may return; an empty subtree means the whole root.
func New(root, subtree string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	sb := &Sandbox{root: abs, realRoot: resolved, subtree: filepath.ToSlash(filepath.Clean(subtree))}
	if sb.subtree == "." {
		sb.subtree = ""
	}
	if ig, err := ignore.CompileIgnoreFile(filepath.Join(abs, IgnoreFile)); err == nil {
		sb.ignore = ig
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	return sb, nil
}

func (s *Sandbox) Root() string {
	return s.root
}

func (s *Sandbox) Subtree() string {
	return s.subtree
}

// Resolve maps path onto an absolute path inside the sandbox root.
func (s *Sandbox) Resolve(path string) (string, error) {
	full, _, err := s.resolve(path)
	return full, err
}

// Canonical is Resolve with symlinks followed: two paths naming the same file
// yield the same result, expressed under the sandbox root.
func (s *Sandbox) Canonical(path string) (string, error) {
	_, resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.realRoot, resolved)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, rel), nil
}

func (s *Sandbox) resolve(path string) (full, resolved string, err error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(s.root, path)
	}
	if !within(s.root, full) {
		return "", "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	resolved, err = evalExisting(full)
	if err != nil {
		return "", "", err
	}
	if !within(s.realRoot, resolved) {
		return "", "", fmt.Errorf("%w: %s escapes via symlink", ErrPathTraversal, path)
	}
	return full, resolved, nil
}

// Rel returns the slash-separated path of abs relative to the root.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	full, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}
	return os.ReadFile(full)
}

// WriteFile replaces the content of an existing file, keeping its mode.
func (s *Sandbox) WriteFile(path string, data []byte) error {
	full, err := s.Canonical(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}
	return atomicWrite(full, data, info.Mode().Perm())
}

// Glob lists regular files under the subtree matching a root-relative glob
// pattern. "*" and "?" stay within one path segment and "**" spans
// directories. Results are root-relative, slash-separated and sorted.
func (s *Sandbox) Glob(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPath)
	}
	if prefix := literalPrefix(pattern); prefix != "" {
		full, err := s.Resolve(prefix)
		if err != nil {
			return nil, err
		}
		if filepath.IsAbs(pattern) {
			pattern = s.Rel(full) + strings.TrimPrefix(pattern, prefix)
		}
	}
	pattern = filepath.ToSlash(filepath.Clean(pattern))
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidPath, pattern)
	}

	start := s.root
	if s.subtree != "" {
		start = filepath.Join(s.root, filepath.FromSlash(s.subtree))
	}
	var matches []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel := s.Rel(p)
		if s.ignore != nil && s.ignore.MatchesPath(rel) {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Resolve confines path to root without building a Sandbox.
func Resolve(root, path string) (string, error) {
	sb, err := New(root, "")
	if err != nil {
		return "", err
	}
	return sb.Resolve(path)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// evalExisting resolves symlinks on the longest existing ancestor of path.
func evalExisting(path string) (string, error) {
	current := path
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}

// literalPrefix returns the directory part of pattern before its first
// wildcard, or "" when the pattern starts with one.
func literalPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[")
	if idx < 0 {
		idx = len(pattern)
	}
	head := pattern[:idx]
	cut := strings.LastIndex(head, "/")
	if cut < 0 {
		return ""
	}
	if cut == 0 {
		return "/"
	}
	return head[:cut]
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
