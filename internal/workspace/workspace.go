// Package workspace provisions disposable copies of the addon source tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rotaforge/engine/internal/logging"
)

var ErrProvision = errors.New("workspace provision failed")

const (
	DefaultPrefix          = "rotaforge-"
	DefaultEditableSubtree = "source/aio"
	DefaultOutputDir       = "output"
)

var DefaultTemplateFiles = []string{"build.js", "tmw-template.lua", "package.json"}

type Config struct {
	// TempRoot is where workspaces are created; os.TempDir() when empty.
	TempRoot        string
	Prefix          string
	TemplateRoot    string
	EditableSubtree string
	TemplateFiles   []string
	OutputDir       string
}

func (c Config) withDefaults() Config {
	if c.TempRoot == "" {
		c.TempRoot = os.TempDir()
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.EditableSubtree == "" {
		c.EditableSubtree = DefaultEditableSubtree
	}
	if c.TemplateFiles == nil {
		c.TemplateFiles = DefaultTemplateFiles
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	return c
}

type Workspace struct {
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	// live holds the base names of workspaces provisioned and not yet
	// disposed; ReapStale never touches them.
	live map[string]struct{}
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "workspace"),
		live:   make(map[string]struct{}),
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Provision creates a fresh workspace holding the editable subtree, the build
// template files and an empty output directory. A partially created
// workspace is removed before the error is returned.
func (m *Manager) Provision(ctx context.Context) (ws *Workspace, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if m.cfg.TemplateRoot == "" {
		return nil, fmt.Errorf("%w: template root not configured", ErrProvision)
	}
	if err := os.MkdirAll(m.cfg.TempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	root, err := os.MkdirTemp(m.cfg.TempRoot, m.cfg.Prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	m.track(root, true)
	defer func() {
		if err != nil {
			m.track(root, false)
			if rmErr := os.RemoveAll(root); rmErr != nil {
				m.logger.Warn("workspace.cleanup_failed", "root", root, "error", rmErr.Error())
			}
		}
	}()

	subtree := filepath.FromSlash(m.cfg.EditableSubtree)
	if err := copyDir(ctx, filepath.Join(m.cfg.TemplateRoot, subtree), filepath.Join(root, subtree)); err != nil {
		return nil, fmt.Errorf("%w: copy %s: %w", ErrProvision, m.cfg.EditableSubtree, err)
	}
	for _, name := range m.cfg.TemplateFiles {
		rel := filepath.FromSlash(name)
		if err := copyFile(filepath.Join(m.cfg.TemplateRoot, rel), filepath.Join(root, rel)); err != nil {
			return nil, fmt.Errorf("%w: copy %s: %w", ErrProvision, name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(m.cfg.OutputDir)), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}

	ws = &Workspace{Root: root, CreatedAt: time.Now().UTC()}
	m.logger.Info("workspace.provisioned", "root", root)
	return ws, nil
}

// Dispose removes the workspace. Failures are logged and never returned.
func (m *Manager) Dispose(ws *Workspace) {
	if ws == nil || ws.Root == "" {
		return
	}
	defer m.track(ws.Root, false)
	if err := os.RemoveAll(ws.Root); err != nil {
		m.logger.Warn("workspace.dispose_failed", "root", ws.Root, "error", err.Error())
		return
	}
	m.logger.Info("workspace.disposed", "root", ws.Root, "age_ms", time.Since(ws.CreatedAt).Milliseconds())
}

func (m *Manager) track(root string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live {
		m.live[filepath.Base(root)] = struct{}{}
	} else {
		delete(m.live, filepath.Base(root))
	}
}

func (m *Manager) isLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[name]
	return ok
}

// ReapStale removes prefixed workspaces under TempRoot whose modification
// time is older than maxAge and returns their names. Workspaces this Manager
// provisioned and has not disposed are skipped however old they are.
func (m *Manager) ReapStale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.TempRoot)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	var errs []error
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), m.cfg.Prefix) || m.isLive(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.TempRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("workspace.reap_failed", "path", path, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		removed = append(removed, entry.Name())
	}
	if len(removed) > 0 {
		m.logger.Info("workspace.reaped", "count", len(removed), "max_age", maxAge.String())
	}
	return removed, errors.Join(errs...)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(ctx context.Context, src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())
		switch {
		case entry.IsDir():
			if err := copyDir(ctx, from, to); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := copyFile(from, to); err != nil {
				return err
			}
		}
	}
	return nil
}
