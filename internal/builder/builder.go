// Package builder runs the addon build script inside a workspace.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rotaforge/engine/internal/logging"
)

var (
	ErrBuildFailed        = errors.New("build failed")
	ErrBuildTimeout       = fmt.Errorf("%w: timed out", ErrBuildFailed)
	ErrBuildOutputMissing = errors.New("build output missing")
)

const (
	DefaultCommand    = "node"
	DefaultRootEnv    = "ROTATION_ROOT"
	DefaultOutputPath = "output/TellMeWhen.lua"
	DefaultTimeout    = 30 * time.Second

	maxCapturedOutput = 64 * 1024
	waitDelay         = 2 * time.Second
)

var DefaultArgs = []string{"build.js"}

type Config struct {
	Command    string
	Args       []string
	RootEnv    string
	OutputPath string
	Timeout    time.Duration
	// Env is appended to the process environment.
	Env []string
}

type Result struct {
	Success    bool
	OutputPath string
	ErrorText  string
	Output     string
	Duration   time.Duration
	Err        error
}

type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
		if cfg.Args == nil {
			cfg.Args = DefaultArgs
		}
	}
	if cfg.RootEnv == "" {
		cfg.RootEnv = DefaultRootEnv
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = DefaultOutputPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "builder")}
}

func (r *Runner) Timeout() time.Duration {
	return r.cfg.Timeout
}

// Run executes the build with root as working directory. A process that exits
// cleanly without producing the artifact is reported as ErrBuildOutputMissing.
func (r *Runner) Run(ctx context.Context, root string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = root
	env := append([]string{}, os.Environ()...)
	env = append(env, r.cfg.RootEnv+"="+root)
	env = append(env, r.cfg.Env...)
	cmd.Env = env
	out := &capture{limit: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren holding the pipes open must not stall Wait past the deadline.
	cmd.WaitDelay = waitDelay

	r.logger.Info("builder.start", "command", r.cfg.Command, "root", root, "timeout_ms", r.cfg.Timeout.Milliseconds())
	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	output := strings.TrimSpace(out.String())
	res := Result{Output: output, Duration: elapsed}

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ErrorText = joinText(fmt.Sprintf("build timed out after %s", r.cfg.Timeout), output)
		res.Err = ErrBuildTimeout
	case err != nil && ctx.Err() != nil:
		res.ErrorText = joinText("build cancelled", output)
		res.Err = fmt.Errorf("%w: %w", ErrBuildFailed, ctx.Err())
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ErrorText = joinText(fmt.Sprintf("build exited with code %d", exitErr.ExitCode()), output)
		} else {
			res.ErrorText = joinText(err.Error(), output)
		}
		res.Err = fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	if res.Err != nil {
		r.logger.Warn("builder.failed", "elapsed_ms", elapsed.Milliseconds(), "error", res.Err.Error())
		return res
	}

	artifact := filepath.Join(root, filepath.FromSlash(r.cfg.OutputPath))
	info, statErr := os.Stat(artifact)
	if statErr != nil || !info.Mode().IsRegular() {
		res.ErrorText = joinText(fmt.Sprintf("build succeeded but %s was not produced", r.cfg.OutputPath), output)
		res.Err = ErrBuildOutputMissing
		r.logger.Warn("builder.output_missing", "path", artifact)
		return res
	}
	res.Success = true
	res.OutputPath = artifact
	r.logger.Info("builder.complete", "elapsed_ms", elapsed.Milliseconds(), "bytes", info.Size())
	return res
}

func joinText(head, output string) string {
	if output == "" {
		return head
	}
	return head + "\n" + output
}

// capture keeps the first limit bytes written by the build process.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n... (output truncated)"
	}
	return c.buf.String()
}
