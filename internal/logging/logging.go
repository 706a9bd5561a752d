package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Dir        string
	Debug      bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Stderr receives info-level text records when file logging is off.
	Stderr io.Writer
}

type FileLogger struct {
	Logger  *slog.Logger
	Close   func() error
	Path    string
	Enabled bool
}

func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New returns a JSON logger writing to a rotating engine.log under Dir when
// Debug is set, and an info-level text logger on Stderr otherwise.
func New(opts Options) (FileLogger, error) {
	noClose := func() error { return nil }
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	fallback := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: ReplaceAttr}))
	if !opts.Debug {
		return FileLogger{Logger: fallback, Close: noClose, Enabled: false}, nil
	}
	logDir := filepath.Join(opts.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return FileLogger{Logger: fallback, Close: noClose, Enabled: false}, err
	}
	path := filepath.Join(logDir, "engine.log")
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    valueOr(opts.MaxSizeMB, 15),
		MaxBackups: valueOr(opts.MaxBackups, 3),
		MaxAge:     valueOr(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		AddSource:   true,
		ReplaceAttr: ReplaceAttr,
	})
	return FileLogger{
		Logger:  slog.New(handler),
		Close:   writer.Close,
		Path:    path,
		Enabled: true,
	}, nil
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
