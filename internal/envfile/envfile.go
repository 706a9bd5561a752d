// Package envfile loads KEY=VALUE files into the process environment without
// overriding variables that are already set.
package envfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rotaforge/engine/internal/envutil"
)

const PathEnv = "ROTAFORGE_ENV_PATH"

// Filenames are tried in order in each directory while searching upwards.
var Filenames = []string{".env", "rotaforge.env"}

type Result struct {
	Path   string
	Loaded bool
	// Keys lists the variables that were set; Skipped counts those already
	// present in the environment.
	Keys    []string
	Skipped int
	Err     error
}

func Load() Result {
	if override := envutil.String(PathEnv, ""); override != "" {
		return LoadPath(override)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return Result{Err: err}
	}
	path := Find(cwd)
	if path == "" {
		return Result{}
	}
	return LoadPath(path)
}

// Find returns the nearest env file at or above start, or "".
func Find(start string) string {
	dir := start
	for {
		for _, name := range Filenames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func LoadPath(path string) Result {
	res := Result{Path: path}
	file, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer file.Close()
	res.Loaded = true
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, value, ok, err := parseLine(scanner.Text())
		if err != nil {
			res.Err = fmt.Errorf("%s:%d: %w", path, lineNo, err)
			return res
		}
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			res.Skipped++
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			res.Err = err
			return res
		}
		res.Keys = append(res.Keys, key)
	}
	if err := scanner.Err(); err != nil {
		res.Err = err
	}
	return res
}

func parseLine(raw string) (key, value string, ok bool, err error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", false, fmt.Errorf("expected KEY=VALUE")
	}
	key = strings.TrimSpace(line[:idx])
	if strings.ContainsAny(key, " \t") {
		return "", "", false, fmt.Errorf("invalid key %q", key)
	}
	value = strings.TrimSpace(line[idx+1:])
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') {
		quote := value[0]
		end := strings.IndexByte(value[1:], quote)
		if end < 0 {
			return "", "", false, fmt.Errorf("unterminated quote for %s", key)
		}
		return key, value[1 : end+1], true, nil
	}
	if i := strings.Index(value, " #"); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return key, value, true, nil
}
