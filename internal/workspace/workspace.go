// Package workspace resolves workspace paths and probes them after a run.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/cdispatch/internal/apperr"
)

const gitTimeout = 30 * time.Second

// ErrNotRepository is returned by DiffStats outside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Resolve returns the absolute form of path, defaulting to the current
// directory. The path must be an existing directory.
func Resolve(path string) (string, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		path = wd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperr.InvalidInput(fmt.Sprintf("workspace %s: %v", abs, err))
	}
	if !info.IsDir() {
		return "", apperr.InvalidInput(fmt.Sprintf("workspace %s is not a directory", abs))
	}
	return abs, nil
}

// Diff is the change footprint of a workspace relative to HEAD.
type Diff struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// DiffStats reports staged, unstaged and untracked changes in dir.
func DiffStats(ctx context.Context, dir string) (Diff, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	if _, err := git(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return Diff{}, ErrNotRepository
	}

	var d Diff
	if _, err := git(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		out, err := git(ctx, dir, "diff", "--numstat", "HEAD")
		if err != nil {
			return Diff{}, err
		}
		d = parseNumstat(out)
	} else {
		// No commits yet: everything staged counts as added.
		out, err := git(ctx, dir, "diff", "--cached", "--numstat")
		if err != nil {
			return Diff{}, err
		}
		d = parseNumstat(out)
	}

	untracked, err := git(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return Diff{}, err
	}
	for _, line := range strings.Split(untracked, "\n") {
		if line == "" {
			continue
		}
		d.FilesChanged++
		d.LinesAdded += countLines(filepath.Join(dir, line))
	}
	return d, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func parseNumstat(output string) Diff {
	var d Diff
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		d.FilesChanged++
		// Binary files report "-" for both counts.
		if a, err := strconv.Atoi(fields[0]); err == nil {
			d.LinesAdded += a
		}
		if r, err := strconv.Atoi(fields[1]); err == nil {
			d.LinesRemoved += r
		}
	}
	return d
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 0
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
