package toolrt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScopeError marks a filesystem access outside the allowed areas. Soft:
// the LLM sees it and the loop continues.
type ScopeError struct {
	Path   string
	Reason string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope violation on %s: %s", e.Path, e.Reason)
}

// insideDir reports whether path sits under dir, by the relative-path
// rule: Rel(dir, path) must not start with ".." and must not be absolute.
func insideDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// resolve anchors relative paths at the conversation working directory.
func (ec *ExecContext) resolve(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(ec.WorkingDir, path)
	}
	return filepath.Clean(path)
}

// CheckPath enforces the filesystem scope policy and returns the resolved
// absolute path. The agent's home is always accessible; the working
// directory is accessible by default; anything else requires allowOutside
// together with an absolute input path.
func (ec *ExecContext) CheckPath(path string, allowOutside bool) (string, error) {
	abs := ec.resolve(path)

	home := ""
	if ec.Agent != nil {
		home = ec.Agent.HomeDir
	}
	if home != "" && insideDir(home, abs) {
		// A symlinked parent must not lead writes out of home.
		if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil && !insideDir(home, resolved) {
			return "", &ScopeError{Path: path, Reason: "symlink escapes the home directory"}
		}
		return abs, nil
	}
	if insideDir(ec.WorkingDir, abs) {
		return abs, nil
	}
	if allowOutside && filepath.IsAbs(path) {
		return abs, nil
	}
	return "", &ScopeError{
		Path:   path,
		Reason: "outside the working directory; set allowOutsideWorkingDirectory and use an absolute path",
	}
}

// rejectSymlink refuses paths that are themselves symlinks.
func rejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return &ScopeError{Path: path, Reason: "path is a symlink"}
	}
	return nil
}
