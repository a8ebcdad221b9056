// Package pathutil confines the sweep's filesystem writes and removals to
// its output directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RedactPath reduces a full path to .../<parent>/<basename> for log and error
// messages. For example, "/data/sweeps/out/rdf-8-rd-3-tb-0.05" becomes
// ".../out/rdf-8-rd-3-tb-0.05".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	parent := filepath.Base(dir)
	if parent == "." || parent == string(filepath.Separator) {
		return base
	}
	return ".../" + parent + "/" + base
}

// Within checks that path lies strictly below root once both are cleaned
// and their existing ancestors are resolved through symlinks. The root
// itself is rejected.
func Within(root, path string) error {
	if path == "" {
		return fmt.Errorf("path validation failed: path is empty")
	}
	if root == "" {
		return fmt.Errorf("path validation failed: root is empty")
	}

	// Check for null bytes (common injection vector)
	if strings.ContainsRune(path, '\x00') || strings.ContainsRune(root, '\x00') {
		return fmt.Errorf("path validation failed: path contains null byte")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve absolute path: %w", err)
	}
	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve root: %w", err)
	}

	// Resolve the parent only; the target itself may be a symlink we are
	// about to remove, and removing a link never follows it.
	resolvedDir, err := resolveExistingParent(filepath.Dir(absPath))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve parent directory: %w", err)
	}
	resolvedPath := filepath.Join(resolvedDir, filepath.Base(absPath))

	resolvedRoot, err := resolveExistingParent(absRoot)
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve root: %w", err)
	}

	if resolvedPath == resolvedRoot || !isSubpath(resolvedPath, resolvedRoot) {
		return fmt.Errorf("path validation failed: %q is outside %q", RedactPath(absPath), RedactPath(absRoot))
	}
	return nil
}

// ScenarioDir returns root/name after checking that name is a single path
// element.
func ScenarioDir(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid scenario directory name %q", name)
	}
	dir := filepath.Join(root, name)
	if err := Within(root, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// RemoveScenarioDir deletes dir and everything below it. dir must lie
// strictly inside root. A dir that does not exist is not an error.
func RemoveScenarioDir(root, dir string) error {
	if err := Within(root, dir); err != nil {
		return fmt.Errorf("refusing to remove: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", RedactPath(dir), err)
	}
	return nil
}

// resolveExistingParent walks up the directory tree to find the deepest existing
// ancestor, resolves symlinks on it, then re-appends the non-existent tail.
func resolveExistingParent(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		// We've hit the root and it doesn't exist -- give up
		return "", fmt.Errorf("cannot resolve path: %s", RedactPath(dir))
	}

	resolvedParent, err := resolveExistingParent(parent)
	if err != nil {
		return "", err
	}

	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

// isSubpath checks whether path is equal to or a subdirectory of base.
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	// Ensure base ends with separator so "/tmp/foo" doesn't match "/tmp/foobar"
	prefix := strings.TrimSuffix(base, string(os.PathSeparator)) + string(os.PathSeparator)
	return strings.HasPrefix(path, prefix)
}
