// Package security validates caller-supplied file paths.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathNotAllowed marks a path that resolves outside every allowed
// directory.
var ErrPathNotAllowed = errors.New("path not allowed")

// canonicalPath resolves path to an absolute path with symlinks evaluated.
// When path does not exist, the nearest existing ancestor is resolved
// instead and the missing components are appended, so a link such as
// dir/evil -> /etc still resolves to /etc/newfile.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs, nil
		}
	}
}

// ResolveWithinDirectory returns the canonical form of filePath if it lies
// inside safeDir once both are resolved, and an error wrapping
// ErrPathNotAllowed otherwise.
func ResolveWithinDirectory(filePath, safeDir string) (string, error) {
	path, err := canonicalPath(filePath)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(safeDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}
	dir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory %s: %w", safeDir, err)
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathNotAllowed, filePath, safeDir)
	}
	return path, nil
}

// ResolveWithinAllowedDirs is ResolveWithinDirectory over several
// directories; the first that contains filePath wins.
func ResolveWithinAllowedDirs(filePath string, allowedDirs []string) (string, error) {
	if len(allowedDirs) == 0 {
		return "", fmt.Errorf("%w: no allowed directories configured", ErrPathNotAllowed)
	}
	for _, dir := range allowedDirs {
		if path, err := ResolveWithinDirectory(filePath, dir); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: must be within one of %v", ErrPathNotAllowed, allowedDirs)
}
