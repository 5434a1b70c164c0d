// Package appconfig locates the workspace a tierdeploy command operates on.
package appconfig

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigFileName marks a workspace root alongside .git.
const ConfigFileName = ".tierdeploy.yaml"

// FindRepoRoot walks up from start and returns the first directory that looks
// like a workspace root, or "" when none is found.
func FindRepoRoot(start string) string {
	start = strings.TrimSpace(start)
	if start == "" {
		return ""
	}
	info, err := os.Stat(start)
	if err == nil && !info.IsDir() {
		start = filepath.Dir(start)
	}
	current := start
	for {
		if isRepoRoot(current) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// ConfigPath returns the workspace config file under root when it exists.
func ConfigPath(root string) (string, bool) {
	if root == "" {
		return "", false
	}
	path := filepath.Join(root, ConfigFileName)
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		return path, true
	}
	return "", false
}

func isRepoRoot(dir string) bool {
	if dir == "" {
		return false
	}
	if _, ok := ConfigPath(dir); ok {
		return true
	}
	// .git is a file inside worktrees and submodules.
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	return false
}
