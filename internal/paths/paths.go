package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// HomeEnvVar overrides the graphsync home directory.
	HomeEnvVar = "GRAPHSYNC_HOME"

	// DefaultHome is the home directory name under the user's home.
	DefaultHome = ".graphsync"

	// WorkspaceDirName is the per-workspace configuration directory.
	WorkspaceDirName = ".graphsync"

	// DatabaseFileName is the SQLite database inside a data dir.
	DatabaseFileName = "graphsync.db"

	// CacheDirName holds filesystem cache blobs.
	CacheDirName = "cache"

	// LogsDirName holds log files.
	LogsDirName = "logs"
)

// GetHome returns the graphsync home directory.
// GRAPHSYNC_HOME wins, otherwise ~/.graphsync.
func GetHome() (string, error) {
	if h := os.Getenv(HomeEnvVar); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home: %w", err)
	}
	return filepath.Join(home, DefaultHome), nil
}

// WorkspaceKey returns a stable key for a workspace: hex sha256 of its
// absolute, cleaned path.
func WorkspaceKey(workspaceRoot string) string {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(sum[:])
}

// ResolveDataDir returns dataDir when set, otherwise the graphsync home.
func ResolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	return GetHome()
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// GetDatabasePath returns the SQLite database path in dataDir.
func GetDatabasePath(dataDir string) string {
	return filepath.Join(dataDir, DatabaseFileName)
}

// GetCacheDir returns the filesystem blob directory in dataDir.
func GetCacheDir(dataDir string) string {
	return filepath.Join(dataDir, CacheDirName)
}

// GetLogsDir returns the log directory in dataDir.
func GetLogsDir(dataDir string) string {
	return filepath.Join(dataDir, LogsDirName)
}

// GetWorkspaceConfigDir returns <workspace>/.graphsync.
func GetWorkspaceConfigDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, WorkspaceDirName)
}

// CanonicalizePath converts an absolute path to a workspace-relative canonical path
// - Resolves symlinks to real paths
// - Makes path relative to workspace root
// - Returns the relative path with forward slashes
func CanonicalizePath(absolutePath string, root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		// Deleted files still need a canonical path.
		if os.IsNotExist(err) {
			resolved = absolutePath
		} else {
			return "", err
		}
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if os.IsNotExist(err) {
			rootResolved = root
		} else {
			return "", err
		}
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// IsWithinRoot checks if a path is inside the workspace root.
func IsWithinRoot(path string, root string) bool {
	canonical, err := CanonicalizePath(path, root)
	if err != nil {
		return false
	}
	return canonical != ".." && !strings.HasPrefix(canonical, "../")
}

// NormalizePath converts backslashes to forward slashes.
func NormalizePath(path string) string {
	return filepath.ToSlash(path)
}

// JoinRoot joins a workspace root with a canonical path.
func JoinRoot(root string, canonicalPath string) string {
	normalized := strings.ReplaceAll(canonicalPath, "\\", "/")
	parts := strings.Split(normalized, "/")
	return filepath.Join(append([]string{root}, parts...)...)
}
