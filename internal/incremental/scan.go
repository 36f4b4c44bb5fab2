package incremental

import (
	"io/fs"
	"path/filepath"
	"time"

	"graphsync/internal/paths"
	"graphsync/internal/watcher"
)

type fileStat struct {
	size    int64
	modTime time.Time
}

// scanWorkspace walks root and returns the matched regular files keyed by
// workspace-relative path. Unreadable entries are skipped.
func scanWorkspace(root string, matcher *watcher.Matcher) (map[string]fileStat, error) {
	files := make(map[string]fileStat)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil //nolint:nilerr // skip inaccessible entries
		}
		rel, relErr := paths.CanonicalizePath(path, root)
		if relErr != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			if matcher.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matcher.Match(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil //nolint:nilerr
		}
		files[rel] = fileStat{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return files, err
}
