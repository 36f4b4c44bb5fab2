package monitor

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"graphsync/internal/config"
	"graphsync/internal/graph"
	"graphsync/internal/incremental"
	"graphsync/internal/parser"
	"graphsync/internal/paths"
	"graphsync/internal/storage"
	"graphsync/internal/watcher"
)

// Open builds a manager backed by the SQLite database in the configured data
// directory: cache blobs per the storage backend, the graph, and the batch log.
// Close releases the database.
func Open(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	dataDir, err := paths.ResolveDataDir(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(dataDir, logger)
	if err != nil {
		return nil, err
	}

	var blobs storage.BlobStore
	switch cfg.Storage.Backend {
	case config.BackendFilesystem:
		fs, err := storage.NewFileBlobStore(paths.GetCacheDir(dataDir))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		blobs = fs
	default:
		blobs = storage.NewSQLiteBlobStore(db)
	}

	ix, err := NewIndexer(cfg, blobs, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewManager(Options{
		Indexer:  ix,
		Provider: graph.NewSQLiteProvider(db),
		Recorder: db,
	}, logger)
}

// NewIndexer creates an indexer with the analyzers and limits of cfg. A
// relative SCIP index path is resolved against the workspace.
func NewIndexer(cfg *config.Config, blobs storage.BlobStore, logger *slog.Logger) (*incremental.Indexer, error) {
	scip := cfg.Parser.SCIPIndexPath
	if scip != "" && !filepath.IsAbs(scip) && cfg.Monitor.WorkspacePath != "" {
		scip = filepath.Join(cfg.Monitor.WorkspacePath, scip)
	}
	router, warnings := parser.NewDefault(parser.Options{
		SCIPIndexPath:    scip,
		EnableTreeSitter: cfg.Parser.EnableTreeSitter,
		EnableManifests:  cfg.Parser.EnableManifests,
	})
	for _, w := range warnings {
		logger.Debug("Analyzer unavailable", "reason", w)
	}

	matcher, err := watcher.NewMatcher(cfg.Monitor.WatchPatterns, cfg.Monitor.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid watch patterns: %w", err)
	}
	return incremental.New(incremental.Options{
		Parser:      router,
		Blobs:       blobs,
		Matcher:     matcher,
		MaxFileSize: cfg.Monitor.MaxFileSizeBytes,
		Concurrency: cfg.Monitor.AnalysisConcurrency,
	}, logger)
}
