package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// ErrBlobNotFound is returned when no blob exists for a key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is durable storage for opaque serialized state.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

var blobKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateKey(key string) error {
	if !blobKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// SQLiteBlobStore keeps blobs in the cache_blobs table.
type SQLiteBlobStore struct {
	db *DB
}

// NewSQLiteBlobStore creates a blob store backed by db.
func NewSQLiteBlobStore(db *DB) *SQLiteBlobStore {
	return &SQLiteBlobStore{db: db}
}

func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM cache_blobs WHERE key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob lookup failed: %w", err)
	}
	return data, nil
}

func (s *SQLiteBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_blobs (key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
	`, key, data, len(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("blob write failed: %w", err)
	}
	return nil
}

func (s *SQLiteBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("blob delete failed: %w", err)
	}
	return nil
}

// FileBlobStore keeps one file per blob in a directory.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates a blob store rooted at dir, creating it if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(key string) string {
	return filepath.Join(s.dir, key+".blob")
}

func (s *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob read failed: %w", err)
	}
	return data, nil
}

// Put writes through a temp file and renames it into place.
func (s *FileBlobStore) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("blob write failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob write failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob write failed: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob write failed: %w", err)
	}
	return nil
}

func (s *FileBlobStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete failed: %w", err)
	}
	return nil
}
