// -----------------------------------------------------------------------
// Filesystem object store - staged catalog artifacts with a size cache
// -----------------------------------------------------------------------

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/harmony-eo/harmony/internal/common"
)

// objectRecord caches one artifact's size so batching never re-stats the
// same catalog twice.
type objectRecord struct {
	URI      string `badgerhold:"key"`
	Size     int64
	CachedAt time.Time
}

// FilesystemStore serves artifacts from a directory tree. Work item results
// reference artifacts by file URI or root-relative path.
type FilesystemStore struct {
	root   string
	cache  *badgerhold.Store
	logger arbor.ILogger
}

// NewFilesystemStore opens the store rooted at the configured directory and
// its size cache alongside it.
func NewFilesystemStore(config *common.ObjectStoreConfig, logger arbor.ILogger) (*FilesystemStore, error) {
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}

	options := badgerhold.DefaultOptions
	cacheDir := filepath.Join(config.Root, ".index")
	options.Dir = cacheDir
	options.ValueDir = cacheDir
	options.Logger = nil

	cache, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open object size cache: %w", err)
	}

	return &FilesystemStore{
		root:   config.Root,
		cache:  cache,
		logger: logger,
	}, nil
}

// Put writes an artifact, creating parent directories as needed.
func (s *FilesystemStore) Put(ctx context.Context, uri string, data []byte) error {
	path, err := s.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", uri, err)
	}

	record := objectRecord{URI: uri, Size: int64(len(data)), CachedAt: time.Now()}
	if err := s.cache.Upsert(uri, record); err != nil {
		s.logger.Warn().Err(err).Str("uri", uri).Msg("failed to cache artifact size")
	}
	return nil
}

// Get reads an artifact.
func (s *FilesystemStore) Get(ctx context.Context, uri string) ([]byte, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", uri, err)
	}
	return data, nil
}

// SizeOf returns an artifact's size, from the cache when possible.
func (s *FilesystemStore) SizeOf(ctx context.Context, uri string) (int64, error) {
	var record objectRecord
	if err := s.cache.Get(uri, &record); err == nil {
		return record.Size, nil
	} else if !errors.Is(err, badgerhold.ErrNotFound) {
		s.logger.Warn().Err(err).Str("uri", uri).Msg("size cache lookup failed")
	}

	path, err := s.resolve(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact %s: %w", uri, err)
	}

	record = objectRecord{URI: uri, Size: info.Size(), CachedAt: time.Now()}
	if err := s.cache.Upsert(uri, record); err != nil {
		s.logger.Warn().Err(err).Str("uri", uri).Msg("failed to cache artifact size")
	}
	return info.Size(), nil
}

// Close closes the size cache.
func (s *FilesystemStore) Close() error {
	return s.cache.Close()
}

// resolve maps a result URI onto the store's directory tree and rejects
// paths that escape the root.
func (s *FilesystemStore) resolve(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)

	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact %s is outside the object store root", uri)
	}
	return abs, nil
}
