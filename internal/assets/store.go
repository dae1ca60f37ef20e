package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/lexiqai/talk-gateway/internal/observability"
)

const (
	tempPrefix = ".fetch-"
	tempSuffix = ".part"
)

// Asset is an audio file that has been fully written to local storage
type Asset struct {
	Name      string
	Path      string
	Source    string
	Size      int64
	FetchedAt time.Time
}

// Store owns the local asset directory. Files only appear under their final
// name through Commit, so a visible file is always complete.
type Store struct {
	dir     string
	baseDir string
	logger  zerolog.Logger

	// mu serializes commits with retention evictions
	mu        sync.Mutex
	retention *lru.Cache[string, struct{}]
}

// NewStore creates dir if needed. baseDir anchors the relative references
// handed to viewers. maxFiles > 0 enables LRU retention by commit time.
func NewStore(dir, baseDir string, maxFiles int, logger zerolog.Logger) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving asset dir: %w", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving asset base dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating asset dir: %w", err)
	}

	s := &Store{
		dir:     absDir,
		baseDir: absBase,
		logger:  logger,
	}

	if maxFiles > 0 {
		cache, err := lru.NewWithEvict[string, struct{}](maxFiles, s.evict)
		if err != nil {
			return nil, fmt.Errorf("creating retention cache: %w", err)
		}
		s.retention = cache
	}

	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan removes temp files left by an earlier crash and seeds retention with
// existing assets, oldest first.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading asset dir: %w", err)
	}

	type existing struct {
		name    string
		modTime time.Time
	}
	var files []existing
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix) {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				s.logger.Debug().Str("file", name).Msg("Removed stale temp file")
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, existing{name: name, modTime: info.ModTime()})
	}

	if s.retention == nil {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.retention.Add(f.name, struct{}{})
	}
	return nil
}

// Dir returns the absolute asset directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path an asset named name is stored at
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// CreateTemp opens a hidden temp file in the asset dir. The temp name has a
// fixed length so any name that fits the filesystem can be committed.
func (s *Store) CreateTemp() (*os.File, error) {
	return os.CreateTemp(s.dir, tempPrefix+"*"+tempSuffix)
}

// Commit atomically moves a closed temp file into place as name,
// replacing any previous asset with that name.
func (s *Store) Commit(tmpPath, name string) (string, error) {
	final := s.Path(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmpPath, final); err != nil {
		return "", err
	}
	if s.retention != nil {
		s.retention.Add(name, struct{}{})
	}
	return final, nil
}

// evict runs with mu held, from inside Commit or scan
func (s *Store) evict(name string, _ struct{}) {
	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("file", name).Msg("Failed to remove evicted asset")
		return
	}
	observability.RecordAssetEvicted()
	s.logger.Info().Str("file", name).Msg("Evicted asset by retention policy")
}

// Reference returns the forward-slash path of name relative to the base dir,
// which is what viewers receive in talk messages.
func (s *Store) Reference(name string) (string, error) {
	rel, err := filepath.Rel(s.baseDir, s.Path(name))
	if err != nil {
		return "", fmt.Errorf("computing reference for %q: %w", name, err)
	}
	return filepath.ToSlash(rel), nil
}

// Retained returns the number of assets tracked by retention, or -1 when
// retention is unbounded.
func (s *Store) Retained() int {
	if s.retention == nil {
		return -1
	}
	return s.retention.Len()
}

// CheckWritable is a readiness probe for the asset dir
func (s *Store) CheckWritable(_ context.Context) (bool, error) {
	f, err := os.CreateTemp(s.dir, ".ready.*"+tempSuffix)
	if err != nil {
		return false, err
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return false, err
	}
	return true, nil
}
