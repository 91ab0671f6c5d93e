// Package assets persists asset records as one YAML file per asset.
package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrAssetNotFound is returned when no record exists for a key.
var ErrAssetNotFound = errors.New("asset not found")

const recordExt = ".yml"

// Cache memoises decoded asset records. It is owned by one Repository and
// lives as long as that repository, normally one run.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*models.Asset
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*models.Asset)}
}

func (c *Cache) get(key string) (*models.Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return clone(a), true
}

func (c *Cache) put(a *models.Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.Key] = clone(a)
}

func clone(a *models.Asset) *models.Asset {
	cp := *a
	cp.Volumes = append([]models.Volume(nil), a.Volumes...)
	if a.LastBackupAttempt != nil {
		t := *a.LastBackupAttempt
		cp.LastBackupAttempt = &t
	}
	return &cp
}

// Invalidate drops a cached record.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Repository reads and writes asset records under a directory.
type Repository struct {
	dir    string
	cache  *Cache
	logger zerolog.Logger
}

// NewRepository creates a repository. A nil cache disables caching.
func NewRepository(dir string, cache *Cache, logger zerolog.Logger) *Repository {
	return &Repository{
		dir:    dir,
		cache:  cache,
		logger: logger.With().Str("component", "asset_repository").Logger(),
	}
}

func (r *Repository) path(key string) string {
	return filepath.Join(r.dir, key+recordExt)
}

// Exists reports whether a record exists for key.
func (r *Repository) Exists(key string) bool {
	return fsutil.Exists(r.path(key))
}

// Get returns the asset for key. Callers receive a copy they may mutate.
func (r *Repository) Get(key string) (*models.Asset, error) {
	if r.cache != nil {
		if a, ok := r.cache.get(key); ok {
			return a, nil
		}
	}

	data, err := os.ReadFile(r.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, key)
		}
		return nil, fmt.Errorf("read asset %s: %w", key, err)
	}

	var a models.Asset
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse asset %s: %w", key, err)
	}
	if a.Key == "" {
		a.Key = key
	}

	if r.cache != nil {
		r.cache.put(&a)
	}
	return &a, nil
}

// Save writes the asset record and invalidates any cached copy.
func (r *Repository) Save(a *models.Asset) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("validate asset: %w", err)
	}

	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal asset %s: %w", a.Key, err)
	}
	if err := fsutil.WriteFileAtomic(r.path(a.Key), data, 0o640); err != nil {
		return fmt.Errorf("write asset %s: %w", a.Key, err)
	}

	if r.cache != nil {
		r.cache.Invalidate(a.Key)
	}
	r.logger.Debug().Str("asset", a.Key).Msg("asset saved")
	return nil
}

// List returns every asset sorted by key.
func (r *Repository) List() ([]*models.Asset, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list assets: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), recordExt))
	}
	sort.Strings(keys)

	out := make([]*models.Asset, 0, len(keys))
	for _, key := range keys {
		a, err := r.Get(key)
		if err != nil {
			r.logger.Warn().Err(err).Str("asset", key).Msg("skipping unreadable asset")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
