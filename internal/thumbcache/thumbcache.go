package thumbcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/transform"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// Generator produces one thumbnail variant on a cache miss. Writes must be
// atomic (temp file renamed into place): concurrent generators for the same
// key may duplicate work but must never corrupt the artifact.
type Generator interface {
	GenerateThumbnail(srcPath, destPath string, spec transform.SizeSpec) (int, int, error)
}

// Entry is one cached thumbnail artifact.
type Entry struct {
	Path      string    `json:"path"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is a content-addressed thumbnail cache: the key hashes the source
// path, size spec and source modification time, so entries self-invalidate
// when the source changes without any explicit invalidation call. The
// in-memory index sits over the filesystem store; the filesystem is the
// source of truth and cross-process safety comes from atomic renames, not
// from a shared lock.
type Cache struct {
	dir     string
	gen     Generator
	index   *gocache.Cache
	workers int
}

func New(dir string, gen Generator, cfg config.Thumbnails) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail dir: %w", err)
	}

	workers := cfg.GenerateWorkers
	if workers < 1 {
		workers = 1
	}

	return &Cache{
		dir:     dir,
		gen:     gen,
		index:   gocache.New(cfg.IndexExpiration, cfg.IndexSweepPeriod),
		workers: workers,
	}, nil
}

// GetOrCreate returns the cached artifact for (sourcePath, spec) or falls
// through to the generator. A cache hit is trusted only after verifying the
// artifact still exists on disk, which handles external deletion.
func (c *Cache) GetOrCreate(ctx context.Context, sourcePath string, spec transform.SizeSpec) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := c.key(sourcePath, spec)
	if err != nil {
		return nil, err
	}

	if cached, found := c.index.Get(key); found {
		entry := cached.(*Entry)
		if _, err := os.Stat(entry.Path); err == nil {
			return entry, nil
		}
		c.index.Delete(key)
	}

	destPath := filepath.Join(c.dir, key+".jpg")

	// The artifact may already exist on disk from a previous process run
	// or a concurrent generator; the key embeds the source mtime, so an
	// existing file under this name is current.
	if info, err := os.Stat(destPath); err == nil {
		entry := &Entry{Path: destPath, Width: spec.Width, Height: spec.Height, CreatedAt: info.ModTime()}
		c.index.SetDefault(key, entry)
		return entry, nil
	}

	w, h, err := c.gen.GenerateThumbnail(sourcePath, destPath, spec)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Path: destPath, Width: w, Height: h, CreatedAt: time.Now()}
	c.index.SetDefault(key, entry)

	return entry, nil
}

// GenerateVariants produces multiple size variants of one source with
// bounded parallelism. Results are keyed by the spec string.
func (c *Cache) GenerateVariants(ctx context.Context, sourcePath string, specs []transform.SizeSpec) (map[string]*Entry, error) {
	results := make(map[string]*Entry, len(specs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, spec := range specs {
		g.Go(func() error {
			entry, err := c.GetOrCreate(ctx, sourcePath, spec)
			if err != nil {
				return fmt.Errorf("variant %s: %w", spec, err)
			}
			mu.Lock()
			results[spec.String()] = entry
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Evict removes the index entry for (sourcePath, spec) and deletes the
// artifact. Used when a media item is mutated or deleted.
func (c *Cache) Evict(sourcePath string, spec transform.SizeSpec) error {
	key, err := c.key(sourcePath, spec)
	if err != nil {
		return err
	}

	c.index.Delete(key)

	destPath := filepath.Join(c.dir, key+".jpg")
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep removes artifacts older than maxAge and reports how many files and
// bytes were reclaimed. Stale index entries pointing at removed files fail
// the on-disk verification in GetOrCreate, so the index needs no sweep of
// its own here.
func (c *Cache) Sweep(maxAge time.Duration) (int, int64, error) {
	horizon := time.Now().Add(-maxAge)

	var removed int
	var reclaimed int64

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, err
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(horizon) {
			continue
		}

		path := filepath.Join(c.dir, de.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to evict thumbnail",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		removed++
		reclaimed += info.Size()
	}

	return removed, reclaimed, nil
}

// key hashes the source identity, the size spec and the source modification
// time. Stat failure means the source is unreadable, which callers treat as
// a validation error.
func (c *Cache) key(sourcePath string, spec transform.SizeSpec) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", types.NewPipelineError(types.KindValidation, "thumbnail", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", sourcePath, spec, info.ModTime().UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:40], nil
}
