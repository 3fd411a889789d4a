package thumbcache

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/transform"
)

// countingGenerator writes a fixed artifact and counts invocations.
type countingGenerator struct {
	calls atomic.Int64
}

func (g *countingGenerator) GenerateThumbnail(srcPath, destPath string, spec transform.SizeSpec) (int, int, error) {
	g.calls.Add(1)
	if err := os.WriteFile(destPath, []byte("thumbnail-bytes"), 0644); err != nil {
		return 0, 0, err
	}
	return spec.Width, spec.Height, nil
}

func testThumbConfig() config.Thumbnails {
	return config.Thumbnails{
		MaxAge:           30 * 24 * time.Hour,
		GenerateWorkers:  4,
		IndexExpiration:  time.Hour,
		IndexSweepPeriod: time.Minute,
	}
}

func writeSource(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "source.jpg")
	if err := os.WriteFile(path, []byte("source-image"), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return path
}

func TestGetOrCreate_SecondCallHitsCache(t *testing.T) {
	dir := t.TempDir()
	gen := &countingGenerator{}
	cache, err := New(filepath.Join(dir, "cache"), gen, testThumbConfig())
	if err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}

	src := writeSource(t, dir)
	spec := transform.SizeSpec{Width: 200, Height: 200, Mode: "fit"}
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, src, spec)
	if err != nil {
		t.Fatalf("First GetOrCreate failed: %v", err)
	}
	second, err := cache.GetOrCreate(ctx, src, spec)
	if err != nil {
		t.Fatalf("Second GetOrCreate failed: %v", err)
	}

	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("Expected 1 generator call, got %d", got)
	}
	if first.Path != second.Path {
		t.Errorf("Expected identical artifact path, got %s and %s", first.Path, second.Path)
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Errorf("Expected artifact on disk: %v", err)
	}
}

func TestGetOrCreate_SourceChangeRegenerates(t *testing.T) {
	dir := t.TempDir()
	gen := &countingGenerator{}
	cache, err := New(filepath.Join(dir, "cache"), gen, testThumbConfig())
	if err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}

	src := writeSource(t, dir)
	spec := transform.SizeSpec{Width: 200, Height: 200, Mode: "fit"}
	ctx := context.Background()

	if _, err := cache.GetOrCreate(ctx, src, spec); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// Rewriting the source bumps its mtime, which changes the cache key
	if err := os.WriteFile(src, []byte("modified-image"), 0644); err != nil {
		t.Fatalf("Failed to rewrite source: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(src, future, future); err != nil {
		t.Fatalf("Failed to bump mtime: %v", err)
	}

	if _, err := cache.GetOrCreate(ctx, src, spec); err != nil {
		t.Fatalf("GetOrCreate after modification failed: %v", err)
	}

	if got := gen.calls.Load(); got != 2 {
		t.Fatalf("Expected regeneration after source change, got %d calls", got)
	}
}

func TestGetOrCreate_DeletedArtifactRegenerated(t *testing.T) {
	dir := t.TempDir()
	gen := &countingGenerator{}
	cache, err := New(filepath.Join(dir, "cache"), gen, testThumbConfig())
	if err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}

	src := writeSource(t, dir)
	spec := transform.SizeSpec{Width: 100, Height: 100, Mode: "fill"}
	ctx := context.Background()

	entry, err := cache.GetOrCreate(ctx, src, spec)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// Simulate external deletion of the artifact
	if err := os.Remove(entry.Path); err != nil {
		t.Fatalf("Failed to remove artifact: %v", err)
	}

	regenerated, err := cache.GetOrCreate(ctx, src, spec)
	if err != nil {
		t.Fatalf("GetOrCreate after deletion failed: %v", err)
	}
	if _, err := os.Stat(regenerated.Path); err != nil {
		t.Errorf("Expected regenerated artifact on disk: %v", err)
	}
	if got := gen.calls.Load(); got != 2 {
		t.Errorf("Expected 2 generator calls, got %d", got)
	}
}

func TestGenerateVariants(t *testing.T) {
	dir := t.TempDir()
	gen := &countingGenerator{}
	cache, err := New(filepath.Join(dir, "cache"), gen, testThumbConfig())
	if err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}

	src := writeSource(t, dir)
	specs := []transform.SizeSpec{
		{Width: 100, Height: 100, Mode: "fit"},
		{Width: 300, Height: 300, Mode: "fit"},
		{Width: 600, Height: 400, Mode: "fill"},
	}

	entries, err := cache.GenerateVariants(context.Background(), src, specs)
	if err != nil {
		t.Fatalf("GenerateVariants failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("Expected 3 variants, got %d", len(entries))
	}
	for _, spec := range specs {
		entry, ok := entries[spec.String()]
		if !ok {
			t.Fatalf("Missing variant %s", spec)
		}
		if _, err := os.Stat(entry.Path); err != nil {
			t.Errorf("Variant %s not on disk: %v", spec, err)
		}
	}
}

func TestSweep_ReclaimsOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	gen := &countingGenerator{}
	cacheDir := filepath.Join(dir, "cache")
	cache, err := New(cacheDir, gen, testThumbConfig())
	if err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}

	src := writeSource(t, dir)
	ctx := context.Background()

	oldEntry, err := cache.GetOrCreate(ctx, src, transform.SizeSpec{Width: 100, Height: 100, Mode: "fit"})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	freshEntry, err := cache.GetOrCreate(ctx, src, transform.SizeSpec{Width: 200, Height: 200, Mode: "fit"})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// Age one artifact past the sweep horizon
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldEntry.Path, past, past); err != nil {
		t.Fatalf("Failed to age artifact: %v", err)
	}

	removed, reclaimed, err := cache.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if removed != 1 {
		t.Fatalf("Expected 1 artifact removed, got %d", removed)
	}
	if reclaimed <= 0 {
		t.Errorf("Expected positive bytes reclaimed, got %d", reclaimed)
	}
	if _, err := os.Stat(oldEntry.Path); !os.IsNotExist(err) {
		t.Error("Expected old artifact removed from disk")
	}
	if _, err := os.Stat(freshEntry.Path); err != nil {
		t.Errorf("Expected fresh artifact retained: %v", err)
	}
}
