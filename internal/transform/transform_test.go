package transform

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

func testConfig() config.Media {
	return config.Media{
		MaxFileSize:      15 * 1024 * 1024,
		AllowedMimeTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		MaxDimension:     4000,
		ThumbnailSize:    300,
		JPEGQuality:      85,
		WatermarkText:    "musenest.com",
	}
}

// writeTestJPEG renders a flat-color JPEG of the given size.
func writeTestJPEG(t *testing.T, dir, name string, width, height int) string {
	t.Helper()

	img := imaging.New(width, height, color.NRGBA{R: 120, G: 80, B: 40, A: 255})
	path := filepath.Join(dir, name)
	if err := imaging.Save(img, path, imaging.JPEGQuality(70)); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
	return path
}

func TestProcess_CapsOversizedDimensions(t *testing.T) {
	tr, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	src := writeTestJPEG(t, dir, "big.jpg", 6000, 4000)

	result, err := tr.Process(src, dir, "big-out", Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Width > 4000 || result.Height > 4000 {
		t.Fatalf("Expected dimensions capped at 4000, got %dx%d", result.Width, result.Height)
	}

	// 6000x4000 fits to 4000x2667, preserving aspect ratio
	if result.Width != 4000 {
		t.Errorf("Expected width 4000, got %d", result.Width)
	}
	if result.Height < 2666 || result.Height > 2667 {
		t.Errorf("Expected height near 2667, got %d", result.Height)
	}
}

func TestProcess_SmallImageKeepsDimensions(t *testing.T) {
	tr, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	src := writeTestJPEG(t, dir, "small.jpg", 800, 600)

	result, err := tr.Process(src, dir, "small-out", Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Width != 800 || result.Height != 600 {
		t.Fatalf("Expected 800x600 preserved, got %dx%d", result.Width, result.Height)
	}

	// Thumbnail artifact must exist and fit the configured square
	thumb, err := imaging.Open(result.ThumbnailPath)
	if err != nil {
		t.Fatalf("Failed to open thumbnail: %v", err)
	}
	tb := thumb.Bounds()
	if tb.Dx() != 300 || tb.Dy() != 300 {
		t.Errorf("Expected 300x300 thumbnail, got %dx%d", tb.Dx(), tb.Dy())
	}

	if result.ByteSize <= 0 {
		t.Errorf("Expected positive byte size, got %d", result.ByteSize)
	}
}

func TestProcess_WatermarkApplied(t *testing.T) {
	tr, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	src := writeTestJPEG(t, dir, "wm.jpg", 1200, 900)

	result, err := tr.Process(src, dir, "wm-out", Options{ApplyWatermark: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.WatermarkApplied {
		t.Fatal("Expected watermark to be applied")
	}
	if result.WatermarkErr != nil {
		t.Fatalf("Unexpected watermark error: %v", result.WatermarkErr)
	}

	// The watermarked output must differ from a plain render of the source
	marked, err := imaging.Open(result.OptimizedPath)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	plain, err := imaging.Open(src)
	if err != nil {
		t.Fatalf("Failed to open source: %v", err)
	}
	if imagesIdentical(marked, plain) {
		t.Error("Expected watermarked output to differ from source")
	}
}

func TestValidateSource_RejectsUnsupportedFormat(t *testing.T) {
	tr, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "fake.jpg")
	if err := os.WriteFile(path, []byte("%PDF-1.4 not an image"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	err = tr.ValidateSource(path)
	if !errors.Is(err, types.ErrUnsupportedFormat) {
		t.Fatalf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("Expected validation error kind, got %s", types.KindOf(err))
	}
}

func TestValidateSource_RejectsOversizedFile(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileSize = 1024
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	src := writeTestJPEG(t, dir, "toobig.jpg", 400, 400)

	err = tr.ValidateSource(src)
	if !errors.Is(err, types.ErrFileTooLarge) {
		t.Fatalf("Expected ErrFileTooLarge, got %v", err)
	}
}

func TestGenerateThumbnail_Modes(t *testing.T) {
	tr, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	dir := t.TempDir()
	src := writeTestJPEG(t, dir, "src.jpg", 800, 400)

	// fit preserves aspect within the bounding box
	w, h, err := tr.GenerateThumbnail(src, filepath.Join(dir, "fit.jpg"), SizeSpec{Width: 200, Height: 200, Mode: "fit"})
	if err != nil {
		t.Fatalf("GenerateThumbnail fit failed: %v", err)
	}
	if w != 200 || h != 100 {
		t.Errorf("Expected 200x100 fit output, got %dx%d", w, h)
	}

	// fill crops to the exact requested size
	w, h, err = tr.GenerateThumbnail(src, filepath.Join(dir, "fill.jpg"), SizeSpec{Width: 200, Height: 200, Mode: "fill"})
	if err != nil {
		t.Fatalf("GenerateThumbnail fill failed: %v", err)
	}
	if w != 200 || h != 200 {
		t.Errorf("Expected 200x200 fill output, got %dx%d", w, h)
	}
}

func imagesIdentical(a, b image.Image) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	bounds := a.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 7 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 7 {
			if color.RGBAModel.Convert(a.At(x, y)) != color.RGBAModel.Convert(b.At(x, y)) {
				return false
			}
		}
	}
	return true
}
