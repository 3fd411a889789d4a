package transform

import (
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// SizeSpec describes one requested thumbnail variant.
type SizeSpec struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   string `json:"mode"` // "fit" preserves aspect, "fill" crops to exact size
}

func (s SizeSpec) String() string {
	return fmt.Sprintf("%dx%d-%s", s.Width, s.Height, s.Mode)
}

// Options select the optional steps of a transform run.
type Options struct {
	ApplyWatermark bool
}

// Result carries the artifacts produced for one source image. WatermarkErr
// is a soft failure: the pipeline continues without the watermark and only
// logs it, so it is reported separately instead of failing the run.
type Result struct {
	OptimizedPath    string
	ThumbnailPath    string
	Width            int
	Height           int
	ByteSize         int64
	WatermarkApplied bool
	WatermarkErr     error
}

// Transformer applies rotation-normalization, dimension capping, watermark
// compositing and thumbnail generation to single images. It holds no shared
// mutable state and is safe for concurrent use.
type Transformer struct {
	maxFileSize   int64
	allowedTypes  map[string]bool
	maxDimension  int
	thumbSize     int
	quality       int
	watermarkText string
	font          *truetype.Font
}

func New(cfg config.Media) (*Transformer, error) {
	fnt, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watermark font: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedMimeTypes))
	for _, mt := range cfg.AllowedMimeTypes {
		allowed[mt] = true
	}

	return &Transformer{
		maxFileSize:   cfg.MaxFileSize,
		allowedTypes:  allowed,
		maxDimension:  cfg.MaxDimension,
		thumbSize:     cfg.ThumbnailSize,
		quality:       cfg.JPEGQuality,
		watermarkText: cfg.WatermarkText,
		font:          fnt,
	}, nil
}

// ValidateSource rejects unreadable, oversized or non-allow-listed sources
// before any pixels are decoded.
func (t *Transformer) ValidateSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return types.NewPipelineError(types.KindValidation, "validate", err)
	}

	if info.Size() > t.maxFileSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", types.ErrFileTooLarge, info.Size(), t.maxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return types.NewPipelineError(types.KindValidation, "validate", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return types.NewPipelineError(types.KindValidation, "validate", err)
	}

	contentType := http.DetectContentType(head[:n])
	if !t.allowedTypes[contentType] {
		return fmt.Errorf("%w: %s", types.ErrUnsupportedFormat, contentType)
	}

	return nil
}

// Process produces the optimized main copy and thumbnail for srcPath under
// destDir, named from baseName. The source is orientation-normalized and
// capped to the maximum bounding dimension before thumbnailing, which
// bounds worst-case memory for the remaining steps.
func (t *Transformer) Process(srcPath, destDir, baseName string, opts Options) (*Result, error) {
	if err := t.ValidateSource(srcPath); err != nil {
		return nil, err
	}

	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, types.NewPipelineError(types.KindTransform, "decode", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() > t.maxDimension || bounds.Dy() > t.maxDimension {
		src = imaging.Fit(src, t.maxDimension, t.maxDimension, imaging.Lanczos)
	}

	result := &Result{}

	if opts.ApplyWatermark {
		marked, wmErr := t.watermark(src)
		if wmErr != nil {
			result.WatermarkErr = wmErr
		} else {
			src = marked
			result.WatermarkApplied = true
		}
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, types.NewPipelineError(types.KindStorage, "transform", err)
	}

	optimizedPath := filepath.Join(destDir, baseName+".jpg")
	if err := t.saveAtomic(src, optimizedPath); err != nil {
		return nil, types.NewPipelineError(types.KindTransform, "optimize", err)
	}

	thumb := imaging.Thumbnail(src, t.thumbSize, t.thumbSize, imaging.Lanczos)
	thumbPath := filepath.Join(destDir, baseName+"_thumb.jpg")
	if err := t.saveAtomic(thumb, thumbPath); err != nil {
		os.Remove(optimizedPath)
		return nil, types.NewPipelineError(types.KindTransform, "thumbnail", err)
	}

	info, err := os.Stat(optimizedPath)
	if err != nil {
		return nil, types.NewPipelineError(types.KindStorage, "transform", err)
	}

	final := src.Bounds()
	result.OptimizedPath = optimizedPath
	result.ThumbnailPath = thumbPath
	result.Width = final.Dx()
	result.Height = final.Dy()
	result.ByteSize = info.Size()

	return result, nil
}

// GenerateThumbnail renders one size variant of srcPath into destPath and
// reports the output dimensions. Used by the thumbnail cache on misses.
func (t *Transformer) GenerateThumbnail(srcPath, destPath string, spec SizeSpec) (int, int, error) {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, types.NewPipelineError(types.KindTransform, "decode", err)
	}

	var out *image.NRGBA
	switch spec.Mode {
	case "fill":
		out = imaging.Thumbnail(src, spec.Width, spec.Height, imaging.Lanczos)
	default:
		out = imaging.Fit(src, spec.Width, spec.Height, imaging.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, 0, types.NewPipelineError(types.KindStorage, "thumbnail", err)
	}

	if err := t.saveAtomic(out, destPath); err != nil {
		return 0, 0, types.NewPipelineError(types.KindTransform, "thumbnail", err)
	}

	b := out.Bounds()
	return b.Dx(), b.Dy(), nil
}

// saveAtomic writes to a temp file in the destination directory and renames
// into place. Concurrent writers of the same path may duplicate work but
// never leave a partially written artifact.
func (t *Transformer) saveAtomic(img image.Image, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(t.quality)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// watermark composites the configured text into the bottom-right corner at
// reduced opacity. Failures here are soft: callers keep the unmarked image.
func (t *Transformer) watermark(src image.Image) (image.Image, error) {
	bounds := src.Bounds()

	fontSize := float64(bounds.Dx()) / 28
	if fontSize < 14 {
		fontSize = 14
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(t.font)
	c.SetFontSize(fontSize)

	// Measure on a scratch image first; DrawString reports the end pen
	// position, which gives the rendered text width.
	scratch := image.NewRGBA(image.Rect(0, 0, 1, 1))
	c.SetDst(scratch)
	c.SetClip(scratch.Bounds())
	c.SetSrc(image.NewUniform(color.White))
	end, err := c.DrawString(t.watermarkText, freetype.Pt(0, 0))
	if err != nil {
		return nil, types.NewPipelineError(types.KindTransform, "watermark", err)
	}
	textWidth := end.X.Round()

	margin := int(fontSize)
	x := bounds.Dx() - textWidth - margin
	if x < margin {
		x = margin
	}
	y := bounds.Dy() - margin

	overlay := image.NewRGBA(bounds)
	c.SetDst(overlay)
	c.SetClip(overlay.Bounds())
	c.SetSrc(image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 230}))
	if _, err := c.DrawString(t.watermarkText, freetype.Pt(x, y)); err != nil {
		return nil, types.NewPipelineError(types.KindTransform, "watermark", err)
	}

	return imaging.Overlay(src, overlay, image.Point{}, 0.65), nil
}
