package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/moderation"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/transform"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// fileConcurrency bounds how many files of one request are processed at
// once. Per-file results carry no ordering guarantee; they are collected
// independently and keyed by original filename.
const fileConcurrency = 4

// Coordinator drives the per-file upload pipeline: validate, name,
// transform (with best-effort watermarking), submit for classification,
// persist, and log per-stage timings. One instance is shared by all
// requests.
type Coordinator struct {
	storage     storage.Storage
	transformer *transform.Transformer
	moderator   *moderation.Client
	gallery     *cache.GalleryCache
	storageRoot string
	baseURL     string
}

func NewCoordinator(st storage.Storage, tr *transform.Transformer, mc *moderation.Client, gc *cache.GalleryCache, cfg config.Media) *Coordinator {
	return &Coordinator{
		storage:     st,
		transformer: tr,
		moderator:   mc,
		gallery:     gc,
		storageRoot: cfg.StorageRoot,
		baseURL:     strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}
}

// OwnerDirs returns the per-owner directory layout: temporary uploads,
// finalized originals and thumbnails.
func (c *Coordinator) OwnerDirs(ownerID string) (tmp, originals, thumbs string) {
	base := filepath.Join(c.storageRoot, "owners", ownerID)
	return filepath.Join(base, "tmp"), filepath.Join(base, "originals"), filepath.Join(base, "thumbs")
}

// TempDir creates and returns the owner's temporary upload directory.
func (c *Coordinator) TempDir(ownerID string) (string, error) {
	tmp, _, _ := c.OwnerDirs(ownerID)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", types.NewPipelineError(types.KindStorage, "intake", err)
	}
	return tmp, nil
}

// ProcessAll runs the pipeline for every file of one request with bounded
// concurrency. One file's failure never aborts the others; the returned
// map enumerates successes and failures keyed by original filename.
func (c *Coordinator) ProcessAll(ctx context.Context, files map[string]string, meta types.UploadMetadata) map[string]types.FileResult {
	results := make(map[string]types.FileResult, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fileConcurrency)

	for filename, tmpPath := range files {
		g.Go(func() error {
			result := c.ProcessFile(ctx, tmpPath, filename, meta)
			mu.Lock()
			results[filename] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// ProcessFile runs the full pipeline for one uploaded file. The temporary
// source at tmpPath is removed best-effort regardless of outcome.
func (c *Coordinator) ProcessFile(ctx context.Context, tmpPath, originalName string, meta types.UploadMetadata) types.FileResult {
	start := time.Now()
	var timings []types.StageTiming

	stage := func(name string, since time.Time) {
		timings = append(timings, types.StageTiming{Stage: name, DurationMS: time.Since(since).Milliseconds()})
	}

	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to clean up temporary upload",
				slog.String("path", tmpPath),
				slog.String("error", err.Error()))
		}
	}()

	fail := func(stageName string, err error) types.FileResult {
		slog.Error("Upload pipeline stage failed",
			slog.String("filename", originalName),
			slog.String("owner_id", meta.OwnerID),
			slog.String("stage", stageName),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return types.FileResult{
			Filename:    originalName,
			Success:     false,
			FailedStage: stageName,
			Reason:      err.Error(),
			ErrorKind:   types.KindOf(err),
			Timings:     timings,
		}
	}

	// Stage 1: validation. Reject fast with a specific error kind.
	stageStart := time.Now()
	if err := c.transformer.ValidateSource(tmpPath); err != nil {
		stage("validate", stageStart)
		return fail("validate", err)
	}
	stage("validate", stageStart)

	// Stage 2: collision-resistant storage name.
	itemID := uuid.New().String()

	// Stages 3-4: transform. Watermarking is best-effort inside the
	// transformer; its failure only skips the enhancement.
	stageStart = time.Now()
	_, originalsDir, _ := c.OwnerDirs(meta.OwnerID)
	transformed, err := c.transformer.Process(tmpPath, originalsDir, itemID, transform.Options{
		ApplyWatermark: meta.ApplyWatermark,
	})
	if err != nil {
		stage("transform", stageStart)
		return fail("transform", err)
	}
	stage("transform", stageStart)

	if transformed.WatermarkErr != nil {
		slog.Warn("Watermarking failed, continuing without watermark",
			slog.String("filename", originalName),
			slog.String("owner_id", meta.OwnerID),
			slog.String("error", transformed.WatermarkErr.Error()))
	}

	// Stage 5: classification submission. Exhausted retries come back as
	// a fail-safe error result, never as a Go error.
	stageStart = time.Now()
	trackingID := uuid.New().String()
	submission, err := c.moderator.Submit(ctx, moderation.Submission{
		TrackingID:   trackingID,
		ImageURL:     c.mediaURL(transformed.OptimizedPath),
		OwnerID:      meta.OwnerID,
		OwnerSlug:    meta.OwnerSlug,
		OriginalName: originalName,
		UsageIntent:  meta.UsageIntent,
	})
	if err != nil {
		stage("submit", stageStart)
		c.removeArtifacts(transformed)
		return fail("submit", types.NewPipelineError(types.KindSubmission, "submit", err))
	}
	stage("submit", stageStart)

	// Stage 6: persist with whatever outcome is known now.
	stageStart = time.Now()
	item := &types.MediaItem{
		ID:               itemID,
		OwnerID:          meta.OwnerID,
		OwnerSlug:        meta.OwnerSlug,
		OriginalPath:     transformed.OptimizedPath,
		ThumbnailPath:    transformed.ThumbnailPath,
		OriginalName:     originalName,
		Title:            meta.Title,
		Description:      meta.Description,
		Width:            transformed.Width,
		Height:           transformed.Height,
		ByteSize:         transformed.ByteSize,
		UsageIntent:      meta.UsageIntent,
		WatermarkApplied: transformed.WatermarkApplied,
		ModerationStatus: submission.Status,
		ModerationScore:  submission.Score,
		ModerationNotes:  submission.LastError,
	}
	if meta.CategoryID != "" {
		item.CategoryID = &meta.CategoryID
	}

	if _, err := c.storage.CreateMediaItem(ctx, item); err != nil {
		stage("persist", stageStart)
		c.removeArtifacts(transformed)
		return fail("persist", types.NewPipelineError(types.KindStorage, "persist", err))
	}

	if err := c.recordSubmission(ctx, itemID, trackingID, submission); err != nil {
		// The media row exists; losing the submission record only degrades
		// callback correlation, so log and continue.
		slog.Error("Failed to record moderation submission",
			slog.String("tracking_id", trackingID),
			slog.String("media_item_id", itemID),
			slog.String("error", err.Error()))
	}
	stage("persist", stageStart)

	c.gallery.InvalidateItem(ctx, itemID, meta.OwnerID)

	slog.Info("Upload processed",
		slog.String("filename", originalName),
		slog.String("media_item_id", itemID),
		slog.String("owner_id", meta.OwnerID),
		slog.String("tracking_id", trackingID),
		slog.String("moderation_status", string(submission.Status)),
		slog.Bool("watermark_applied", transformed.WatermarkApplied),
		slog.Int("retry_attempts", submission.RetryAttempts),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return types.FileResult{
		Filename:         originalName,
		Success:          true,
		MediaItemID:      itemID,
		OriginalURL:      c.mediaURL(transformed.OptimizedPath),
		ThumbnailURL:     c.mediaURL(transformed.ThumbnailPath),
		Width:            transformed.Width,
		Height:           transformed.Height,
		ModerationStatus: submission.Status,
		WatermarkApplied: transformed.WatermarkApplied,
		Timings:          timings,
	}
}

// recordSubmission persists the submission row and, for asynchronous
// results, the callback placeholder the webhook will later join against.
func (c *Coordinator) recordSubmission(ctx context.Context, itemID, trackingID string, result *moderation.SubmissionResult) error {
	sub := &types.ModerationSubmission{
		TrackingID:         trackingID,
		MediaItemID:        itemID,
		Attempts:           result.RetryAttempts,
		LastError:          result.LastError,
		EscalationPriority: result.EscalationPriority,
	}

	switch {
	case result.Status == types.ModerationError:
		sub.Status = types.SubmissionFailed
	case result.Status == types.ModerationPending:
		sub.Status = types.SubmissionAwaiting
	default:
		sub.Status = types.SubmissionCompleted
	}
	if result.ExternalBatchID != "" {
		sub.ExternalBatchID = &result.ExternalBatchID
	}

	if err := c.storage.CreateSubmission(ctx, sub); err != nil {
		return err
	}

	if result.Status == types.ModerationPending {
		return c.storage.CreateCallbackPlaceholder(ctx, result.ExternalBatchID, trackingID)
	}
	return nil
}

func (c *Coordinator) removeArtifacts(res *transform.Result) {
	for _, p := range []string{res.OptimizedPath, res.ThumbnailPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove partial artifact",
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) mediaURL(path string) string {
	rel, err := filepath.Rel(c.storageRoot, path)
	if err != nil {
		return fmt.Sprintf("%s/%s", c.baseURL, filepath.Base(path))
	}
	return fmt.Sprintf("%s/%s", c.baseURL, filepath.ToSlash(rel))
}
