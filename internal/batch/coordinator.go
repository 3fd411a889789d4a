package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/events"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

var (
	ErrBatchTooLarge    = errors.New("batch exceeds maximum size")
	ErrTooManyBatchJobs = errors.New("too many concurrent batch jobs")
	ErrUnknownOperation = errors.New("unknown batch operation")
	ErrMissingParam     = errors.New("missing operation parameter")
	errItemOutsideScope = errors.New("item does not belong to the requested owner")
)

// flushEvery is how many processed items pass between mid-run persistence
// of the job's counters.
const flushEvery = 10

// Coordinator applies one operation across many media items. Items are
// processed in caller order inside a delay-throttled sequential loop; the
// delay is deliberate throttling that bounds load on the database and the
// filesystem, not a performance accident. A semaphore caps how many batch
// jobs run system-wide.
type Coordinator struct {
	storage     storage.Storage
	gallery     *cache.GalleryCache
	publisher   events.Publisher
	jobs        *semaphore.Weighted
	maxItems    int
	itemDelay   time.Duration
	historySize int
}

func NewCoordinator(st storage.Storage, gc *cache.GalleryCache, pub events.Publisher, cfg config.Batch) *Coordinator {
	return &Coordinator{
		storage:     st,
		gallery:     gc,
		publisher:   pub,
		jobs:        semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		maxItems:    cfg.MaxItems,
		itemDelay:   cfg.ItemDelay,
		historySize: cfg.HistorySize,
	}
}

// Execute runs one batch operation. It returns an error only for
// request-level problems (oversized batch, unknown operation, job ceiling);
// per-item failures are captured in the job's typed results and never
// abort the remaining items.
func (c *Coordinator) Execute(ctx context.Context, req types.BatchRequest) (*types.BatchJob, error) {
	if len(req.ItemIDs) > c.maxItems {
		return nil, fmt.Errorf("%w: %d items (limit %d)", ErrBatchTooLarge, len(req.ItemIDs), c.maxItems)
	}

	apply, err := c.operation(req)
	if err != nil {
		return nil, err
	}

	if !c.jobs.TryAcquire(1) {
		return nil, ErrTooManyBatchJobs
	}
	defer c.jobs.Release(1)

	start := time.Now()
	job := &types.BatchJob{
		ID:        uuid.New().String(),
		Operation: req.Operation,
		OwnerID:   req.OwnerID,
		Total:     len(req.ItemIDs),
		Status:    types.BatchRunning,
		StartedAt: start.UTC().Format(time.RFC3339),
	}

	if err := c.storage.CreateBatchJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}

	slog.Info("Batch job started",
		slog.String("job_id", job.ID),
		slog.String("operation", job.Operation),
		slog.String("owner_id", job.OwnerID),
		slog.Int("total", job.Total))

	aborted := false
	for i, itemID := range req.ItemIDs {
		if i > 0 && c.itemDelay > 0 {
			timer := time.NewTimer(c.itemDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			// Caller aborted: no further items are processed, but
			// already-committed per-item transactions stand.
			aborted = true
			break
		}

		result := c.processItem(ctx, req.OwnerID, itemID, apply)
		job.ItemResults = append(job.ItemResults, result)
		job.Processed++
		if result.Success {
			job.Succeeded++
		} else {
			job.Failed++
		}

		c.publisher.PublishBatchProgress(req.OwnerID, &types.BatchProgressEvent{
			JobID:     job.ID,
			Operation: job.Operation,
			ItemID:    itemID,
			Processed: job.Processed,
			Total:     job.Total,
			Succeeded: job.Succeeded,
			Failed:    job.Failed,
		})

		// Flush counters so a status poll mid-run sees live progress.
		if job.Processed%flushEvery == 0 && job.Processed < job.Total {
			if err := c.storage.UpdateBatchJob(ctx, job); err != nil {
				slog.Warn("Failed to flush batch progress",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	// The terminal update, history pruning and cache invalidation must
	// outlive a caller abort; otherwise the job row stays running forever
	// and committed item mutations hide behind a stale gallery cache.
	finishCtx := context.WithoutCancel(ctx)

	// One invalidation pass for the owning scope, not per item.
	c.gallery.InvalidateOwner(finishCtx, req.OwnerID)

	if aborted {
		job.Status = types.BatchFailed
	} else {
		job.Status = types.BatchCompleted
	}
	job.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	if err := c.storage.UpdateBatchJob(finishCtx, job); err != nil {
		slog.Error("Failed to persist batch job result",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	if _, err := c.storage.PruneBatchHistory(finishCtx, c.historySize); err != nil {
		slog.Warn("Failed to prune batch history", slog.String("error", err.Error()))
	}

	elapsed := time.Since(start)
	c.publisher.PublishBatchCompleted(req.OwnerID, &types.BatchCompletedEvent{
		JobID:     job.ID,
		Operation: job.Operation,
		Total:     job.Total,
		Succeeded: job.Succeeded,
		Failed:    job.Failed,
		ElapsedMS: elapsed.Milliseconds(),
	}, aborted)

	slog.Info("Batch job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.Int("succeeded", job.Succeeded),
		slog.Int("failed", job.Failed),
		slog.Int64("duration_ms", elapsed.Milliseconds()))

	return job, nil
}

// processItem runs one item's mutation. Multi-row operations are
// transactional inside the storage layer, so a failure rolls back that
// item only.
func (c *Coordinator) processItem(ctx context.Context, ownerID, itemID string, apply func(context.Context, string) error) types.BatchItemResult {
	item, err := c.storage.GetMediaItem(ctx, itemID)
	if err == nil && item.OwnerID != ownerID {
		err = errItemOutsideScope
	}
	if err == nil {
		err = apply(ctx, itemID)
	}

	if err != nil {
		return types.BatchItemResult{
			ItemID:    itemID,
			Success:   false,
			Reason:    reasonFor(err),
			ErrorKind: types.KindOf(err),
		}
	}
	return types.BatchItemResult{ItemID: itemID, Success: true}
}

// operation resolves the per-item mutation for a request, validating
// operation-specific parameters up front.
func (c *Coordinator) operation(req types.BatchRequest) (func(context.Context, string) error, error) {
	switch req.Operation {
	case "delete":
		return c.storage.SoftDeleteMediaItem, nil
	case "approve":
		return func(ctx context.Context, id string) error {
			return c.storage.SetModerationStatus(ctx, id, types.ModerationApproved, req.Params["notes"])
		}, nil
	case "reject":
		reason := req.Params["reason"]
		if reason == "" {
			return nil, fmt.Errorf("%w: reject requires a reason", ErrMissingParam)
		}
		return func(ctx context.Context, id string) error {
			return c.storage.SetModerationStatus(ctx, id, types.ModerationRejected, reason)
		}, nil
	case "recategorize":
		categoryID := req.Params["category_id"]
		if categoryID == "" {
			return nil, fmt.Errorf("%w: recategorize requires category_id", ErrMissingParam)
		}
		return func(ctx context.Context, id string) error {
			return c.storage.SetCategory(ctx, id, categoryID)
		}, nil
	case "feature":
		return func(ctx context.Context, id string) error {
			return c.storage.SetFeatured(ctx, id, true)
		}, nil
	case "unfeature":
		return func(ctx context.Context, id string) error {
			return c.storage.SetFeatured(ctx, id, false)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, req.Operation)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return "not found"
	case errors.Is(err, errItemOutsideScope):
		return "item does not belong to the requested owner"
	}
	return err.Error()
}

// GetJob returns a batch job from the bounded history.
func (c *Coordinator) GetJob(ctx context.Context, id string) (*types.BatchJob, error) {
	return c.storage.GetBatchJob(ctx, id)
}
