package storage

import (
	"context"
	"time"

	"github.com/idbugm99/musenest-sub001/internal/types"
)

// ModerationOutcome is the result delivered by a classifier callback,
// applied to the linked media item in one transaction.
type ModerationOutcome struct {
	ExternalBatchID string
	TrackingID      string
	Status          types.ModerationStatus
	Score           *float64
	Notes           string
	Detections      types.Detections
	PayloadChecksum string
}

// Storage is the persistence boundary for the media pipeline. Methods
// suffixed with comments noting transactions run multi-row mutations
// atomically; the rest are single-statement.
type Storage interface {
	// Media items
	CreateMediaItem(ctx context.Context, item *types.MediaItem) (string, error)
	GetMediaItem(ctx context.Context, id string) (*types.MediaItem, error)
	ListOwnerMedia(ctx context.Context, ownerID string) ([]types.MediaItem, error)
	// SoftDeleteMediaItem removes gallery-section links and flags the row
	// deleted in one transaction.
	SoftDeleteMediaItem(ctx context.Context, id string) error
	SetModerationStatus(ctx context.Context, id string, status types.ModerationStatus, notes string) error
	SetCategory(ctx context.Context, id, categoryID string) error
	SetFeatured(ctx context.Context, id string, featured bool) error

	// Moderation submissions and callback records
	CreateSubmission(ctx context.Context, sub *types.ModerationSubmission) error
	UpdateSubmission(ctx context.Context, sub *types.ModerationSubmission) error
	GetSubmissionByBatchID(ctx context.Context, externalBatchID string) (*types.ModerationSubmission, error)
	CreateCallbackPlaceholder(ctx context.Context, externalBatchID, trackingID string) error
	GetCallbackRecord(ctx context.Context, externalBatchID string) (*types.CallbackRecord, error)
	// ApplyModerationOutcome updates the media item's moderation fields and
	// marks the callback record processed in one transaction. Returns the
	// updated item so callers can invalidate caches and publish events.
	ApplyModerationOutcome(ctx context.Context, outcome ModerationOutcome) (*types.MediaItem, error)
	MarkCallbackRejected(ctx context.Context, externalBatchID string, status types.CallbackStatus, outcome string) error
	ListPendingCallbacks(ctx context.Context, olderThan time.Time, limit int) ([]types.CallbackRecord, error)

	// Batch job history
	CreateBatchJob(ctx context.Context, job *types.BatchJob) error
	UpdateBatchJob(ctx context.Context, job *types.BatchJob) error
	GetBatchJob(ctx context.Context, id string) (*types.BatchJob, error)
	PruneBatchHistory(ctx context.Context, keep int) (int64, error)

	// File cleanup for soft-deleted items
	ListDeletedItemsAwaitingCleanup(ctx context.Context, limit int) ([]types.MediaItem, error)
	MarkFilesCleaned(ctx context.Context, id string) error
}
