package callback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/events"
	"github.com/idbugm99/musenest-sub001/internal/moderation"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// Payload is the webhook body delivered by the external classifier.
type Payload struct {
	TrackingID string           `json:"tracking_id"`
	BatchID    string           `json:"batch_id"`
	Status     string           `json:"status"`
	Score      *float64         `json:"nudity_score"`
	RiskLevel  string           `json:"risk_level"`
	Detections types.Detections `json:"detections"`
}

// Disposition classifies how a delivery was handled so the HTTP layer can
// pick a response code: success-like statuses stop sender retries, a
// retryable error status signals a genuine internal failure.
type Disposition string

const (
	DispositionApplied      Disposition = "applied"
	DispositionDuplicate    Disposition = "duplicate"
	DispositionInvalid      Disposition = "invalid"
	DispositionUnknownBatch Disposition = "unknown_batch"
	DispositionUnauthorized Disposition = "unauthorized"
)

// Reconciler applies asynchronous classification results to persisted
// state idempotently: a given external batch id mutates its media item at
// most once regardless of how many times the webhook is delivered.
type Reconciler struct {
	storage         storage.Storage
	gallery         *cache.GalleryCache
	publisher       events.Publisher
	secret          string
	callbackTimeout time.Duration
}

func NewReconciler(st storage.Storage, gc *cache.GalleryCache, pub events.Publisher, cfg config.Moderation) *Reconciler {
	return &Reconciler{
		storage:         st,
		gallery:         gc,
		publisher:       pub,
		secret:          cfg.WebhookSecret,
		callbackTimeout: cfg.CallbackTimeout,
	}
}

// Process verifies and applies one webhook delivery. It returns a non-nil
// error only for internal failures the sender should retry.
func (r *Reconciler) Process(ctx context.Context, rawBody []byte, signature string) (Disposition, error) {
	if !moderation.VerifySignature(rawBody, signature, r.secret) {
		slog.Warn("Webhook signature verification failed",
			slog.Int("body_bytes", len(rawBody)))
		return DispositionUnauthorized, nil
	}

	var payload Payload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		slog.Warn("Webhook payload is not valid JSON", slog.String("error", err.Error()))
		return DispositionInvalid, nil
	}

	if payload.BatchID == "" {
		slog.Warn("Webhook payload missing batch id",
			slog.String("tracking_id", payload.TrackingID))
		return DispositionInvalid, nil
	}

	status, ok := parseStatus(payload.Status)
	if !ok {
		slog.Warn("Webhook payload carries unknown status",
			slog.String("batch_id", payload.BatchID),
			slog.String("status", payload.Status))
		if err := r.storage.MarkCallbackRejected(ctx, payload.BatchID, types.CallbackRejectedInvalid,
			fmt.Sprintf("unknown status %q", payload.Status)); err != nil {
			return DispositionInvalid, err
		}
		return DispositionInvalid, nil
	}

	checksum := sha256.Sum256(rawBody)

	item, err := r.storage.ApplyModerationOutcome(ctx, storage.ModerationOutcome{
		ExternalBatchID: payload.BatchID,
		TrackingID:      payload.TrackingID,
		Status:          status,
		Score:           payload.Score,
		Notes:           notesFor(status, payload),
		Detections:      payload.Detections,
		PayloadChecksum: hex.EncodeToString(checksum[:]),
	})

	switch {
	case errors.Is(err, types.ErrNotFound):
		// No submission links to this batch id. Respond success so the
		// sender stops retrying, but surface the anomaly.
		slog.Warn("Webhook references unknown batch id",
			slog.String("batch_id", payload.BatchID),
			slog.String("tracking_id", payload.TrackingID))
		if markErr := r.storage.MarkCallbackRejected(ctx, payload.BatchID, types.CallbackRejectedInvalid,
			"no submission for batch id"); markErr != nil {
			return DispositionUnknownBatch, markErr
		}
		return DispositionUnknownBatch, nil

	case errors.Is(err, types.ErrDuplicateCallback):
		// Already processed: redelivery is a no-op, not a failure.
		slog.Info("Duplicate webhook delivery ignored",
			slog.String("batch_id", payload.BatchID))
		return DispositionDuplicate, nil

	case err != nil:
		return DispositionApplied, fmt.Errorf("failed to apply moderation outcome: %w", err)
	}

	r.gallery.InvalidateItem(ctx, item.ID, item.OwnerID)
	r.publisher.PublishMediaModerated(&types.MediaModeratedEvent{
		MediaItemID: item.ID,
		OwnerID:     item.OwnerID,
		Status:      item.ModerationStatus,
		Score:       item.ModerationScore,
	})

	slog.Info("Moderation callback applied",
		slog.String("batch_id", payload.BatchID),
		slog.String("tracking_id", payload.TrackingID),
		slog.String("media_item_id", item.ID),
		slog.String("status", string(item.ModerationStatus)))

	return DispositionApplied, nil
}

// SweepStale settles callback records left pending past the retry
// deadline. The classifier offers no status poll, so overdue items take
// the fail-safe path: status error, routed to manual review.
func (r *Reconciler) SweepStale(ctx context.Context, limit int) (int, error) {
	deadline := time.Now().Add(-r.callbackTimeout)

	pending, err := r.storage.ListPendingCallbacks(ctx, deadline, limit)
	if err != nil {
		return 0, err
	}

	var settled int
	for _, rec := range pending {
		item, err := r.storage.ApplyModerationOutcome(ctx, storage.ModerationOutcome{
			ExternalBatchID: rec.ExternalBatchID,
			TrackingID:      rec.TrackingID,
			Status:          types.ModerationError,
			Notes:           "classification callback not delivered within deadline; requires manual review",
		})
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrDuplicateCallback) {
			continue
		}
		if err != nil {
			slog.Error("Failed to settle stale callback",
				slog.String("batch_id", rec.ExternalBatchID),
				slog.String("error", err.Error()))
			continue
		}

		r.gallery.InvalidateItem(ctx, item.ID, item.OwnerID)
		settled++

		slog.Warn("Stale callback settled to manual review",
			slog.String("batch_id", rec.ExternalBatchID),
			slog.String("media_item_id", item.ID))
	}

	return settled, nil
}

func parseStatus(s string) (types.ModerationStatus, bool) {
	switch s {
	case "approved":
		return types.ModerationApproved, true
	case "rejected":
		return types.ModerationRejected, true
	case "flagged":
		return types.ModerationFlagged, true
	case "error":
		return types.ModerationError, true
	}
	return "", false
}

func notesFor(status types.ModerationStatus, payload Payload) string {
	if status == types.ModerationFlagged || status == types.ModerationRejected {
		return fmt.Sprintf("risk level %s", payload.RiskLevel)
	}
	return ""
}
