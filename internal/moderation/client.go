package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

const (
	maxJitter       = time.Second
	maxTotalBackoff = 90 * time.Second
)

// Submission is one image handed to the external classifier. TrackingID is
// caller-generated and stays stable across retries so multi-attempt
// submissions correlate in logs and in the eventual webhook.
type Submission struct {
	TrackingID   string
	ImageURL     string
	OwnerID      string
	OwnerSlug    string
	OriginalName string
	UsageIntent  types.UsageIntent
}

// SubmissionResult is the normalized classifier outcome. A pending status
// plus an external batch id means completion arrives later via callback.
// Exhausted retries yield status=error with HumanReviewRequired set:
// unclassifiable content routes to manual review, never silent approval.
type SubmissionResult struct {
	TrackingID          string                 `json:"tracking_id"`
	Status              types.ModerationStatus `json:"status"`
	Score               *float64               `json:"score,omitempty"`
	ExternalBatchID     string                 `json:"external_batch_id,omitempty"`
	Detections          types.Detections       `json:"detections"`
	RetryAttempts       int                    `json:"retry_attempts"`
	HumanReviewRequired bool                   `json:"human_review_required"`
	EscalationPriority  string                 `json:"escalation_priority,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
}

type qualityChecks struct {
	FaceDetection     bool `json:"face_detection"`
	BodyPartDetection bool `json:"body_part_detection"`
	ObjectDetection   bool `json:"object_detection"`
	StrictMode        bool `json:"strict_mode"`
}

type apiRequest struct {
	TrackingID    string        `json:"tracking_id"`
	ImageURL      string        `json:"image_url"`
	OwnerID       string        `json:"owner_id"`
	OwnerSlug     string        `json:"owner_slug"`
	OriginalName  string        `json:"original_name"`
	UsageIntent   string        `json:"usage_intent"`
	CallbackURL   string        `json:"callback_url"`
	WebhookSecret string        `json:"webhook_secret"`
	QualityChecks qualityChecks `json:"quality_checks"`
}

type apiResponse struct {
	Status     string           `json:"status"`
	BatchID    string           `json:"batch_id"`
	Score      *float64         `json:"nudity_score"`
	RiskLevel  string           `json:"risk_level"`
	Detections types.Detections `json:"detections"`
}

// Client submits images to the external classification service. It owns
// the retry/backoff policy; callers see one Submit call per image. One
// instance is constructed at process start and shared across requests.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	apiKey      string
	callbackURL string
	secret      string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewClient(cfg config.Moderation) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		apiURL:      cfg.APIURL,
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		secret:      cfg.WebhookSecret,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Submit performs up to the configured number of attempts with exponential
// backoff plus jitter. It returns an error only for context cancellation;
// classification failure after exhausting retries is reported in the
// result, not as an error, so the upload pipeline can persist the fail-safe
// outcome.
func (c *Client) Submit(ctx context.Context, sub Submission) (*SubmissionResult, error) {
	var lastErr error
	var totalDelay time.Duration

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.doSubmit(ctx, sub)
		if err == nil {
			result.RetryAttempts = attempt
			slog.Info("Moderation submission accepted",
				slog.String("tracking_id", sub.TrackingID),
				slog.String("status", string(result.Status)),
				slog.String("external_batch_id", result.ExternalBatchID),
				slog.Int("attempt", attempt))
			return result, nil
		}

		lastErr = err
		slog.Warn("Moderation submission attempt failed",
			slog.String("tracking_id", sub.TrackingID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxAttempts),
			slog.String("error", err.Error()))

		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoffDelay(attempt)
		if totalDelay+delay > maxTotalBackoff {
			delay = maxTotalBackoff - totalDelay
		}
		if delay > 0 {
			totalDelay += delay
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	priority := escalationPriority(sub.UsageIntent)
	slog.Error("Moderation submission exhausted retries, escalating to manual review",
		slog.String("tracking_id", sub.TrackingID),
		slog.Int("attempts", c.maxAttempts),
		slog.String("escalation_priority", priority),
		slog.String("error", lastErr.Error()))

	return &SubmissionResult{
		TrackingID:          sub.TrackingID,
		Status:              types.ModerationError,
		RetryAttempts:       c.maxAttempts,
		HumanReviewRequired: true,
		EscalationPriority:  priority,
		LastError:           lastErr.Error(),
	}, nil
}

func (c *Client) doSubmit(ctx context.Context, sub Submission) (*SubmissionResult, error) {
	body, err := json.Marshal(apiRequest{
		TrackingID:    sub.TrackingID,
		ImageURL:      sub.ImageURL,
		OwnerID:       sub.OwnerID,
		OwnerSlug:     sub.OwnerSlug,
		OriginalName:  sub.OriginalName,
		UsageIntent:   string(sub.UsageIntent),
		CallbackURL:   c.callbackURL,
		WebhookSecret: c.secret,
		QualityChecks: qualityChecks{
			FaceDetection:     true,
			BodyPartDetection: true,
			ObjectDetection:   true,
			StrictMode:        sub.UsageIntent != types.IntentPrivateSet,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, respBody)
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response: %w", err)
	}

	result := &SubmissionResult{
		TrackingID:      sub.TrackingID,
		Score:           api.Score,
		ExternalBatchID: api.BatchID,
		Detections:      api.Detections,
	}

	switch api.Status {
	case "approved":
		result.Status = types.ModerationApproved
	case "rejected":
		result.Status = types.ModerationRejected
	case "flagged":
		result.Status = types.ModerationFlagged
	case "pending":
		result.Status = types.ModerationPending
		if api.BatchID == "" {
			return nil, fmt.Errorf("classifier returned pending without a batch id")
		}
	default:
		return nil, fmt.Errorf("classifier returned unknown status %q", api.Status)
	}

	return result, nil
}

// backoffDelay doubles the base delay each attempt, caps it, and adds up to
// a second of jitter so bursts of failing submissions spread out.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(maxJitter)))
}

func escalationPriority(intent types.UsageIntent) string {
	if intent == types.IntentPublicGallery || intent == types.IntentProfile {
		return "high"
	}
	return "normal"
}
