package moderation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

const testAPIURL = "https://moderation.example.com/v1/classify"

func testClient(maxAttempts int) *Client {
	return NewClient(config.Moderation{
		APIURL:        testAPIURL,
		APIKey:        "test-key",
		CallbackURL:   "https://media.example.com/webhooks/moderation",
		WebhookSecret: "test-secret",
		MaxAttempts:   maxAttempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Timeout:       time.Second,
	})
}

func testSubmission() Submission {
	return Submission{
		TrackingID:   "track-123",
		ImageURL:     "https://media.example.com/files/owners/o1/originals/img.jpg",
		OwnerID:      "o1",
		OwnerSlug:    "owner-one",
		OriginalName: "img.jpg",
		UsageIntent:  types.IntentPublicGallery,
	}
}

func TestSubmit_TransientFailuresThenSuccess(t *testing.T) {
	client := testClient(3)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	// Two transient failures, then an accepted pending submission
	calls := 0
	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "classifier overloaded"), nil
			}
			return httpmock.NewJsonResponse(http.StatusAccepted, map[string]interface{}{
				"status":   "pending",
				"batch_id": "batch-789",
			})
		})

	result, err := client.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Status != types.ModerationPending {
		t.Errorf("Expected pending status, got %s", result.Status)
	}
	if result.ExternalBatchID != "batch-789" {
		t.Errorf("Expected batch id batch-789, got %s", result.ExternalBatchID)
	}
	if result.RetryAttempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", result.RetryAttempts)
	}
}

func TestSubmit_ExhaustedRetriesEscalates(t *testing.T) {
	client := testClient(3)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	result, err := client.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Expected in-band failure result, got error: %v", err)
	}

	// Unclassifiable content must never come back approved
	if result.Status != types.ModerationError {
		t.Fatalf("Expected error status, got %s", result.Status)
	}
	if !result.HumanReviewRequired {
		t.Error("Expected human review to be required")
	}
	if result.EscalationPriority != "high" {
		t.Errorf("Expected high priority for public gallery content, got %s", result.EscalationPriority)
	}
	if result.RetryAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.RetryAttempts)
	}
	if result.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
	if got := httpmock.GetTotalCallCount(); got != 3 {
		t.Errorf("Expected 3 HTTP calls, got %d", got)
	}
}

func TestSubmit_PrivateSetEscalatesNormal(t *testing.T) {
	client := testClient(1)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	sub := testSubmission()
	sub.UsageIntent = types.IntentPrivateSet

	result, err := client.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.EscalationPriority != "normal" {
		t.Errorf("Expected normal priority for private set content, got %s", result.EscalationPriority)
	}
}

func TestSubmit_SynchronousApproval(t *testing.T) {
	client := testClient(3)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	score := 0.02
	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"status":       "approved",
				"nudity_score": score,
				"detections": map[string]interface{}{
					"face_count": 1,
					"risk_level": "low",
				},
			})
		})

	result, err := client.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Status != types.ModerationApproved {
		t.Errorf("Expected approved, got %s", result.Status)
	}
	if result.Score == nil || *result.Score != score {
		t.Errorf("Expected score %v, got %v", score, result.Score)
	}
	if result.Detections.FaceCount != 1 {
		t.Errorf("Expected face count 1, got %d", result.Detections.FaceCount)
	}
	if result.RetryAttempts != 1 {
		t.Errorf("Expected single attempt, got %d", result.RetryAttempts)
	}
}

func TestSubmit_PendingWithoutBatchIDRetries(t *testing.T) {
	client := testClient(2)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	// A pending response without a batch id is unusable: there is no way
	// to correlate the eventual callback, so it counts as a failure.
	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewJsonResponderOrPanic(http.StatusAccepted, map[string]interface{}{
			"status": "pending",
		}))

	result, err := client.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Status != types.ModerationError {
		t.Fatalf("Expected error status, got %s", result.Status)
	}
	if got := httpmock.GetTotalCallCount(); got != 2 {
		t.Errorf("Expected 2 HTTP calls, got %d", got)
	}
}

func TestSubmit_ContextCancellation(t *testing.T) {
	client := testClient(5)
	httpmock.ActivateNonDefault(client.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Submit(ctx, testSubmission())
	if err == nil {
		t.Fatal("Expected context cancellation error")
	}
}
