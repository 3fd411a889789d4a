package upload

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/go-redis/redis/v8"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/moderation"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/transform"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// fakeStorage records created rows. The embedded interface panics for any
// method a test exercises without stubbing.
type fakeStorage struct {
	storage.Storage

	mu           sync.Mutex
	items        []*types.MediaItem
	submissions  []*types.ModerationSubmission
	placeholders map[string]string // external batch id -> tracking id
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{placeholders: make(map[string]string)}
}

func (f *fakeStorage) CreateMediaItem(ctx context.Context, item *types.MediaItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return item.ID, nil
}

func (f *fakeStorage) CreateSubmission(ctx context.Context, sub *types.ModerationSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sub)
	return nil
}

func (f *fakeStorage) CreateCallbackPlaceholder(ctx context.Context, externalBatchID, trackingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeholders[externalBatchID] = trackingID
	return nil
}

func (f *fakeStorage) GetMediaItem(ctx context.Context, id string) (*types.MediaItem, error) {
	return nil, types.ErrNotFound
}

func (f *fakeStorage) ListOwnerMedia(ctx context.Context, ownerID string) ([]types.MediaItem, error) {
	return nil, nil
}

func setupCoordinator(t *testing.T, classifierURL string) (*Coordinator, *fakeStorage, string) {
	t.Helper()

	storageRoot := t.TempDir()

	mediaCfg := config.Media{
		StorageRoot:      storageRoot,
		PublicBaseURL:    "http://localhost:8080/files",
		MaxFileSize:      15 * 1024 * 1024,
		AllowedMimeTypes: []string{"image/jpeg", "image/png"},
		MaxDimension:     4000,
		ThumbnailSize:    300,
		JPEGQuality:      85,
		WatermarkText:    "musenest.com",
	}

	transformer, err := transform.New(mediaCfg)
	if err != nil {
		t.Fatalf("Failed to build transformer: %v", err)
	}

	moderator := moderation.NewClient(config.Moderation{
		APIURL:        classifierURL,
		APIKey:        "test-key",
		CallbackURL:   "http://localhost:8080/webhooks/moderation",
		WebhookSecret: "test-secret",
		MaxAttempts:   2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Timeout:       time.Second,
	})

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	st := newFakeStorage()
	coordinator := NewCoordinator(st, transformer, moderator, cache.NewGalleryCache(st, redisClient), mediaCfg)

	return coordinator, st, storageRoot
}

func writeTestJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	img := imaging.New(640, 480, color.NRGBA{R: 40, G: 90, B: 160, A: 255})
	path := filepath.Join(dir, name)
	if err := imaging.Save(img, path, imaging.JPEGQuality(80)); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
	return path
}

func pendingClassifier(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"pending","batch_id":"batch-42"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessAll_PartialFailure(t *testing.T) {
	srv := pendingClassifier(t)
	coordinator, st, _ := setupCoordinator(t, srv.URL)

	meta := types.UploadMetadata{
		OwnerID:     "owner-1",
		OwnerSlug:   "owner-one",
		UsageIntent: types.IntentPublicGallery,
	}

	tmpDir, err := coordinator.TempDir(meta.OwnerID)
	if err != nil {
		t.Fatalf("TempDir failed: %v", err)
	}

	good := writeTestJPEG(t, tmpDir, "good.jpg")
	bad := filepath.Join(tmpDir, "bad.jpg")
	if err := os.WriteFile(bad, []byte("definitely not an image"), 0644); err != nil {
		t.Fatalf("Failed to write bad file: %v", err)
	}

	results := coordinator.ProcessAll(context.Background(), map[string]string{
		"good.jpg": good,
		"bad.jpg":  bad,
	}, meta)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	goodResult := results["good.jpg"]
	if !goodResult.Success {
		t.Fatalf("Expected good file to succeed: %+v", goodResult)
	}
	if goodResult.ModerationStatus != types.ModerationPending {
		t.Errorf("Expected pending moderation, got %s", goodResult.ModerationStatus)
	}
	if goodResult.OriginalURL == "" || goodResult.ThumbnailURL == "" {
		t.Error("Expected artifact URLs on success")
	}
	if len(goodResult.Timings) == 0 {
		t.Error("Expected per-stage timings")
	}

	badResult := results["bad.jpg"]
	if badResult.Success {
		t.Fatal("Expected bad file to fail")
	}
	if badResult.FailedStage != "validate" {
		t.Errorf("Expected failure at validate, got %s", badResult.FailedStage)
	}
	if badResult.ErrorKind != types.KindValidation {
		t.Errorf("Expected validation kind, got %s", badResult.ErrorKind)
	}

	// Only the good file produced rows
	if len(st.items) != 1 {
		t.Fatalf("Expected 1 persisted item, got %d", len(st.items))
	}
	if len(st.submissions) != 1 {
		t.Fatalf("Expected 1 submission row, got %d", len(st.submissions))
	}
	if st.submissions[0].Status != types.SubmissionAwaiting {
		t.Errorf("Expected awaiting-callback submission, got %s", st.submissions[0].Status)
	}
	if _, ok := st.placeholders["batch-42"]; !ok {
		t.Error("Expected callback placeholder for pending submission")
	}

	// Temp sources are removed either way
	for _, p := range []string{good, bad} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected temp file %s removed", p)
		}
	}
}

func TestProcessFile_ArtifactsOnDisk(t *testing.T) {
	srv := pendingClassifier(t)
	coordinator, _, storageRoot := setupCoordinator(t, srv.URL)

	meta := types.UploadMetadata{
		OwnerID:        "owner-1",
		OwnerSlug:      "owner-one",
		UsageIntent:    types.IntentProfile,
		ApplyWatermark: true,
	}

	tmpDir, err := coordinator.TempDir(meta.OwnerID)
	if err != nil {
		t.Fatalf("TempDir failed: %v", err)
	}
	src := writeTestJPEG(t, tmpDir, "photo.jpg")

	result := coordinator.ProcessFile(context.Background(), src, "photo.jpg", meta)
	if !result.Success {
		t.Fatalf("ProcessFile failed: %+v", result)
	}
	if !result.WatermarkApplied {
		t.Error("Expected watermark applied")
	}

	// Artifacts land under the owner's originals directory
	originalsDir := filepath.Join(storageRoot, "owners", "owner-1", "originals")
	entries, err := os.ReadDir(originalsDir)
	if err != nil {
		t.Fatalf("Failed to read originals dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected optimized copy plus thumbnail, got %d files", len(entries))
	}
}

func TestProcessFile_ClassifierFailureIsFailSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "classifier down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	coordinator, st, _ := setupCoordinator(t, srv.URL)

	meta := types.UploadMetadata{
		OwnerID:     "owner-1",
		OwnerSlug:   "owner-one",
		UsageIntent: types.IntentPublicGallery,
	}

	tmpDir, err := coordinator.TempDir(meta.OwnerID)
	if err != nil {
		t.Fatalf("TempDir failed: %v", err)
	}
	src := writeTestJPEG(t, tmpDir, "photo.jpg")

	result := coordinator.ProcessFile(context.Background(), src, "photo.jpg", meta)

	// Exhausted retries persist the item with the fail-safe error status
	// instead of failing the upload.
	if !result.Success {
		t.Fatalf("Expected upload to succeed with fail-safe status: %+v", result)
	}
	if result.ModerationStatus != types.ModerationError {
		t.Fatalf("Expected error moderation status, got %s", result.ModerationStatus)
	}

	if len(st.items) != 1 || st.items[0].ModerationStatus != types.ModerationError {
		t.Error("Expected persisted item with error status")
	}
	if len(st.submissions) != 1 || st.submissions[0].Status != types.SubmissionFailed {
		t.Error("Expected failed submission row")
	}
	// Public gallery content escalates with high priority, and the row
	// carries it for the review queue.
	if len(st.submissions) == 1 && st.submissions[0].EscalationPriority != "high" {
		t.Errorf("Expected high escalation priority on the submission row, got %q", st.submissions[0].EscalationPriority)
	}
	if len(st.placeholders) != 0 {
		t.Error("Expected no callback placeholder without a batch id")
	}
}
