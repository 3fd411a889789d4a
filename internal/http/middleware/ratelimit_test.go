package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

type fakeStorage struct {
	storage.Storage

	items map[string]*types.MediaItem
}

func (f *fakeStorage) GetMediaItem(ctx context.Context, id string) (*types.MediaItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return item, nil
}

func setupRateLimits(t *testing.T, st *fakeStorage) *RateLimitConfig {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	return NewRateLimitConfig(redisClient, cache.NewGalleryCache(st, redisClient), config.Media{UploadRatePerMin: 5})
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRateLimit_ItemRouteResolvesOwnerFromItem(t *testing.T) {
	st := &fakeStorage{items: map[string]*types.MediaItem{
		"item-1": {ID: "item-1", OwnerID: "owner-1"},
	}}
	rateLimits := setupRateLimits(t, st)

	mux := http.NewServeMux()
	mux.Handle("POST /media/{id}/variants", rateLimits.RateLimitedHandler("variants", okHandler))

	// No owner_id anywhere in the request; the item resolves it.
	body := strings.NewReader(`{"specs":[{"width":100,"height":100,"mode":"fit"}]}`)
	req := httptest.NewRequest("POST", "/media/item-1/variants", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for body without owner_id, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("Expected rate limit headers on the response")
	}
}

func TestRateLimit_UnknownItemIs404(t *testing.T) {
	rateLimits := setupRateLimits(t, &fakeStorage{items: map[string]*types.MediaItem{}})

	mux := http.NewServeMux()
	mux.Handle("POST /media/{id}/variants", rateLimits.RateLimitedHandler("variants", okHandler))

	req := httptest.NewRequest("POST", "/media/nope/variants", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown item, got %d", rec.Code)
	}
}

func TestRateLimit_OwnerRequiredWithoutItemScope(t *testing.T) {
	rateLimits := setupRateLimits(t, &fakeStorage{items: map[string]*types.MediaItem{}})

	mux := http.NewServeMux()
	mux.Handle("POST /media/batch", rateLimits.RateLimitedHandler("batch", okHandler))

	req := httptest.NewRequest("POST", "/media/batch", strings.NewReader(`{"operation":"delete"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without owner_id, got %d", rec.Code)
	}

	withOwner := strings.NewReader(`{"operation":"delete","owner_id":"owner-1"}`)
	req = httptest.NewRequest("POST", "/media/batch", withOwner)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 with owner_id in body, got %d", rec.Code)
	}
}

func TestRateLimit_DeniesPastTheLimit(t *testing.T) {
	rateLimits := setupRateLimits(t, &fakeStorage{items: map[string]*types.MediaItem{}})

	mux := http.NewServeMux()
	mux.Handle("POST /media/upload", rateLimits.RateLimitedHandler("upload", okHandler))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/media/upload?owner_id=owner-1", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d denied unexpectedly: %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest("POST", "/media/upload?owner_id=owner-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 past the limit, got %d", rec.Code)
	}
}
