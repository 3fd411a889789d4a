package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

// Cache key patterns
const (
	GalleryKey = "gallery:owner:%s" // gallery:owner:ownerID
	MediaKey   = "media:%s"         // media:itemID
)

// Cache durations
const (
	GalleryCacheDuration = 2 * time.Minute
	MediaCacheDuration   = 10 * time.Minute
)

// GalleryCache is a redis cache-aside layer for gallery listings. Because
// moderation status gates public visibility, every mutation path must
// invalidate here; staleness is not an acceptable substitute for
// correctness.
type GalleryCache struct {
	storage storage.Storage
	redis   *redis.Client
}

func NewGalleryCache(storage storage.Storage, redisClient *redis.Client) *GalleryCache {
	return &GalleryCache{
		storage: storage,
		redis:   redisClient,
	}
}

// GetOwnerGallery returns the cached listing for an owner or fetches from
// the database on a miss.
func (c *GalleryCache) GetOwnerGallery(ctx context.Context, ownerID string) ([]types.MediaItem, error) {
	key := fmt.Sprintf(GalleryKey, ownerID)

	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var items []types.MediaItem
		if err := json.Unmarshal([]byte(cached), &items); err == nil {
			return items, nil
		}
	}

	items, err := c.storage.ListOwnerMedia(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(items)
	c.redis.Set(ctx, key, data, GalleryCacheDuration)

	return items, nil
}

// GetMediaItem returns a cached item or fetches from the database.
func (c *GalleryCache) GetMediaItem(ctx context.Context, itemID string) (*types.MediaItem, error) {
	key := fmt.Sprintf(MediaKey, itemID)

	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var item types.MediaItem
		if err := json.Unmarshal([]byte(cached), &item); err == nil {
			return &item, nil
		}
	}

	item, err := c.storage.GetMediaItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(item)
	c.redis.Set(ctx, key, data, MediaCacheDuration)

	return item, nil
}

// InvalidateItem clears the caches keyed to one media item and its owner's
// gallery listing. Called after every state-changing operation on the item.
func (c *GalleryCache) InvalidateItem(ctx context.Context, itemID, ownerID string) {
	c.redis.Del(ctx, fmt.Sprintf(MediaKey, itemID), fmt.Sprintf(GalleryKey, ownerID))
}

// InvalidateOwner clears one owner's gallery listing. Batch operations call
// this once per scope rather than per item.
func (c *GalleryCache) InvalidateOwner(ctx context.Context, ownerID string) {
	c.redis.Del(ctx, fmt.Sprintf(GalleryKey, ownerID))
}
