package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/idbugm99/musenest-sub001/internal/callback"
	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/events"
	"github.com/idbugm99/musenest-sub001/internal/storage/postgres"
	"github.com/idbugm99/musenest-sub001/internal/thumbcache"
	"github.com/idbugm99/musenest-sub001/internal/transform"
)

const cleanupBatchSize = 200

type MaintenanceWorker struct {
	storage    *postgres.Postgres
	reconciler *callback.Reconciler
	thumbs     *thumbcache.Cache
	cfg        *config.Config
	interval   time.Duration
	logger     *slog.Logger
}

func NewMaintenanceWorker(storage *postgres.Postgres, reconciler *callback.Reconciler, thumbs *thumbcache.Cache, cfg *config.Config, interval time.Duration) *MaintenanceWorker {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	return &MaintenanceWorker{
		storage:    storage,
		reconciler: reconciler,
		thumbs:     thumbs,
		cfg:        cfg,
		interval:   interval,
		logger:     logger,
	}
}

func (mw *MaintenanceWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(mw.interval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(mw.cfg.Thumbnails.SweepInterval)
	defer sweepTicker.Stop()

	mw.logger.Info("Maintenance worker started",
		"interval", mw.interval.String())

	// Run once immediately on startup
	mw.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			mw.logger.Info("Maintenance worker shutting down")
			return
		case <-ticker.C:
			mw.runCycle(ctx)
		case <-sweepTicker.C:
			mw.sweepThumbnails()
		}
	}
}

func (mw *MaintenanceWorker) runCycle(ctx context.Context) {
	mw.cleanDeletedFiles(ctx)
	mw.settleStaleCallbacks(ctx)
	mw.pruneBatchHistory(ctx)
}

// cleanDeletedFiles removes the on-disk artifacts of soft-deleted items.
// Rows stay behind as tombstones once their files are gone.
func (mw *MaintenanceWorker) cleanDeletedFiles(ctx context.Context) {
	startTime := time.Now()

	items, err := mw.storage.ListDeletedItemsAwaitingCleanup(ctx, cleanupBatchSize)
	if err != nil {
		mw.logger.Error("Failed to list deleted items",
			"error", err.Error())
		return
	}

	cleaned := 0
	for _, item := range items {
		for _, path := range []string{item.OriginalPath, item.ThumbnailPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				mw.logger.Error("Failed to remove file",
					"item_id", item.ID,
					"path", path,
					"error", err.Error())
				continue
			}
		}

		if err := mw.storage.MarkFilesCleaned(ctx, item.ID); err != nil {
			mw.logger.Error("Failed to mark item cleaned",
				"item_id", item.ID,
				"error", err.Error())
			continue
		}
		cleaned++
	}

	if len(items) > 0 {
		mw.logger.Info("Completed deleted file cleanup",
			"items_cleaned", cleaned,
			"duration_ms", time.Since(startTime).Milliseconds())
	}
}

// settleStaleCallbacks fails submissions whose classification callback
// never arrived so they surface for manual review.
func (mw *MaintenanceWorker) settleStaleCallbacks(ctx context.Context) {
	settled, err := mw.reconciler.SweepStale(ctx, cleanupBatchSize)
	if err != nil {
		mw.logger.Error("Failed to settle stale callbacks",
			"error", err.Error())
		return
	}

	if settled > 0 {
		mw.logger.Info("Settled overdue moderation callbacks",
			"callbacks_settled", settled)
	}
}

func (mw *MaintenanceWorker) pruneBatchHistory(ctx context.Context) {
	pruned, err := mw.storage.PruneBatchHistory(ctx, mw.cfg.Batch.HistorySize)
	if err != nil {
		mw.logger.Error("Failed to prune batch history",
			"error", err.Error())
		return
	}

	if pruned > 0 {
		mw.logger.Info("Pruned batch job history",
			"jobs_pruned", pruned)
	}
}

func (mw *MaintenanceWorker) sweepThumbnails() {
	removed, reclaimed, err := mw.thumbs.Sweep(mw.cfg.Thumbnails.MaxAge)
	if err != nil {
		mw.logger.Error("Thumbnail sweep failed",
			"error", err.Error())
		return
	}

	if removed > 0 {
		mw.logger.Info("Swept stale thumbnails",
			"thumbnails_removed", removed,
			"bytes_reclaimed", reclaimed)
	}
}

func main() {
	// Load config
	cfg := config.MustLoad()

	// Initialize database connection
	storage, err := postgres.NewPostgres(cfg)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	slog.Info("Connected to Postgres database")

	transformer, err := transform.New(cfg.Media)
	if err != nil {
		log.Fatal("Failed to initialize transformer:", err)
	}

	thumbs, err := thumbcache.New(filepath.Join(cfg.Media.StorageRoot, "thumbcache"), transformer, cfg.Thumbnails)
	if err != nil {
		log.Fatal("Failed to initialize thumbnail cache:", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}

	// The worker has no websocket hub, so events go nowhere.
	reconciler := callback.NewReconciler(storage, cache.NewGalleryCache(storage, redisClient), events.NopPublisher{}, cfg.Moderation)

	// Create worker with 1-minute interval
	worker := NewMaintenanceWorker(storage, reconciler, thumbs, cfg, time.Minute)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	// Start the worker
	worker.Start(ctx)

	slog.Info("Maintenance worker stopped")
}
