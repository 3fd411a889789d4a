package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/idbugm99/musenest-sub001/internal/batch"
	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/callback"
	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/events"
	mediaHandlers "github.com/idbugm99/musenest-sub001/internal/http/handlers/media"
	wsHandlers "github.com/idbugm99/musenest-sub001/internal/http/handlers/websocket"
	"github.com/idbugm99/musenest-sub001/internal/http/middleware"
	"github.com/idbugm99/musenest-sub001/internal/moderation"
	"github.com/idbugm99/musenest-sub001/internal/storage/postgres"
	"github.com/idbugm99/musenest-sub001/internal/thumbcache"
	"github.com/idbugm99/musenest-sub001/internal/transform"
	"github.com/idbugm99/musenest-sub001/internal/upload"
	"github.com/idbugm99/musenest-sub001/internal/websocket"
)

func main() {
	// load config
	cfg := config.MustLoad()
	// database setup

	storage, err := postgres.NewPostgres(cfg)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	slog.Info("Connected to Postgres database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	slog.Info("Connected to Redis")

	// media pipeline
	transformer, err := transform.New(cfg.Media)
	if err != nil {
		log.Fatal("Failed to initialize transformer:", err)
	}

	thumbs, err := thumbcache.New(filepath.Join(cfg.Media.StorageRoot, "thumbcache"), transformer, cfg.Thumbnails)
	if err != nil {
		log.Fatal("Failed to initialize thumbnail cache:", err)
	}

	moderator := moderation.NewClient(cfg.Moderation)
	gallery := cache.NewGalleryCache(storage, redisClient)
	coordinator := upload.NewCoordinator(storage, transformer, moderator, gallery, cfg.Media)

	// websocket hub for progress events
	hub := websocket.NewHub()
	go hub.Run()
	publisher := events.NewEventPublisher(hub)

	reconciler := callback.NewReconciler(storage, gallery, publisher, cfg.Moderation)
	batcher := batch.NewCoordinator(storage, gallery, publisher, cfg.Batch)

	rateLimits := middleware.NewRateLimitConfig(redisClient, gallery, cfg.Media)

	// setup server
	router := http.NewServeMux()

	router.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	router.Handle("POST /media/upload", rateLimits.RateLimitedHandler("upload", mediaHandlers.Upload(coordinator)))
	router.HandleFunc("GET /media/owner/{ownerID}", mediaHandlers.OwnerGallery(gallery))
	router.HandleFunc("GET /media/{id}", mediaHandlers.GetMediaItem(gallery))
	router.HandleFunc("GET /media/{id}/thumbnail", mediaHandlers.ServeThumbnail(gallery, thumbs, cfg.Media.ThumbnailSize))
	router.Handle("POST /media/{id}/variants", rateLimits.RateLimitedHandler("variants", mediaHandlers.GenerateVariants(gallery, thumbs)))
	router.Handle("POST /media/batch", rateLimits.RateLimitedHandler("batch", mediaHandlers.ExecuteBatch(batcher)))
	router.HandleFunc("GET /media/batch/{id}", mediaHandlers.GetBatchJob(batcher))
	router.HandleFunc("POST /webhooks/moderation", mediaHandlers.ModerationWebhook(reconciler, cfg.Moderation.AckInvalid))
	router.HandleFunc("POST /webhooks/moderation/sweep", mediaHandlers.SweepStaleCallbacks(reconciler))
	router.HandleFunc("GET /ws/progress", wsHandlers.ProgressHandler(hub))

	// serve stored media straight off the owner tree
	router.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.Media.StorageRoot))))

	server := http.Server{
		Addr:    cfg.HTTPServer.Address,
		Handler: router,
	}

	log.Println("server started on", cfg.HTTPServer.Address)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %s", err)
		}
	}()

	<-done

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = server.Shutdown(ctx)
	if err != nil {
		slog.Error("failed to gracefully shutdown server", slog.String("error", err.Error()))
		return
	}

	slog.Info("Server stopped")
}
