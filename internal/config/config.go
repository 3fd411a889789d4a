package config

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"production"`
	PGSQL      PQSQL      `yaml:"pgsql" env-required:"true"`
	Redis      Redis      `yaml:"redis"`
	HTTPServer HTTPServer `yaml:"http_server" env-required:"true"`
	Media      Media      `yaml:"media"`
	Moderation Moderation `yaml:"moderation"`
	Batch      Batch      `yaml:"batch"`
	Thumbnails Thumbnails `yaml:"thumbnails"`
}

type HTTPServer struct {
	Address string `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
}

type PQSQL struct {
	Host     string `yaml:"host" env:"PG_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"PG_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"PG_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"PG_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"PG_DBNAME" env-default:"musenest"`
	SSLMode  string `yaml:"sslmode" env:"PG_SSLMODE" env-default:"disable"`
}

type Redis struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Media controls upload validation and the on-disk storage layout.
type Media struct {
	StorageRoot      string   `yaml:"storage_root" env:"MEDIA_STORAGE_ROOT" env-default:"./storage"`
	PublicBaseURL    string   `yaml:"public_base_url" env:"MEDIA_PUBLIC_BASE_URL" env-default:"http://localhost:8080/files"`
	MaxFileSize      int64    `yaml:"max_file_size" env:"MEDIA_MAX_FILE_SIZE" env-default:"15728640"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types" env-default:"image/jpeg,image/png,image/gif,image/webp"`
	MaxDimension     int      `yaml:"max_dimension" env:"MEDIA_MAX_DIMENSION" env-default:"4000"`
	ThumbnailSize    int      `yaml:"thumbnail_size" env:"MEDIA_THUMBNAIL_SIZE" env-default:"300"`
	JPEGQuality      int      `yaml:"jpeg_quality" env:"MEDIA_JPEG_QUALITY" env-default:"85"`
	WatermarkText    string   `yaml:"watermark_text" env:"MEDIA_WATERMARK_TEXT" env-default:"musenest.com"`
	UploadRatePerMin int64    `yaml:"upload_rate_per_min" env:"MEDIA_UPLOAD_RATE" env-default:"30"`
}

// Moderation configures the external classifier client and the webhook
// that receives its asynchronous results.
type Moderation struct {
	APIURL        string        `yaml:"api_url" env:"MODERATION_API_URL" env-required:"true"`
	APIKey        string        `yaml:"api_key" env:"MODERATION_API_KEY" env-required:"true"`
	CallbackURL   string        `yaml:"callback_url" env:"MODERATION_CALLBACK_URL" env-required:"true"`
	WebhookSecret string        `yaml:"webhook_secret" env:"MODERATION_WEBHOOK_SECRET" env-required:"true"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MODERATION_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay     time.Duration `yaml:"base_delay" env:"MODERATION_BASE_DELAY" env-default:"2s"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MODERATION_MAX_DELAY" env-default:"30s"`
	Timeout       time.Duration `yaml:"timeout" env:"MODERATION_TIMEOUT" env-default:"45s"`
	// AckInvalid controls whether structurally plausible but invalid
	// callback payloads are acknowledged with 200 to stop sender retries.
	AckInvalid      bool          `yaml:"ack_invalid" env:"MODERATION_ACK_INVALID" env-default:"true"`
	CallbackTimeout time.Duration `yaml:"callback_timeout" env:"MODERATION_CALLBACK_TIMEOUT" env-default:"30m"`
}

// Batch bounds bulk operations on media items.
type Batch struct {
	MaxItems          int           `yaml:"max_items" env:"BATCH_MAX_ITEMS" env-default:"100"`
	MaxConcurrentJobs int64         `yaml:"max_concurrent_jobs" env:"BATCH_MAX_CONCURRENT_JOBS" env-default:"3"`
	ItemDelay         time.Duration `yaml:"item_delay" env:"BATCH_ITEM_DELAY" env-default:"100ms"`
	HistorySize       int           `yaml:"history_size" env:"BATCH_HISTORY_SIZE" env-default:"50"`
}

type Thumbnails struct {
	MaxAge           time.Duration `yaml:"max_age" env:"THUMBNAILS_MAX_AGE" env-default:"720h"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"THUMBNAILS_SWEEP_INTERVAL" env-default:"1h"`
	GenerateWorkers  int           `yaml:"generate_workers" env:"THUMBNAILS_GENERATE_WORKERS" env-default:"4"`
	IndexExpiration  time.Duration `yaml:"index_expiration" env:"THUMBNAILS_INDEX_EXPIRATION" env-default:"24h"`
	IndexSweepPeriod time.Duration `yaml:"index_sweep_period" env:"THUMBNAILS_INDEX_SWEEP" env-default:"10m"`
}

func MustLoad() *Config {
	var configPath string

	configPath = os.Getenv("CONFIG_PATH")

	if configPath == "" {
		flags := flag.String("config", "", "Path to config file")
		flag.Parse()
		configPath = *flags

		if configPath == "" {
			log.Fatal("config path must be provided")
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exist at path: %s", configPath)
	}

	var cfg Config

	err := cleanenv.ReadConfig(configPath, &cfg)

	if err != nil {
		log.Fatalf("failed to read config: %s", err)
	}

	return &cfg
}
