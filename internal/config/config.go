package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the terminal-outcome archive when non-empty.
	PostgresDSN string

	// BlobS3Bucket switches payload/artifact storage from Redis to S3.
	BlobS3Bucket    string
	BlobS3Region    string
	BlobS3Endpoint  string
	BlobS3PathStyle bool

	CacheTTL       time.Duration `validate:"gt=0"`
	ResizeBound    int           `validate:"gt=0"`
	ThumbnailBound int           `validate:"gte=0"`
	JPEGQuality    int           `validate:"min=1,max=100"`
	MaxUploadBytes int64         `validate:"gt=0"`

	JobTimeout         time.Duration `validate:"gt=0"`
	WorkerPollInterval time.Duration `validate:"gt=0"`

	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for
// local development, then validates ranges.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		BlobS3Bucket:       getEnv("BLOB_S3_BUCKET", ""),
		BlobS3Region:       getEnv("BLOB_S3_REGION", "us-east-1"),
		BlobS3Endpoint:     getEnv("BLOB_S3_ENDPOINT", ""),
		BlobS3PathStyle:    getEnvBool("BLOB_S3_PATH_STYLE", false),
		CacheTTL:           getEnvDuration("CACHE_TTL", time.Hour),
		ResizeBound:        getEnvInt("RESIZE_BOUND", 800),
		ThumbnailBound:     getEnvInt("THUMBNAIL_BOUND", 200),
		JPEGQuality:        getEnvInt("JPEG_QUALITY", 85),
		MaxUploadBytes:     getEnvInt64("MAX_UPLOAD_BYTES", 25*1024*1024),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
