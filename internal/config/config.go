package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the terminal-job archive when non-empty.
	PostgresDSN string

	QueueName         string
	QueueMaxDepth     int
	WorkerConcurrency int
	DequeueTimeout    time.Duration

	RecentJobsLimit  int
	SubscriberBuffer int
	StreamPingPeriod time.Duration

	IntegrationTimeout time.Duration
	TelegramAPIBase    string

	RateLimitCapacity int
	RateLimitRefill   float64

	RequireRightsConfirm bool

	DataDir         string
	DownloadTimeout time.Duration
	YTDLPPath       string

	ArtifactS3Bucket   string
	ArtifactS3Region   string
	ArtifactS3Endpoint string
	ArtifactS3PathStyle bool
}

// Load reads configuration from the environment (and a .env file when
// present) with sane defaults for local development.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		QueueName:         getEnv("QUEUE_NAME", "ingest"),
		QueueMaxDepth:     getEnvInt("QUEUE_MAX_DEPTH", 1000),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
		DequeueTimeout:    getEnvDuration("DEQUEUE_TIMEOUT", time.Second),

		RecentJobsLimit:  getEnvInt("RECENT_JOBS_LIMIT", 200),
		SubscriberBuffer: getEnvInt("SUBSCRIBER_BUFFER", 64),
		StreamPingPeriod: getEnvDuration("STREAM_PING_PERIOD", 15*time.Second),

		IntegrationTimeout: getEnvDuration("INTEGRATION_TIMEOUT", 10*time.Second),
		TelegramAPIBase:    getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		RequireRightsConfirm: getEnvBool("REQUIRE_RIGHTS_CONFIRM", true),

		DataDir:         getEnv("DATA_DIR", "data"),
		DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 15*time.Minute),
		YTDLPPath:       getEnv("YTDLP_PATH", "yt-dlp"),

		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}
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
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
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
