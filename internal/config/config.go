package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	API     APIConfig
	Auth    AuthConfig
	Fetch   FetchConfig
	Codec   CodecConfig
	Storage StorageConfig
	Queue   QueueConfig
	Worker  WorkerConfig
	Webhook WebhookConfig
	Trace   TraceConfig
	DB      DatabaseConfig
}

type APIConfig struct {
	Addr              string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

type AuthConfig struct {
	Token string
}

type FetchConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

type CodecConfig struct {
	MaxProcs    int
	QueueDepth  int
	Timeout     time.Duration
	ThreadLimit int
	ScratchDir  string
	MagickBin   string
	AvifencBin  string
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency int
}

type WebhookConfig struct {
	SigningSecret string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type DatabaseConfig struct {
	DSN string
}

func Load() Config {
	// Half the cores for codec processes: with each process pinned to one
	// internal thread, slot count is the only parallelism lever.
	defaultCodecProcs := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:              env("DARKROOM_ADDR", ":8080"),
			RateLimitRequests: envInt("DARKROOM_RATE_LIMIT_REQUESTS", 0),
			RateLimitWindow:   envDuration("DARKROOM_RATE_LIMIT_WINDOW", time.Minute),
		},
		Auth: AuthConfig{
			Token: env("DARKROOM_TOKEN", "changeme"),
		},
		Fetch: FetchConfig{
			Timeout:  envDuration("FETCH_TIMEOUT", 15*time.Second),
			MaxBytes: envInt64("FETCH_MAX_BYTES", 50<<20),
		},
		Codec: CodecConfig{
			MaxProcs:    envInt("CODEC_MAX_PROCS", defaultCodecProcs),
			QueueDepth:  envInt("CODEC_QUEUE_DEPTH", 32),
			Timeout:     envDuration("CODEC_TIMEOUT", 60*time.Second),
			ThreadLimit: envInt("CODEC_THREAD_LIMIT", 1),
			ScratchDir:  env("CODEC_SCRATCH_DIR", os.TempDir()),
			MagickBin:   env("MAGICK_BIN", "magick"),
			AvifencBin:  env("AVIFENC_BIN", "avifenc"),
		},
		Storage: StorageConfig{
			Endpoint:      env("S3_ENDPOINT", ""),
			AccessKey:     env("S3_ACCESS_KEY_ID", ""),
			SecretKey:     env("S3_SECRET_ACCESS_KEY", ""),
			Bucket:        env("S3_BUCKET", "pixload"),
			UseSSL:        envBool("S3_USE_SSL", true),
			PublicBaseURL: env("PUBLIC_BASE_URL", "https://cdn.pixload.events"),
		},
		Queue: QueueConfig{
			// Empty by default: the API only advertises async endpoints
			// when an address is configured, the worker refuses to start.
			RedisAddr:     env("REDIS_ADDR", ""),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTLP_INSECURE", false),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1.0),
		},
		DB: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
