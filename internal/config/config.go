package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string

	DatabaseURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAITimeoutMS  int
	OpenAIMaxRetries int
	OpenAIChatModel  string
	OpenAIGenModel   string
	OpenAIEmbedModel string
	EmbeddingDims    int
	TranscribeModel  string
	WhisperModel     string

	RerankAPIKey  string
	RerankBaseURL string
	RerankModel   string

	StorageRoot       string
	StorageSigningKey string
	StorageBaseURL    string

	TenantCacheTTLSeconds int
	TenantCacheMaxEntries int
	QueryCacheTTLSeconds  int

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisEventsStream string
	RedisDLQStream    string
	RedisGroup        string
	RedisConsumer     string

	RateLimitRPS   float64
	RateLimitBurst int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int

	WorkerEnabled              bool
	WorkerPollMS               int
	WorkerID                   string
	EmbedConcurrency           int
	DeleteVideoAfterProcessing bool

	Tuning Tuning
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITimeoutMS:  getEnvInt("OPENAI_TIMEOUT_MS", 30000),
		OpenAIMaxRetries: getEnvInt("OPENAI_MAX_RETRIES", 2),
		OpenAIChatModel:  getEnv("OPENAI_CHAT_MODEL", "gpt-4.1-mini"),
		OpenAIGenModel:   getEnv("OPENAI_GENERATION_MODEL", "gpt-4.1"),
		OpenAIEmbedModel: getEnv("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		EmbeddingDims:    getEnvInt("EMBEDDING_DIMENSIONS", 1536),
		TranscribeModel:  getEnv("TRANSCRIBE_MODEL", "whisper-1"),
		WhisperModel:     getEnv("WHISPER_LOCAL_MODEL", "base"),

		RerankAPIKey:  getEnv("RERANK_API_KEY", ""),
		RerankBaseURL: getEnv("RERANK_BASE_URL", "https://api.cohere.com/v2"),
		RerankModel:   getEnv("RERANK_MODEL", "rerank-v3.5"),

		StorageRoot:       getEnv("STORAGE_ROOT", "data/objects"),
		StorageSigningKey: getEnv("STORAGE_SIGNING_KEY", ""),
		StorageBaseURL:    getEnv("STORAGE_BASE_URL", "http://localhost:8080"),

		TenantCacheTTLSeconds: getEnvInt("TENANT_CACHE_TTL_SECONDS", 300),
		TenantCacheMaxEntries: getEnvInt("TENANT_CACHE_MAX_ENTRIES", 2000),
		QueryCacheTTLSeconds:  getEnvInt("QUERY_CACHE_TTL_SECONDS", 900),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisEventsStream: getEnv("REDIS_EVENTS_STREAM", "kp_job_events"),
		RedisDLQStream:    getEnv("REDIS_DLQ_STREAM", "kp_job_events_dlq"),
		RedisGroup:        getEnv("REDIS_GROUP", "kp_listeners"),
		RedisConsumer:     getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),

		WorkerEnabled:              getEnvBool("WORKER_ENABLED", true),
		WorkerPollMS:               getEnvInt("WORKER_POLL_MS", 1000),
		WorkerID:                   getEnv("WORKER_ID", ""),
		EmbedConcurrency:           getEnvInt("EMBED_CONCURRENCY", 1),
		DeleteVideoAfterProcessing: getEnvBool("DELETE_VIDEO_AFTER_PROCESSING", false),
	}
}

// LoadWithOverlay loads the environment and applies the YAML file named by CONFIG_FILE, if any.
func LoadWithOverlay() (Config, error) {
	cfg := Load()
	path := getEnv("CONFIG_FILE", "")
	if path == "" {
		return cfg, nil
	}
	tuning, err := LoadTuning(path)
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyTuning(tuning)
	return cfg, nil
}

func (c Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollMS) * time.Millisecond
}

func (c Config) OpenAITimeout() time.Duration {
	return time.Duration(c.OpenAITimeoutMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
