// Package config loads process configuration from the environment, the way
// every process in this module is configured — no config file format, no
// flags library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the Coordinator, Worker and Notifier
// processes. Each process reads only the fields it needs; unused fields cost
// nothing beyond the env lookups performed once at Load().
type Config struct {
	// Server
	HTTPAddr string
	LogLevel string

	// Database (Coordinator and Notifier)
	DatabaseURL string

	// Blob store
	BlobStoreBackend string // "local" or "s3"
	BlobStoreDir     string // local backend root

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	// Queue tuning (SPEC_FULL.md §6 Configuration)
	LeaseDurationSeconds     int
	HeartbeatIntervalSeconds int
	MaxRetries               int
	ReaperIntervalSeconds    int

	// Segmenter geometry (§4.4 / §6)
	ChunkStrideSeconds           int
	ChunkOverlapSeconds          int
	VADSearchWindowSeconds       int
	VADSilenceThresholdDBFS      float64
	VADMinSilenceSeconds         float64
	MinDurationForChunkingSecond int

	// Decoder
	ParallelDecoders int

	// Worker
	WorkerID                  string
	CoordinatorURL            string
	WorkerPollIntervalSeconds int
	HTTPRequestTimeoutSeconds int

	// Worker-auth: a bcrypt hash of the shared secret workers must present
	// (Coordinator side, empty disables the check) and the plaintext
	// secret itself (Worker side, sent as a bearer token).
	WorkerSharedSecretHash string
	WorkerSharedSecret     string

	// Gemini speech decoder
	GeminiAPIKey         string
	GeminiAPIEndpoint    string
	GeminiModelTranscribe string

	// Optional external collaborators (§6 — best effort, swallowed on failure)
	FormatterEndpoint  string
	SummarizerEndpoint string

	// Kafka / Notifier (§2A, ambient)
	KafkaBrokers        []string
	KafkaTopicJobEvents string
	KafkaConsumerGroup  string

	// Webhook delivery (Notifier)
	WebhookHMACSecret           string
	WebhookMaxRetries           int
	WebhookRetryBaseDelaySeconds int
	WebhookRetryMaxDelaySeconds  int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		BlobStoreBackend: getEnv("BLOB_STORE_BACKEND", "local"),
		BlobStoreDir:     getEnv("BLOB_STORE_DIR", "./data/blobs"),

		S3Endpoint:  getEnv("S3_ENDPOINT", "http://localhost:9000"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "transcribe-artifacts"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),

		LeaseDurationSeconds:     getEnvInt("LEASE_DURATION_SECONDS", 120),
		HeartbeatIntervalSeconds: getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30),
		MaxRetries:               getEnvInt("MAX_RETRIES", 3),
		ReaperIntervalSeconds:    getEnvInt("REAPER_INTERVAL_SECONDS", 40),

		ChunkStrideSeconds:           getEnvInt("CHUNK_STRIDE_SECONDS", 300),
		ChunkOverlapSeconds:          getEnvInt("CHUNK_OVERLAP_SECONDS", 15),
		VADSearchWindowSeconds:       getEnvInt("VAD_SEARCH_WINDOW_SECONDS", 60),
		VADSilenceThresholdDBFS:      getEnvFloat("VAD_SILENCE_THRESHOLD_DBFS", -30),
		VADMinSilenceSeconds:         getEnvFloat("VAD_MIN_SILENCE_SECONDS", 0.5),
		MinDurationForChunkingSecond: getEnvInt("MIN_DURATION_FOR_CHUNKING_SECONDS", 600),

		ParallelDecoders: clampMin(getEnvInt("PARALLEL_DECODERS", 4), 1),

		WorkerID:                  getEnv("WORKER_ID", defaultWorkerID()),
		CoordinatorURL:            getEnv("COORDINATOR_URL", "http://localhost:8080"),
		WorkerPollIntervalSeconds: getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 10),
		HTTPRequestTimeoutSeconds: getEnvInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),

		WorkerSharedSecretHash: getEnv("WORKER_SHARED_SECRET_HASH", ""),
		WorkerSharedSecret:     getEnv("WORKER_SHARED_SECRET", ""),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiAPIEndpoint:     getEnv("GEMINI_API_ENDPOINT", ""),
		GeminiModelTranscribe: getEnv("GEMINI_MODEL_TRANSCRIBE", "gemini-2.5-flash"),

		FormatterEndpoint:  getEnv("FORMATTER_ENDPOINT", ""),
		SummarizerEndpoint: getEnv("SUMMARIZER_ENDPOINT", ""),

		KafkaBrokers:        []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
		KafkaTopicJobEvents: getEnv("KAFKA_TOPIC_JOB_EVENTS", "transcribe.job_events.v1"),
		KafkaConsumerGroup:  getEnv("KAFKA_CONSUMER_GROUP", "transcribe-notifier"),

		WebhookHMACSecret:            getEnv("WEBHOOK_HMAC_SECRET", ""),
		WebhookMaxRetries:            getEnvInt("WEBHOOK_MAX_RETRIES", 8),
		WebhookRetryBaseDelaySeconds: getEnvInt("WEBHOOK_RETRY_BASE_DELAY_SECONDS", 5),
		WebhookRetryMaxDelaySeconds:  getEnvInt("WEBHOOK_RETRY_MAX_DELAY_SECONDS", 600),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-unknown"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// clampMin returns v if v >= min, otherwise min. Used to ensure config values are in valid range.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
