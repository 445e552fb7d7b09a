package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Mode         string
	Environment  string
	HTTPPort     string
	DefaultOrgID int64

	OTLPEndpoint string

	Cloud CloudConfig

	DBType           string
	DBHost           string
	DBPort           string
	DBName           string
	DBUser           string
	DBPassword       string
	DBSSLMode        string
	DBMetricsEnabled bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ingest IngestConfig
	Vision VisionConfig
	Audit  AuditConfig
}

// CloudConfig identifies this deployment to the hosted control plane.
type CloudConfig struct {
	OrganizationID   string
	OrganizationName string
	Metrics          CloudMetricsConfig
}

// CloudMetricsConfig controls pushing accounting metrics to the control plane.
type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// IngestConfig controls transaction submission handling.
type IngestConfig struct {
	// AllowedOrigin is the single collection origin accepted by the matcher.
	AllowedOrigin    string
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// VisionConfig configures the image model endpoint.
type VisionConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	PromptMode      string
	RequestTimeout  time.Duration
	MaxOutputTokens int
}

// AuditConfig tunes the batch audit engine.
type AuditConfig struct {
	RunInterval       time.Duration
	BatchSize         int
	WorkerPoolSize    int
	ExtractionRetries int
	StaleAfter        time.Duration
	EnqueueLockTTL    time.Duration

	// EnabledJobs restricts which engine jobs this process runs. Empty means
	// all jobs (monolith mode).
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "binsight"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Mode:         mode,
		Environment:  environment,
		HTTPPort:     getenv("HTTP_PORT", "8080"),
		DefaultOrgID: getenvInt64("DEFAULT_ORG", 0),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Cloud: CloudConfig{
			OrganizationID:   strings.TrimSpace(getenv("CLOUD_ORGANIZATION_ID", "")),
			OrganizationName: getenv("CLOUD_ORGANIZATION_NAME", ""),
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", true),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
		DBType:           getenv("DATABASE_TYPE", "postgres"),
		DBHost:           getenv("DATABASE_HOST", "localhost"),
		DBPort:           getenv("DATABASE_PORT", "5432"),
		DBName:           getenv("DATABASE_NAME", "binsight"),
		DBUser:           getenv("DATABASE_USER", "postgres"),
		DBPassword:       getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:        getenv("DATABASE_SSLMODE", "disable"),
		DBMetricsEnabled: getenvBool("DATABASE_METRICS_ENABLED", false),
		RedisAddr:        getenv("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),
		RedisDB:          int(getenvInt64("REDIS_DB", 0)),
		Ingest: IngestConfig{
			AllowedOrigin:    getenv("INGEST_ALLOWED_ORIGIN", "2"),
			RateLimitEnabled: getenvBool("INGEST_RATELIMIT_ENABLED", false),
			RateLimitRPS:     getenvFloat("INGEST_RATELIMIT_RPS", 50),
			RateLimitBurst:   int(getenvInt64("INGEST_RATELIMIT_BURST", 100)),
		},
		Vision: VisionConfig{
			BaseURL:         strings.TrimRight(getenv("VISION_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:          strings.TrimSpace(getenv("VISION_API_KEY", "")),
			Model:           getenv("VISION_MODEL", "gpt-4o-mini"),
			PromptMode:      strings.ToLower(getenv("VISION_PROMPT_MODE", "detailed")),
			RequestTimeout:  getenvDuration("VISION_REQUEST_TIMEOUT", 60*time.Second),
			MaxOutputTokens: int(getenvInt64("VISION_MAX_OUTPUT_TOKENS", 512)),
		},
		Audit: AuditConfig{
			RunInterval:       getenvDuration("AUDIT_RUN_INTERVAL", time.Minute),
			BatchSize:         int(getenvInt64("AUDIT_BATCH_SIZE", 10)),
			WorkerPoolSize:    int(getenvInt64("AUDIT_WORKER_POOL_SIZE", 10)),
			ExtractionRetries: int(getenvInt64("AUDIT_EXTRACTION_RETRIES", 1)),
			StaleAfter:        getenvDuration("AUDIT_STALE_AFTER", time.Hour),
			EnqueueLockTTL:    getenvDuration("AUDIT_ENQUEUE_LOCK_TTL", 30*time.Second),
			EnabledJobs:       getenvList("AUDIT_ENABLED_JOBS"),
		},
	}

	return cfg
}

const (
	ModeOSS        = "oss"
	ModeCloud      = "cloud"
	ModeStandalone = "standalone"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeStandalone, ModeOSS:
		return ModeOSS
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
