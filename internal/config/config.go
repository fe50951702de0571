package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCatalogHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig
	LLM   LLMConfig
	Auth  AuthConfig

	PolarWebhookSecret  string
	StripeWebhookSecret string

	Interview  InterviewConfig
	RateLimit  RateLimitConfig
	Identity   IdentityConfig
	JobMetrics JobMetricsConfig

	BalanceFeedRelay string
	CatalogPath      string
}

// TelemetryConfig covers logs, traces and metrics export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type InterviewConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type RateLimitConfig struct {
	Enabled bool
	AIRate  float64
	AIBurst int
}

type IdentityConfig struct {
	APIURL   string
	APIToken string
	PageSize int
}

type JobMetricsConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

const (
	RelayLocal    = "local"
	RelayRedis    = "redis"
	RelayPostgres = "postgres"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "applykit"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "applykit"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			BaseURL: strings.TrimSpace(getenv("LLM_BASE_URL", "")),
			APIKey:  strings.TrimSpace(getenv("LLM_API_KEY", "")),
			Model:   getenv("LLM_MODEL", "gpt-4o-mini"),
			Timeout: time.Duration(getenvInt64("LLM_TIMEOUT_MS", 20000)) * time.Millisecond,
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
			JWTIssuer:   strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
			JWTAudience: strings.TrimSpace(getenv("AUTH_JWT_AUDIENCE", "")),
		},
		PolarWebhookSecret:  strings.TrimSpace(getenv("POLAR_WEBHOOK_SECRET", "")),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		Interview: InterviewConfig{
			IdleTTL:       getenvDuration("INTERVIEW_IDLE_TTL", 30*time.Minute),
			SweepInterval: getenvDuration("INTERVIEW_SWEEP_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled: getenvBool("RATE_LIMIT_ENABLED", true),
			AIRate:  getenvFloat("RATE_LIMIT_AI_RATE", 0.5),
			AIBurst: getenvInt("RATE_LIMIT_AI_BURST", 5),
		},
		Identity: IdentityConfig{
			APIURL:   strings.TrimRight(strings.TrimSpace(getenv("IDENTITY_API_URL", "")), "/"),
			APIToken: strings.TrimSpace(getenv("IDENTITY_API_TOKEN", "")),
			PageSize: getenvInt("IDENTITY_PAGE_SIZE", 500),
		},
		JobMetrics: JobMetricsConfig{
			Exporter:  strings.ToLower(getenv("JOB_METRICS_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("JOB_METRICS_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("JOB_METRICS_AUTH_TOKEN", "")),
		},
		BalanceFeedRelay: normalizeRelay(getenv("BALANCE_FEED_RELAY", RelayLocal)),
		CatalogPath:      strings.TrimSpace(getenv("CATALOG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeRelay(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RelayRedis:
		return RelayRedis
	case RelayPostgres:
		return RelayPostgres
	default:
		return RelayLocal
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

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
