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

	Redis     RedisConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Breaker   BreakerConfig
	OAuth     OAuthConfig
	Activity  ActivityAPIConfig
	Refresher RefresherConfig
	Reward    RewardConfig
	Fraud     FraudConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
}

// TelemetryConfig feeds the observability module. ServiceRole tags every
// log line and metric with the binary that emitted it.
type TelemetryConfig struct {
	ServiceRole   string
	LogLevel      string
	LogFormat     string
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WebhookConfig struct {
	VerifyToken     string
	SigningSecret   string
	SignatureHeader string
	IgnorePrivate   bool
}

type RateLimitConfig struct {
	Backend         string
	MaxRequests     int
	Window          time.Duration
	CleanupInterval time.Duration
}

type QueueConfig struct {
	EventsQueue       string
	ScoredQueue       string
	PollTimeout       time.Duration
	MaxDeliveries     int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	VisibilityTimeout time.Duration
}

type BreakerConfig struct {
	Store            string
	FailureThreshold int
	ResetTimeout     time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
}

type OAuthConfig struct {
	Provider     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type ActivityAPIConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerMin int
	SourcePlatform string
}

type RefresherConfig struct {
	Interval  time.Duration
	Margin    time.Duration
	BatchSize int
}

type RewardConfig struct {
	MintURL string
	APIKey  string
	Timeout time.Duration
}

type FraudConfig struct {
	Mode    string
	URL     string
	Timeout time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
	SettlementTopic   string
}

type SchedulerConfig struct {
	RunInterval           time.Duration
	EnabledJobs           []string
	DispatchRecoveryAfter time.Duration
	MintRetryInterval     time.Duration
	QueueRecoveryInterval time.Duration
}

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	FraudModeLocal    = "local"
	FraudModeRemote   = "remote"
	FraudModeDisabled = "disabled"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "movepoint"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),

		Telemetry: TelemetryConfig{
			ServiceRole:   strings.ToLower(strings.TrimSpace(getenv("SERVICE_ROLE", ""))),
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OTLPEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "movepoint"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			VerifyToken:     strings.TrimSpace(getenv("WEBHOOK_VERIFY_TOKEN", "")),
			SigningSecret:   strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", "")),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Hub-Signature"),
			IgnorePrivate:   getenvBool("IGNORE_PRIVATE_ACTIVITIES", false),
		},
		RateLimit: RateLimitConfig{
			Backend:         strings.ToLower(getenv("RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
			MaxRequests:     getenvInt("RATE_LIMIT_MAX_REQUESTS", 100),
			Window:          getenvDuration("RATE_LIMIT_WINDOW", time.Minute),
			CleanupInterval: getenvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Queue: QueueConfig{
			EventsQueue:       getenv("QUEUE_EVENTS", "activities:events"),
			ScoredQueue:       getenv("QUEUE_SCORED", "activities:scored"),
			PollTimeout:       getenvDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
			MaxDeliveries:     getenvInt("QUEUE_MAX_DELIVERIES", 5),
			BackoffBase:       getenvDuration("QUEUE_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:        getenvDuration("QUEUE_BACKOFF_MAX", 30*time.Second),
			VisibilityTimeout: getenvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			Store:            strings.ToLower(getenv("BREAKER_STORE", "redis")),
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getenvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			RetryAttempts:    getenvInt("BREAKER_RETRY_ATTEMPTS", 3),
			RetryBase:        getenvDuration("BREAKER_RETRY_BASE", 200*time.Millisecond),
			RetryMax:         getenvDuration("BREAKER_RETRY_MAX", 2*time.Second),
		},
		OAuth: OAuthConfig{
			Provider:     getenv("OAUTH_PROVIDER", "strava"),
			TokenURL:     getenv("OAUTH_TOKEN_URL", "https://www.strava.com/oauth/token"),
			ClientID:     strings.TrimSpace(getenv("OAUTH_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("OAUTH_CLIENT_SECRET", "")),
			Timeout:      getenvDuration("OAUTH_TIMEOUT", 10*time.Second),
		},
		Activity: ActivityAPIConfig{
			BaseURL:        getenv("ACTIVITY_API_BASE_URL", "https://www.strava.com/api/v3"),
			Timeout:        getenvDuration("ACTIVITY_API_TIMEOUT", 10*time.Second),
			RequestsPerMin: getenvInt("ACTIVITY_API_REQUESTS_PER_MIN", 100),
			SourcePlatform: getenv("ACTIVITY_SOURCE_PLATFORM", "strava"),
		},
		Refresher: RefresherConfig{
			Interval:  getenvDuration("TOKEN_REFRESH_INTERVAL", time.Hour),
			Margin:    getenvDuration("TOKEN_REFRESH_MARGIN", 2*time.Hour),
			BatchSize: getenvInt("TOKEN_REFRESH_BATCH_SIZE", 100),
		},
		Reward: RewardConfig{
			MintURL: getenv("REWARD_MINT_URL", "http://localhost:8090/v1/mint"),
			APIKey:  strings.TrimSpace(getenv("REWARD_API_KEY", "")),
			Timeout: getenvDuration("REWARD_TIMEOUT", 10*time.Second),
		},
		Fraud: FraudConfig{
			Mode:    strings.ToLower(getenv("FRAUD_MODE", FraudModeLocal)),
			URL:     getenv("FRAUD_URL", ""),
			Timeout: getenvDuration("FRAUD_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:           getenvList("KAFKA_BROKERS"),
			NotificationTopic: getenv("KAFKA_NOTIFICATION_TOPIC", "user.notifications"),
			SettlementTopic:   getenv("KAFKA_SETTLEMENT_TOPIC", "reward.settlements"),
		},
		Scheduler: SchedulerConfig{
			RunInterval:           getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			EnabledJobs:           getenvList("SCHEDULER_ENABLED_JOBS"),
			DispatchRecoveryAfter: getenvDuration("SCHEDULER_DISPATCH_RECOVERY_AFTER", 15*time.Minute),
			MintRetryInterval:     getenvDuration("SCHEDULER_MINT_RETRY_INTERVAL", 10*time.Minute),
			QueueRecoveryInterval: getenvDuration("SCHEDULER_QUEUE_RECOVERY_INTERVAL", 5*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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
	if err != nil || parsed < 0 || parsed > 1 {
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

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
