package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Analysis AnalysisConfig
	Gateway  GatewayConfig
	Relay    RelayConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	MaxUploadBytes        int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token verification parameters.
type AuthConfig struct {
	JWTSecret       string
	TokenTTLMinutes int
}

// StorageConfig points at the S3-compatible bucket holding attachment bytes.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// QueueConfig controls the analysis job queue.
type QueueConfig struct {
	Prefix            string
	VisibilitySeconds int
	ReclaimSeconds    int
	DequeueWaitSecond int
}

// AnalysisConfig controls the worker pool and the inference provider.
type AnalysisConfig struct {
	Workers            int
	BatchConcurrency   int
	MaxAttempts        int
	BaseDelayMillis    int
	JitterMillis       int
	CallTimeoutSeconds int
	BackfillSeconds    int
	BackfillGraceSecs  int
	ProviderURL        string
	ProviderModel      string
	ProviderAPIKey     string
}

// GatewayConfig tunes realtime connections.
type GatewayConfig struct {
	SendBuffer         int
	WriteTimeoutSecond int
	PingIntervalSecond int
}

// RelayConfig names the pub/sub channels shared by one client's views.
type RelayConfig struct {
	ChannelPrefix string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-chat"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			MaxUploadBytes:        getEnvAsInt("HTTP_MAX_UPLOAD_BYTES", 10<<20),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("AUTH_JWT_SECRET", "dev-secret"),
			TokenTTLMinutes: getEnvAsInt("AUTH_TOKEN_TTL_MINUTES", 60),
		},
		Storage: StorageConfig{
			Endpoint:  getEnv("STORAGE_ENDPOINT", "127.0.0.1:9000"),
			AccessKey: getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			Bucket:    getEnv("STORAGE_BUCKET", "ticket-attachments"),
			UseSSL:    getEnvAsBool("STORAGE_USE_SSL", false),
		},
		Queue: QueueConfig{
			Prefix:            getEnv("QUEUE_PREFIX", "ticketchat:analysis"),
			VisibilitySeconds: getEnvAsInt("QUEUE_VISIBILITY_SECONDS", 300),
			ReclaimSeconds:    getEnvAsInt("QUEUE_RECLAIM_SECONDS", 30),
			DequeueWaitSecond: getEnvAsInt("QUEUE_DEQUEUE_WAIT_SECONDS", 5),
		},
		Analysis: AnalysisConfig{
			Workers:            getEnvAsInt("ANALYSIS_WORKERS", 4),
			BatchConcurrency:   getEnvAsInt("ANALYSIS_BATCH_CONCURRENCY", 2),
			MaxAttempts:        getEnvAsInt("ANALYSIS_MAX_ATTEMPTS", 3),
			BaseDelayMillis:    getEnvAsInt("ANALYSIS_BASE_DELAY_MS", 1000),
			JitterMillis:       getEnvAsInt("ANALYSIS_JITTER_MS", 200),
			CallTimeoutSeconds: getEnvAsInt("ANALYSIS_CALL_TIMEOUT_SECONDS", 60),
			BackfillSeconds:    getEnvAsInt("ANALYSIS_BACKFILL_INTERVAL_SECONDS", 0),
			BackfillGraceSecs:  getEnvAsInt("ANALYSIS_BACKFILL_GRACE_SECONDS", 900),
			ProviderURL:        getEnv("ANALYSIS_PROVIDER_URL", "https://generativelanguage.googleapis.com/v1beta"),
			ProviderModel:      getEnv("ANALYSIS_PROVIDER_MODEL", "gemini-1.5-flash"),
			ProviderAPIKey:     os.Getenv("ANALYSIS_PROVIDER_API_KEY"),
		},
		Gateway: GatewayConfig{
			SendBuffer:         getEnvAsInt("GATEWAY_SEND_BUFFER", 64),
			WriteTimeoutSecond: getEnvAsInt("GATEWAY_WRITE_TIMEOUT_SECONDS", 10),
			PingIntervalSecond: getEnvAsInt("GATEWAY_PING_INTERVAL_SECONDS", 30),
		},
		Relay: RelayConfig{
			ChannelPrefix: getEnv("RELAY_CHANNEL_PREFIX", "relay"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	return seconds(a.RequestTimeoutSeconds)
}

// Visibility is how long a dequeued job stays leased before it is reclaimed.
func (q QueueConfig) Visibility() time.Duration {
	return seconds(q.VisibilitySeconds)
}

// ReclaimInterval is the period of the lease reaper.
func (q QueueConfig) ReclaimInterval() time.Duration {
	return seconds(q.ReclaimSeconds)
}

// DequeueWait bounds one blocking dequeue call.
func (q QueueConfig) DequeueWait() time.Duration {
	return seconds(q.DequeueWaitSecond)
}

// BaseDelay is the first retry delay.
func (a AnalysisConfig) BaseDelay() time.Duration {
	return time.Duration(a.BaseDelayMillis) * time.Millisecond
}

// Jitter is the random window added to each retry delay.
func (a AnalysisConfig) Jitter() time.Duration {
	return time.Duration(a.JitterMillis) * time.Millisecond
}

// CallTimeout bounds a single inference call.
func (a AnalysisConfig) CallTimeout() time.Duration {
	return seconds(a.CallTimeoutSeconds)
}

// BackfillInterval is zero when the backfill sweeper is disabled.
func (a AnalysisConfig) BackfillInterval() time.Duration {
	return seconds(a.BackfillSeconds)
}

// BackfillGrace is the minimum age of an unanalyzed attachment before backfill.
func (a AnalysisConfig) BackfillGrace() time.Duration {
	return seconds(a.BackfillGraceSecs)
}

// WriteTimeout bounds one socket write.
func (g GatewayConfig) WriteTimeout() time.Duration {
	return seconds(g.WriteTimeoutSecond)
}

// PingInterval is the keepalive period; a peer missing two pings is dropped.
func (g GatewayConfig) PingInterval() time.Duration {
	return seconds(g.PingIntervalSecond)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
