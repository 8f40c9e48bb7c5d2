package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chronizer"`
	LogLevel    int    `env:"LOG_LEVEL" envDefault:"0"`
	HTTPPort    int64  `env:"HTTP_PORT" envDefault:"8080"`
	GinMode     string `env:"GIN_MODE" envDefault:"release"`

	Broker  BrokerConfig
	Queue   QueueConfig
	Gateway GatewayConfig
	Bus     BusConfig
	Cache   CacheConfig
	Batch   BatchConfig
	Storage StorageConfig
	Metrics MetricsConfig
}

type BrokerConfig struct {
	Addr                 string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password             string        `env:"REDIS_PASSWORD"`
	DB                   int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix            string        `env:"BROKER_KEY_PREFIX" envDefault:"chronizer"`
	CommandTimeout       time.Duration `env:"BROKER_COMMAND_TIMEOUT" envDefault:"5s"`
	DialTimeout          time.Duration `env:"BROKER_DIAL_TIMEOUT" envDefault:"5s"`
	InitialRetryDelay    time.Duration `env:"BROKER_INITIAL_RETRY_DELAY" envDefault:"100ms"`
	MaxRetryDelay        time.Duration `env:"BROKER_MAX_RETRY_DELAY" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"BROKER_MAX_RECONNECT_ATTEMPTS" envDefault:"20"`
	HealthCheckInterval  time.Duration `env:"BROKER_HEALTH_CHECK_INTERVAL" envDefault:"10s"`
	OfflineQueue         bool          `env:"BROKER_OFFLINE_QUEUE" envDefault:"true"`
	OfflineQueueDepth    int           `env:"BROKER_OFFLINE_QUEUE_DEPTH" envDefault:"1000"`
	ShutdownTimeout      time.Duration `env:"BROKER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

type QueueConfig struct {
	Concurrency          int            `env:"QUEUE_CONCURRENCY" envDefault:"10"`
	RateLimit            float64        `env:"QUEUE_RATE_LIMIT" envDefault:"100"`
	ConcurrencyOverrides map[string]int `env:"QUEUE_CONCURRENCY_OVERRIDES" envSeparator:"," envKeyValSeparator:":"`
	RateLimitOverrides   map[string]int `env:"QUEUE_RATE_LIMIT_OVERRIDES" envSeparator:"," envKeyValSeparator:":"`
	Attempts             int            `env:"QUEUE_ATTEMPTS" envDefault:"3"`
	BackoffDelay         time.Duration  `env:"QUEUE_BACKOFF_DELAY" envDefault:"2s"`
	KeepCompletedAge     time.Duration  `env:"QUEUE_KEEP_COMPLETED_AGE" envDefault:"1h"`
	KeepCompletedCount   int            `env:"QUEUE_KEEP_COMPLETED_COUNT" envDefault:"1000"`
	KeepFailedAge        time.Duration  `env:"QUEUE_KEEP_FAILED_AGE" envDefault:"24h"`
	LockDuration         time.Duration  `env:"QUEUE_LOCK_DURATION" envDefault:"30s"`
	StalledInterval      time.Duration  `env:"QUEUE_STALLED_INTERVAL" envDefault:"30s"`
	PollInterval         time.Duration  `env:"QUEUE_POLL_INTERVAL" envDefault:"500ms"`
	ShutdownGrace        time.Duration  `env:"QUEUE_SHUTDOWN_GRACE" envDefault:"30s"`
	RecordsQueue         string         `env:"QUEUE_RECORDS_NAME" envDefault:"records"`
	BulkQueue            string         `env:"QUEUE_BULK_NAME" envDefault:"bulk"`
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ClientTimeout     time.Duration `env:"GATEWAY_CLIENT_TIMEOUT" envDefault:"60s"`
	SweepInterval     time.Duration `env:"GATEWAY_SWEEP_INTERVAL" envDefault:"60s"`
	MaxClients        int           `env:"GATEWAY_MAX_CLIENTS" envDefault:"10000"`
	MaxSubscriptions  int           `env:"GATEWAY_MAX_SUBSCRIPTIONS" envDefault:"50"`
	CloseGrace        time.Duration `env:"GATEWAY_CLOSE_GRACE" envDefault:"5s"`
	SendBuffer        int           `env:"GATEWAY_SEND_BUFFER" envDefault:"256"`
	AllowedOrigins    []string      `env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
}

type BusConfig struct {
	CleanupInterval time.Duration `env:"EVENTBUS_CLEANUP_INTERVAL" envDefault:"30s"`
	HandlerTimeout  time.Duration `env:"EVENTBUS_HANDLER_TIMEOUT" envDefault:"10s"`
	QueueSize       int           `env:"EVENTBUS_QUEUE_SIZE" envDefault:"1024"`
}

type CacheConfig struct {
	Backend     string `env:"CACHE_BACKEND" envDefault:"redis"`
	MemoryBytes int    `env:"CACHE_MEMORY_BYTES" envDefault:"104857600"`
}

type BatchConfig struct {
	ChunkSize int `env:"BULK_CHUNK_SIZE" envDefault:"500"`
}

type StorageConfig struct {
	PostgresDSN    string `env:"POSTGRES_DSN"`
	MigrationsPath string `env:"MIGRATIONS_PATH"`
}

type MetricsConfig struct {
	OTLPEndpoint     string `env:"OTLP_ENDPOINT"`
	OTLPGRPCEndpoint string `env:"OTLP_GRPC_ENDPOINT"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.Queue.Concurrency <= 0:
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.Queue.Concurrency)
	case c.Queue.Attempts <= 0:
		return fmt.Errorf("QUEUE_ATTEMPTS must be positive, got %d", c.Queue.Attempts)
	case c.Gateway.MaxClients <= 0:
		return fmt.Errorf("GATEWAY_MAX_CLIENTS must be positive, got %d", c.Gateway.MaxClients)
	case c.Gateway.MaxSubscriptions <= 0:
		return fmt.Errorf("GATEWAY_MAX_SUBSCRIPTIONS must be positive, got %d", c.Gateway.MaxSubscriptions)
	case c.Batch.ChunkSize <= 0:
		return fmt.Errorf("BULK_CHUNK_SIZE must be positive, got %d", c.Batch.ChunkSize)
	case c.Cache.Backend != "redis" && c.Cache.Backend != "memory":
		return fmt.Errorf("CACHE_BACKEND must be redis or memory, got %q", c.Cache.Backend)
	}
	return nil
}

// QueueConcurrency returns the worker count for a queue, honouring overrides.
func (q QueueConfig) QueueConcurrency(name string) int {
	if n, ok := q.ConcurrencyOverrides[name]; ok && n > 0 {
		return n
	}
	return q.Concurrency
}

// QueueRateLimit returns jobs/second for a queue, honouring overrides.
func (q QueueConfig) QueueRateLimit(name string) float64 {
	if n, ok := q.RateLimitOverrides[name]; ok && n > 0 {
		return float64(n)
	}
	return q.RateLimit
}
