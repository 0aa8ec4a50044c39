package config

import (
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	// REDIS_URL wins over the discrete REDIS_* settings when set.
	RedisURL      string `env:"REDIS_URL"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PostgresDSN   string        `env:"POSTGRES_DSN"`
	ResultBackend string        `env:"RESULT_BACKEND" envDefault:"redis"`
	ResultTTL     time.Duration `env:"RESULT_TTL" envDefault:"24h"`

	Queue  string   `env:"QUEUE" envDefault:"default"`
	Queues []string `env:"QUEUES" envSeparator:","`

	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	TaskTimeout       time.Duration `env:"TASK_TIMEOUT" envDefault:"5m"`
	MaxDeliveries     int           `env:"MAX_DELIVERIES" envDefault:"10"`
	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES" envDefault:"0"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`

	SchedInterval time.Duration `env:"SCHED_INTERVAL" envDefault:"1s"`
	SchedBatch    int64         `env:"SCHED_BATCH" envDefault:"500"`

	APIKey         string  `env:"API_KEY"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`
	MaxUploadBytes int64   `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`

	// TRUST_PROXY takes the client address from X-Forwarded-For/X-Real-IP.
	// Only enable it behind a proxy that sets those headers.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`

	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"taskq"`
}

// Load reads the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "config: parse environment")
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{c.Queue}
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.ResultBackend {
	case BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: POSTGRES_DSN is required for the postgres result backend")
		}
	default:
		return errors.Errorf("config: unknown RESULT_BACKEND %q", c.ResultBackend)
	}
	if c.Queue == "" {
		return errors.New("config: QUEUE must not be empty")
	}
	// The API enqueues to QUEUE; workers and the scheduler only watch QUEUES.
	if !slices.Contains(c.Queues, c.Queue) {
		return errors.Errorf("config: QUEUES %v must include QUEUE %q", c.Queues, c.Queue)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay <= 0 {
		return errors.New("config: RETRY_BASE_DELAY and RETRY_MAX_DELAY must be positive")
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return errors.New("config: RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	}
	if c.VisibilityTimeout <= 0 {
		return errors.New("config: VISIBILITY_TIMEOUT must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("config: WORKER_CONCURRENCY must be positive")
	}
	if c.DefaultMaxRetries < 0 {
		return errors.New("config: DEFAULT_MAX_RETRIES must be >= 0")
	}
	return nil
}

// RedisOptions builds go-redis options from REDIS_URL or the discrete settings.
func (c Config) RedisOptions() (*r.Options, error) {
	if c.RedisURL != "" {
		opts, err := r.ParseURL(c.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "config: parse REDIS_URL")
		}
		return opts, nil
	}
	return &r.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}, nil
}
