package config

import (
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type APIConfig struct {
	Port            string        `env:"PORT,default=8080"`
	DBDSN           string        `env:"DB_DSN,required=true"`
	RMQURL          string        `env:"RMQ_URL,required=true"`
	Queue           string        `env:"QUEUE,default=emailQueue"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	DispatchLockTTL time.Duration `env:"DISPATCH_LOCK_TTL,default=2m"`
	SchedulerSpec   string        `env:"SCHEDULER_SPEC"`
	SchedulerBatch  int           `env:"SCHEDULER_BATCH,default=50"`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START,default=false"`
}

type WorkerConfig struct {
	DBDSN               string        `env:"DB_DSN,required=true"`
	RMQURL              string        `env:"RMQ_URL,required=true"`
	Queue               string        `env:"QUEUE,default=emailQueue"`
	MaxRetries          int           `env:"WORKER_MAX_RETRIES,default=3"`
	RetryBase           time.Duration `env:"WORKER_RETRY_BASE,default=1s"`
	Prefetch            int           `env:"WORKER_PREFETCH,default=1"`
	RatePerSec          int           `env:"WORKER_RATE_PER_SEC,default=0"`
	DeadLetterPermanent bool          `env:"DEAD_LETTER_PERMANENT,default=false"`
	OpTimeout           time.Duration `env:"WORKER_OP_TIMEOUT,default=5s"`
	RequeueDelay        time.Duration `env:"WORKER_REQUEUE_DELAY,default=1s"`
	MetricsAddr         string        `env:"METRICS_ADDR,default=:9091"`

	SMTPHost    string        `env:"SMTP_HOST,default=localhost"`
	SMTPPort    int           `env:"SMTP_PORT,default=25"`
	SMTPUser    string        `env:"SMTP_USER"`
	SMTPPass    string        `env:"SMTP_PASS"`
	SMTPFrom    string        `env:"SMTP_FROM,default=no-reply@localhost"`
	SMTPTLS     string        `env:"SMTP_TLS,default=none"`
	SMTPTimeout time.Duration `env:"SMTP_TIMEOUT,default=30s"`
}

var (
	API    APIConfig
	Worker WorkerConfig
)

// loadDotEnv reads ENV_FILE (or ./.env when present) into the process environment.
// Variables already set in the environment win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

func LoadAPI() (APIConfig, error) {
	var c APIConfig
	if err := loadDotEnv(); err != nil {
		return c, err
	}
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return c, errors.Wrap(err, "map api env")
	}
	return c, nil
}

func LoadWorker() (WorkerConfig, error) {
	var c WorkerConfig
	if err := loadDotEnv(); err != nil {
		return c, err
	}
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return c, errors.Wrap(err, "map worker env")
	}
	if c.MaxRetries < 1 {
		return c, errors.Errorf("WORKER_MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.Prefetch < 1 {
		c.Prefetch = 1
	}
	switch c.SMTPTLS {
	case "none", "opportunistic", "mandatory":
	default:
		return c, errors.Errorf("SMTP_TLS must be none, opportunistic or mandatory, got %q", c.SMTPTLS)
	}
	return c, nil
}

func MustLoadAPI(fatal func(template string, args ...any)) {
	c, err := LoadAPI()
	if err != nil {
		fatal("config_load_error: %v", err)
	}
	API = c
}

func MustLoadWorker(fatal func(template string, args ...any)) {
	c, err := LoadWorker()
	if err != nil {
		fatal("config_load_error: %v", err)
	}
	Worker = c
}
