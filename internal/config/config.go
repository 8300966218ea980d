package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	GatewayBaseURL     string `env:"GATEWAY_BASE_URL,required=true"`
	GatewayToken       string `env:"GATEWAY_TOKEN"`
	GatewayTimeoutSec  int    `env:"GATEWAY_TIMEOUT_SEC,default=30"`
	GatewayRatePerSec  int    `env:"GATEWAY_RATE_PER_SEC,default=20"`
	GatewayMaxInFlight int    `env:"GATEWAY_MAX_IN_FLIGHT,default=0"`
	QuoteRetries       int    `env:"QUOTE_RETRIES,default=2"`

	LockTTLSec          int    `env:"LOCK_TTL_SEC,default=300"`
	WorkerID            string `env:"WORKER_ID"`
	DispatchWorkers     int    `env:"DISPATCH_WORKERS,default=2"`
	DispatchIntervalSec int    `env:"DISPATCH_INTERVAL_SEC,default=5"`
	SweepIntervalSec    int    `env:"SWEEP_INTERVAL_SEC,default=30"`
	RelayIntervalSec    int    `env:"RELAY_INTERVAL_SEC,default=5"`
	RelayBatchSize      int    `env:"RELAY_BATCH_SIZE,default=50"`
	ConsumerConcurrency int    `env:"CONSUMER_CONCURRENCY,default=2"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.GatewayTimeoutSec <= 0:
		return fmt.Errorf("GATEWAY_TIMEOUT_SEC must be positive")
	case c.GatewayRatePerSec <= 0:
		return fmt.Errorf("GATEWAY_RATE_PER_SEC must be positive")
	case c.GatewayMaxInFlight < 0:
		return fmt.Errorf("GATEWAY_MAX_IN_FLIGHT must not be negative")
	case c.QuoteRetries < 0:
		return fmt.Errorf("QUOTE_RETRIES must not be negative")
	case c.LockTTLSec <= 0:
		return fmt.Errorf("LOCK_TTL_SEC must be positive")
	case c.DispatchWorkers < 1:
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1")
	case c.ConsumerConcurrency < 1:
		return fmt.Errorf("CONSUMER_CONCURRENCY must be at least 1")
	case c.RelayBatchSize < 1:
		return fmt.Errorf("RELAY_BATCH_SIZE must be at least 1")
	}
	return nil
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSec) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) RelayInterval() time.Duration {
	return time.Duration(c.RelayIntervalSec) * time.Second
}
