package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validation errors returned by Load.
var (
	ErrInvalidDepth   = errors.New("book.depth must be positive")
	ErrInvalidPeriod  = errors.New("book.notify_period_ms must be positive")
	ErrMissingProduct = errors.New("feed.product_id is required")
)

// Config holds all application configuration.
type Config struct {
	Env     string `mapstructure:"env"`
	Feed    FeedConfig
	Book    BookConfig
	Breaker BreakerConfig
	Redis   RedisConfig
	HTTP    HTTPConfig
	GRPC    GRPCConfig
	Log     LogConfig
}

// FeedConfig holds the market-data connection settings.
type FeedConfig struct {
	URL              string   `mapstructure:"url"`
	ProductID        string   `mapstructure:"product_id"`
	Channels         []string `mapstructure:"channels"`
	HeartbeatTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// BookConfig holds order book and notification settings.
type BookConfig struct {
	Depth        int `mapstructure:"depth"`
	NotifyPeriod time.Duration
}

// BreakerConfig holds the staleness circuit breaker settings.
type BreakerConfig struct {
	StaleThreshold time.Duration
	CoolOff        time.Duration
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// Redis writer.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig holds the REST API listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// GRPCConfig holds the gRPC health listener settings. An empty Addr
// disables it.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from environment variables prefixed with L2BOOK_.
// If L2BOOK_CONFIG names a file it is read first and env vars override it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("L2BOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Feed defaults
	v.SetDefault("feed.url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("feed.product_id", "BTC-USD")
	v.SetDefault("feed.channels", []string{"level2"})
	v.SetDefault("feed.heartbeat_timeout_ms", 5000)
	v.SetDefault("feed.backoff_initial_ms", 50)
	v.SetDefault("feed.backoff_max_ms", 5000)

	// Book defaults
	v.SetDefault("book.depth", 8)
	v.SetDefault("book.notify_period_ms", 100)

	// Breaker defaults
	v.SetDefault("breaker.stale_threshold_ms", 5000)
	v.SetDefault("breaker.cool_off_ms", 2000)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Listener defaults
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path := os.Getenv("L2BOOK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		URL:              v.GetString("feed.url"),
		ProductID:        v.GetString("feed.product_id"),
		Channels:         v.GetStringSlice("feed.channels"),
		HeartbeatTimeout: millis(v, "feed.heartbeat_timeout_ms"),
		BackoffInitial:   millis(v, "feed.backoff_initial_ms"),
		BackoffMax:       millis(v, "feed.backoff_max_ms"),
	}

	cfg.Book = BookConfig{
		Depth:        v.GetInt("book.depth"),
		NotifyPeriod: millis(v, "book.notify_period_ms"),
	}

	cfg.Breaker = BreakerConfig{
		StaleThreshold: millis(v, "breaker.stale_threshold_ms"),
		CoolOff:        millis(v, "breaker.cool_off_ms"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.HTTP = HTTPConfig{Addr: v.GetString("http.addr")}
	cfg.GRPC = GRPCConfig{Addr: v.GetString("grpc.addr")}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.Book.Depth <= 0 {
		return ErrInvalidDepth
	}
	if c.Book.NotifyPeriod <= 0 {
		return ErrInvalidPeriod
	}
	if strings.TrimSpace(c.Feed.ProductID) == "" {
		return ErrMissingProduct
	}
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
