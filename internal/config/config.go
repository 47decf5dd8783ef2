// Package config provides configuration management for the chain crawler.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   ChainsConfig
	Crawl    CrawlConfig
	Stream   StreamConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port       string
	Host       string
	RequestRPS int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres       PostgresConfig
	Redis          RedisConfig
	MigrationsPath string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration runner
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Username       string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds the known networks
type ChainsConfig struct {
	Enabled []string
	Chains  map[string]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	ChainID      string
	ChainName    string
	LCD          string
	RequestRate  float64 // LCD requests per second, 0 disables limiting
	RequestBurst int
}

// Lookup returns the configuration of a known chain
func (c ChainsConfig) Lookup(chainID string) (ChainConfig, bool) {
	chain, ok := c.Chains[chainID]
	return chain, ok
}

// IDs returns the enabled chain ids in declaration order
func (c ChainsConfig) IDs() []string {
	ids := make([]string, 0, len(c.Enabled))
	for _, id := range c.Enabled {
		if _, ok := c.Chains[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CrawlConfig holds crawl job configuration
type CrawlConfig struct {
	BalancesConcurrency int
	UnbondsConcurrency  int
	AccountPageLimit    int
	ProposalPageLimit   int
	ProposalInterval    time.Duration
	DepositPageLimit    int
	HTTPTimeout         time.Duration
}

// StreamConfig holds transaction stream configuration
type StreamConfig struct {
	Name         string
	Group        string
	PollInterval time.Duration
	MinIdle      time.Duration
	BatchSize    int64
	RepeatLimit  int // 0 repeats forever
}

// QueueConfig holds job queue engine configuration
type QueueConfig struct {
	Prefix       string
	PollInterval time.Duration
	// LockDuration is how long a running job stays locked without a heartbeat
	LockDuration time.Duration
	// StalledInterval is how often active jobs with an expired lock are requeued
	StalledInterval time.Duration
}

// CacheConfig holds the API result cache configuration
type CacheConfig struct {
	Prefix string
	TTL    time.Duration // 0 disables the cache
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds the worker metrics listener configuration
type MetricsConfig struct {
	Addr string
}

// defaultChains mirrors the networks served by the public deployment
var defaultChains = "aura-testnet,serenity-testnet-001,halo-testnet-001,theta-testnet-001,osmo-test-4,evmos_9000-4,euphoria-1,cosmoshub-4"

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			RequestRPS: getEnvAsInt("SERVER_REQUEST_RPS", 50),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "chain_crawler"),
				User:           getEnv("POSTGRES_USER", "crawler"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Username:       getEnv("REDIS_USERNAME", ""),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB_NUMBER", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Crawl: CrawlConfig{
			BalancesConcurrency: getEnvAsInt("CONCURRENCY_ACCOUNT_BALANCES", 5),
			UnbondsConcurrency:  getEnvAsInt("CONCURRENCY_ACCOUNT_UNBONDS", 5),
			AccountPageLimit:    getEnvAsInt("ACCOUNT_PAGE_LIMIT", 100),
			ProposalPageLimit:   getEnvAsInt("NUMBER_OF_PROPOSAL_PER_CALL", 100),
			ProposalInterval:    getEnvAsDuration("CRAWL_PROPOSAL_INTERVAL", 5*time.Second),
			DepositPageLimit:    getEnvAsInt("DEPOSIT_PAGE_LIMIT", 100),
			HTTPTimeout:         getEnvAsDuration("LCD_HTTP_TIMEOUT", 30*time.Second),
		},
		Stream: StreamConfig{
			Name:         getEnv("REDIS_STREAM_TRANSACTION_NAME", "stream.transaction"),
			Group:        getEnv("REDIS_STREAM_TRANSACTION_GROUP", "transaction-group"),
			PollInterval: getEnvAsDuration("STREAM_POLL_INTERVAL", time.Second),
			MinIdle:      getEnvAsDuration("STREAM_MIN_IDLE", time.Second),
			BatchSize:    int64(getEnvAsInt("STREAM_BATCH_SIZE", 100)),
			RepeatLimit:  getEnvAsInt("STREAM_REPEAT_LIMIT", 0),
		},
		Queue: QueueConfig{
			Prefix:          getEnv("QUEUE_PREFIX", "bull"),
			PollInterval:    getEnvAsDuration("QUEUE_POLL_INTERVAL", 200*time.Millisecond),
			LockDuration:    getEnvAsDuration("QUEUE_LOCK_DURATION", 30*time.Second),
			StalledInterval: getEnvAsDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
		},
		Cache: CacheConfig{
			Prefix: getEnv("CACHE_PREFIX", "crawler"),
			TTL:    getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9100"),
		},
	}

	config.Chains = loadChainConfigs()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would make the worker misbehave
func (c *Config) Validate() error {
	if c.Crawl.BalancesConcurrency <= 0 || c.Crawl.UnbondsConcurrency <= 0 {
		return fmt.Errorf("crawl concurrency must be positive")
	}
	if c.Crawl.ProposalInterval <= 0 {
		return fmt.Errorf("CRAWL_PROPOSAL_INTERVAL must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("STREAM_POLL_INTERVAL must be positive")
	}
	if len(c.Chains.IDs()) == 0 {
		return fmt.Errorf("no chains enabled")
	}
	return nil
}

// loadChainConfigs loads chain-specific configurations.
// Variables are keyed by the upper-cased chain id with non-alphanumerics
// replaced by underscores, e.g. COSMOSHUB_4_LCD.
func loadChainConfigs() ChainsConfig {
	enabled := strings.Split(getEnv("ENABLED_CHAINS", defaultChains), ",")

	ids := make([]string, 0, len(enabled))
	chains := make(map[string]ChainConfig)
	for _, chainID := range enabled {
		chainID = strings.TrimSpace(chainID)
		if chainID == "" {
			continue
		}

		prefix := envPrefix(chainID)
		ids = append(ids, chainID)
		chains[chainID] = ChainConfig{
			ChainID:      chainID,
			ChainName:    getEnv(prefix+"_NAME", chainID),
			LCD:          getEnv(prefix+"_LCD", ""),
			RequestRate:  getEnvAsFloat(prefix+"_LCD_RPS", 10),
			RequestBurst: getEnvAsInt(prefix+"_LCD_BURST", 10),
		}
	}

	return ChainsConfig{
		Enabled: ids,
		Chains:  chains,
	}
}

func envPrefix(chainID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(chainID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value.
// Plain integers are read as milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
