// Package config provides configuration management for the marketplace sync service.
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
	Server    ServerConfig
	Database  DatabaseConfig
	Chain     ChainConfig
	Contracts ContractsConfig
	Sync      SyncConfig
	Cache     CacheConfig
	Analytics AnalyticsConfig
	Social    SocialConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP trigger server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
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

// URL returns the postgres:// connection URL used by migrations
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// An empty Host disables the self-hosted analytics store.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether ClickHouse is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the RPC endpoint for the marketplace chain
type ChainConfig struct {
	ID           int64
	RPCURL       string
	RequestsPerS int
	// BudgetCU is the compute-unit allowance per second shared by every
	// process through Redis; 0 disables the shared budget
	BudgetCU   int
	ReservedCU int // part of BudgetCU kept for API reads
}

// ContractsConfig holds the contract addresses the engine follows
type ContractsConfig struct {
	Marketplace          string
	MarketplaceStart     uint64
	Collectible          string
	CollectibleStart     uint64
	CollectibleView      string // marketplace view returning the collectible contract address
	TokenContentHashView string // collectible view returning a token's content hash
}

// SyncConfig holds sync scheduler and reconstructor configuration
type SyncConfig struct {
	ChunkSize      uint64        // Blocks per chunk (default: 2000)
	RetrySubRange  uint64        // Blocks per retry piece after a chunk failure (default: 100)
	PollInterval   time.Duration // Interval between worker cycles
	LockMaxAge     time.Duration // Age after which a held sync lock is considered stale; 0 disables
	ListingEpoch   time.Time     // Listing watermark used before the first run
	SnapshotScope  string
	EventBatchSize int // Persisted events read per collectible run
}

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	DefaultTTL  time.Duration
	LogTTL      time.Duration
	OwnedTTL    time.Duration
	IdentityTTL time.Duration
	ContentTTL  time.Duration
}

// AnalyticsConfig holds analytical query service configuration
type AnalyticsConfig struct {
	Backend string // "http" or "clickhouse"
	BaseURL string
	APIKey  string
	Table   string
}

// SocialConfig holds identity/content lookup configuration
type SocialConfig struct {
	BaseURL string
	APIKey  string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	epoch, err := getEnvAsTime("SYNC_LISTING_EPOCH", time.Unix(0, 0).UTC())
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "market_sync"),
				User:           getEnv("POSTGRES_USER", "market"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "market_sync"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			ID:           int64(getEnvAsInt("CHAIN_ID", 8453)),
			RPCURL:       getEnv("CHAIN_RPC_URL", ""),
			RequestsPerS: getEnvAsInt("CHAIN_RPC_RPS", 10),
			BudgetCU:     getEnvAsInt("CHAIN_RPC_BUDGET_CU", 0),
			ReservedCU:   getEnvAsInt("CHAIN_RPC_RESERVED_CU", 0),
		},
		Contracts: ContractsConfig{
			Marketplace:          strings.ToLower(getEnv("MARKETPLACE_ADDRESS", "")),
			MarketplaceStart:     getEnvAsUint64("MARKETPLACE_START_BLOCK", 0),
			Collectible:          strings.ToLower(getEnv("COLLECTIBLE_ADDRESS", "")),
			CollectibleStart:     getEnvAsUint64("COLLECTIBLE_START_BLOCK", 0),
			CollectibleView:      getEnv("MARKETPLACE_COLLECTIBLE_VIEW", "castNFT"),
			TokenContentHashView: getEnv("COLLECTIBLE_HASH_VIEW", "tokenHash"),
		},
		Sync: SyncConfig{
			ChunkSize:      getEnvAsUint64("SYNC_CHUNK_SIZE", 2000),
			RetrySubRange:  getEnvAsUint64("SYNC_RETRY_SUB_RANGE", 100),
			PollInterval:   getEnvAsDuration("SYNC_POLL_INTERVAL", time.Minute),
			LockMaxAge:     getEnvAsDuration("SYNC_LOCK_MAX_AGE", 30*time.Minute),
			ListingEpoch:   epoch,
			SnapshotScope:  getEnv("SYNC_SNAPSHOT_SCOPE", "default"),
			EventBatchSize: getEnvAsInt("SYNC_EVENT_BATCH_SIZE", 5000),
		},
		Cache: CacheConfig{
			DefaultTTL:  getEnvAsDuration("CACHE_DEFAULT_TTL", 2*time.Hour),
			LogTTL:      getEnvAsDuration("CACHE_LOG_TTL", 24*time.Hour),
			OwnedTTL:    getEnvAsDuration("CACHE_OWNED_TTL", time.Hour),
			IdentityTTL: getEnvAsDuration("CACHE_IDENTITY_TTL", 2*time.Hour),
			ContentTTL:  getEnvAsDuration("CACHE_CONTENT_TTL", 24*time.Hour),
		},
		Analytics: AnalyticsConfig{
			Backend: getEnv("ANALYTICS_BACKEND", "http"),
			BaseURL: getEnv("ANALYTICS_BASE_URL", ""),
			APIKey:  getEnv("ANALYTICS_API_KEY", ""),
			Table:   getEnv("ANALYTICS_EVENTS_TABLE", "events"),
		},
		Social: SocialConfig{
			BaseURL: getEnv("SOCIAL_BASE_URL", ""),
			APIKey:  getEnv("SOCIAL_API_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("API_RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("API_RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the settings without which the engine cannot run.
// Missing credentials are fatal at startup rather than degrading silently.
func (c *Config) Validate() error {
	var missing []string
	if c.Chain.RPCURL == "" {
		missing = append(missing, "CHAIN_RPC_URL")
	}
	if c.Contracts.Marketplace == "" {
		missing = append(missing, "MARKETPLACE_ADDRESS")
	}
	if c.Contracts.Collectible == "" {
		missing = append(missing, "COLLECTIBLE_ADDRESS")
	}
	switch c.Analytics.Backend {
	case "http":
		if c.Analytics.BaseURL == "" {
			missing = append(missing, "ANALYTICS_BASE_URL")
		}
		if c.Analytics.APIKey == "" {
			missing = append(missing, "ANALYTICS_API_KEY")
		}
	case "clickhouse":
		if !c.Database.ClickHouse.Enabled() {
			missing = append(missing, "CLICKHOUSE_HOST")
		}
	default:
		return fmt.Errorf("unsupported ANALYTICS_BACKEND %q", c.Analytics.Backend)
	}
	if c.Social.BaseURL == "" {
		missing = append(missing, "SOCIAL_BASE_URL")
	}
	if c.Social.APIKey == "" {
		missing = append(missing, "SOCIAL_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Sync.ChunkSize == 0 || c.Sync.RetrySubRange == 0 {
		return fmt.Errorf("SYNC_CHUNK_SIZE and SYNC_RETRY_SUB_RANGE must be positive")
	}
	if c.Chain.BudgetCU > 0 && (c.Chain.ReservedCU < 0 || c.Chain.ReservedCU > c.Chain.BudgetCU) {
		return fmt.Errorf("CHAIN_RPC_RESERVED_CU (%d) must be within CHAIN_RPC_BUDGET_CU (%d)",
			c.Chain.ReservedCU, c.Chain.BudgetCU)
	}
	if c.Sync.RetrySubRange > c.Sync.ChunkSize {
		return fmt.Errorf("SYNC_RETRY_SUB_RANGE (%d) cannot exceed SYNC_CHUNK_SIZE (%d)",
			c.Sync.RetrySubRange, c.Sync.ChunkSize)
	}
	return nil
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

// getEnvAsUint64 gets an environment variable as a block number with a default value
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsTime parses an RFC3339 timestamp. Unlike the other helpers a malformed
// value is an error, because a wrong epoch silently skips or replays history.
func getEnvAsTime(key string, defaultValue time.Time) (time.Time, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.Parse(time.RFC3339, valueStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value.UTC(), nil
}
