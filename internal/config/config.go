/**
 * @description
 * This package handles the configuration management for the egg-service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), then coerces out-of-range values back to safe defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	CooldownBackendMemory = "memory"
	CooldownBackendRedis  = "redis"

	minLedgerTimeoutMS      = 100
	minCommandRefreshSecond = 5
)

// Config holds all the configuration variables for the egg-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	SQLitePath             string `mapstructure:"SQLITE_PATH"`
	AutoMigrate            bool   `mapstructure:"AUTO_MIGRATE"`
	DBMaxConns             int    `mapstructure:"DB_MAX_CONNS"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	CooldownBackend        string `mapstructure:"COOLDOWN_BACKEND"`
	RedisCooldownPrefix    string `mapstructure:"REDIS_COOLDOWN_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	ChatExchange           string `mapstructure:"CHAT_EXCHANGE"`
	ChatEventQueue         string `mapstructure:"CHAT_EVENT_QUEUE"`
	BroadcastExchange      string `mapstructure:"BROADCAST_EXCHANGE"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	LedgerTimeoutMS        int    `mapstructure:"LEDGER_TIMEOUT_MS"`
	CommandRefreshSeconds  int    `mapstructure:"COMMAND_REFRESH_SECONDS"`
	CooldownPruneSchedule  string `mapstructure:"COOLDOWN_PRUNE_SCHEDULE"`
	ChatWorkers            int    `mapstructure:"CHAT_WORKERS"`
	ChatQueueSize          int    `mapstructure:"CHAT_QUEUE_SIZE"`
	InsufficientFundsReply string `mapstructure:"INSUFFICIENT_FUNDS_REPLY"`
	MergeRepointHistory    bool   `mapstructure:"MERGE_REPOINT_HISTORY"`
	ExecutorVerbose        bool   `mapstructure:"EXECUTOR_VERBOSE"`
	AuditArchiveBucket     string `mapstructure:"AUDIT_ARCHIVE_BUCKET"`
	AuditArchivePrefix     string `mapstructure:"AUDIT_ARCHIVE_PREFIX"`
	AWSRegion              string `mapstructure:"AWS_REGION"`
	AuditArchiveSchedule   string `mapstructure:"AUDIT_ARCHIVE_SCHEDULE"`
}

// LedgerTimeout bounds every ledger operation.
func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutMS) * time.Millisecond
}

// CommandRefreshInterval bounds how stale the command index can get.
func (c Config) CommandRefreshInterval() time.Duration {
	return time.Duration(c.CommandRefreshSeconds) * time.Second
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	if c.InternalAPIKey == "" {
		return errors.New("INTERNAL_API_KEY is required")
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.CooldownBackend == CooldownBackendRedis && c.RedisURL == "" {
		return errors.New("REDIS_URL is required when COOLDOWN_BACKEND=redis")
	}
	return nil
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("SQLITE_PATH", "./data/eggs.db")
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("COOLDOWN_BACKEND", CooldownBackendMemory)
	viper.SetDefault("REDIS_COOLDOWN_PREFIX", "eggs:cooldown")
	viper.SetDefault("CHAT_EXCHANGE", "chat.events")
	viper.SetDefault("CHAT_EVENT_QUEUE", "egg_service.chat_events")
	viper.SetDefault("BROADCAST_EXCHANGE", "chat.broadcast")
	viper.SetDefault("LEDGER_TIMEOUT_MS", 5000)
	viper.SetDefault("COMMAND_REFRESH_SECONDS", 60)
	viper.SetDefault("COOLDOWN_PRUNE_SCHEDULE", "@every 5m")
	viper.SetDefault("CHAT_WORKERS", 8)
	viper.SetDefault("CHAT_QUEUE_SIZE", 256)
	viper.SetDefault("MERGE_REPOINT_HISTORY", true)
	viper.SetDefault("EXECUTOR_VERBOSE", false)
	viper.SetDefault("AUDIT_ARCHIVE_PREFIX", "ledger")
	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("AUDIT_ARCHIVE_SCHEDULE", "5 0 * * *")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("COOLDOWN_BACKEND")
	_ = viper.BindEnv("REDIS_COOLDOWN_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CHAT_EXCHANGE")
	_ = viper.BindEnv("CHAT_EVENT_QUEUE")
	_ = viper.BindEnv("BROADCAST_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "EGG_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("LEDGER_TIMEOUT_MS")
	_ = viper.BindEnv("COMMAND_REFRESH_SECONDS")
	_ = viper.BindEnv("COOLDOWN_PRUNE_SCHEDULE")
	_ = viper.BindEnv("CHAT_WORKERS")
	_ = viper.BindEnv("CHAT_QUEUE_SIZE")
	_ = viper.BindEnv("INSUFFICIENT_FUNDS_REPLY")
	_ = viper.BindEnv("MERGE_REPOINT_HISTORY")
	_ = viper.BindEnv("EXECUTOR_VERBOSE")
	_ = viper.BindEnv("AUDIT_ARCHIVE_BUCKET")
	_ = viper.BindEnv("AUDIT_ARCHIVE_PREFIX")
	_ = viper.BindEnv("AWS_REGION")
	_ = viper.BindEnv("AUDIT_ARCHIVE_SCHEDULE")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.AuditArchiveBucket = strings.TrimSpace(config.AuditArchiveBucket)

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverSQLite {
		log.Printf("level=warn component=config msg=\"unknown store driver; falling back to postgres\" driver=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.CooldownBackend = strings.ToLower(strings.TrimSpace(config.CooldownBackend))
	if config.CooldownBackend != CooldownBackendMemory && config.CooldownBackend != CooldownBackendRedis {
		log.Printf("level=warn component=config msg=\"unknown cooldown backend; falling back to memory\" backend=%q", config.CooldownBackend)
		config.CooldownBackend = CooldownBackendMemory
	}

	config.RedisCooldownPrefix = strings.TrimSpace(config.RedisCooldownPrefix)
	if config.RedisCooldownPrefix == "" {
		config.RedisCooldownPrefix = "eggs:cooldown"
	}

	if config.LedgerTimeoutMS < minLedgerTimeoutMS {
		log.Printf("level=warn component=config msg=\"ledger timeout too low; raising to minimum\" timeout_ms=%d min_ms=%d", config.LedgerTimeoutMS, minLedgerTimeoutMS)
		config.LedgerTimeoutMS = minLedgerTimeoutMS
	}
	if config.CommandRefreshSeconds < minCommandRefreshSecond {
		log.Printf("level=warn component=config msg=\"command refresh interval too low; raising to minimum\" seconds=%d min_seconds=%d", config.CommandRefreshSeconds, minCommandRefreshSecond)
		config.CommandRefreshSeconds = minCommandRefreshSecond
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 20
	}
	if config.ChatWorkers <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive chat worker count; using default\" workers=%d", config.ChatWorkers)
		config.ChatWorkers = 8
	}
	if config.ChatQueueSize < config.ChatWorkers {
		config.ChatQueueSize = config.ChatWorkers
	}

	return
}
