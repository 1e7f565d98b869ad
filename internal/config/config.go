/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // LIMITS_TIMEZONE must resolve in minimal containers

	"github.com/spf13/viper"
	"github.com/transfa/transfer-service/internal/domain"
)

const (
	StorageBackendPostgres = "postgres"
	StorageBackendJournal  = "journal"

	defaultPerTransactionCap = 5000000  // 50,000.00 in minor units
	defaultDailyCap          = 20000000 // 200,000.00 in minor units
	defaultLimitsTimezone    = "Asia/Bangkok"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	StorageBackend            string `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	JournalPath               string `mapstructure:"JOURNAL_PATH"`
	SeedPath                  string `mapstructure:"SEED_PATH"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	SessionJWTSecret          string `mapstructure:"SESSION_JWT_SECRET"`
	PerTransactionCap         int64  `mapstructure:"PER_TRANSACTION_CAP"`
	DailyCap                  int64  `mapstructure:"DAILY_CAP"`
	LimitsTimezone            string `mapstructure:"LIMITS_TIMEZONE"`
	PrepareRateLimitPerMinute int    `mapstructure:"PREPARE_RATE_LIMIT_PER_MINUTE"`
	AuditSchedule             string `mapstructure:"AUDIT_SCHEDULE"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`

	// Warnings collects values that were ignored or coerced while loading.
	Warnings []string `mapstructure:"-"`
}

// Location resolves LimitsTimezone. LoadConfig has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LimitsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_BACKEND", StorageBackendJournal)
	viper.SetDefault("JOURNAL_PATH", "data/transfers.journal")
	viper.SetDefault("REDIS_KEY_PREFIX", "transfers")
	viper.SetDefault("EVENTS_EXCHANGE", "transfers.events")
	viper.SetDefault("PER_TRANSACTION_CAP", defaultPerTransactionCap)
	viper.SetDefault("DAILY_CAP", defaultDailyCap)
	viper.SetDefault("LIMITS_TIMEZONE", defaultLimitsTimezone)
	viper.SetDefault("PREPARE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("AUDIT_SCHEDULE", "@hourly")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORAGE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("JOURNAL_PATH")
	_ = viper.BindEnv("SEED_PATH")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SESSION_JWT_SECRET")
	_ = viper.BindEnv("PER_TRANSACTION_CAP")
	_ = viper.BindEnv("PER_TRANSACTION_CAP_MAJOR")
	_ = viper.BindEnv("DAILY_CAP")
	_ = viper.BindEnv("DAILY_CAP_MAJOR")
	_ = viper.BindEnv("LIMITS_TIMEZONE")
	_ = viper.BindEnv("PREPARE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("AUDIT_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.Warnings = append(config.Warnings, fmt.Sprintf("failed to read config file; using environment values: %v", err))
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	warnings := config.Warnings
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}
	config.Warnings = warnings

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "transfers"
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "transfers.events"
	}

	config.StorageBackend = strings.ToLower(strings.TrimSpace(config.StorageBackend))
	switch config.StorageBackend {
	case StorageBackendPostgres:
		if strings.TrimSpace(config.DatabaseURL) == "" {
			return config, fmt.Errorf("STORAGE_BACKEND=postgres requires DATABASE_URL")
		}
	case StorageBackendJournal:
		if strings.TrimSpace(config.JournalPath) == "" {
			return config, fmt.Errorf("STORAGE_BACKEND=journal requires JOURNAL_PATH")
		}
	default:
		return config, fmt.Errorf("unknown STORAGE_BACKEND %q", config.StorageBackend)
	}

	// Allow specifying caps in whole currency units via *_MAJOR.
	config.PerTransactionCap = config.majorUnitOverride("PER_TRANSACTION_CAP_MAJOR", config.PerTransactionCap)
	config.DailyCap = config.majorUnitOverride("DAILY_CAP_MAJOR", config.DailyCap)
	if config.PerTransactionCap <= 0 {
		config.Warnings = append(config.Warnings, fmt.Sprintf("non-positive PER_TRANSACTION_CAP; using default %d", defaultPerTransactionCap))
		config.PerTransactionCap = defaultPerTransactionCap
	}
	if config.DailyCap <= 0 {
		config.Warnings = append(config.Warnings, fmt.Sprintf("non-positive DAILY_CAP; using default %d", defaultDailyCap))
		config.DailyCap = defaultDailyCap
	}

	config.LimitsTimezone = strings.TrimSpace(config.LimitsTimezone)
	if _, tzErr := time.LoadLocation(config.LimitsTimezone); tzErr != nil || config.LimitsTimezone == "" {
		return config, fmt.Errorf("invalid LIMITS_TIMEZONE %q", config.LimitsTimezone)
	}

	if config.PrepareRateLimitPerMinute < 0 {
		config.PrepareRateLimitPerMinute = 0
	}
	config.AuditSchedule = strings.TrimSpace(config.AuditSchedule)
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))

	return
}

func (c *Config) majorUnitOverride(key string, current int64) int64 {
	if !viper.IsSet(key) {
		return current
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return current
	}
	value, err := domain.ParseAmount(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s %q: %v", key, raw, err))
		return current
	}
	return value
}
