package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the pipeline service.
// Environment variables are only read in this package.
type Config struct {
	Port string
	Env  string // development, staging, production

	DatabasePath string

	LogLevel  string
	LogFormat string // json, console

	// JWTSecret verifies operator bearer tokens on pipeline routes.
	JWTSecret string

	Staging   StagingConfig
	Market    MarketConfig
	Dispatch  DispatchConfig
	Execution ExecutionConfig
	Scheduler SchedulerConfig
}

// StagingConfig holds the aggregation rules applied while staging a batch
type StagingConfig struct {
	MinSweepPoints     int64
	MaxOrdersPerBasket int
	BatchPrefix        string
}

// MarketConfig describes the trading session used by the sweep dispatcher
type MarketConfig struct {
	Timezone string
	Open     string // HH:MM
	Close    string // HH:MM
	Holidays []string
}

// DispatchConfig controls broker feed dispatch
type DispatchConfig struct {
	Concurrency int
	FeedTimeout time.Duration
}

// ExecutionConfig selects how placed orders are filled
type ExecutionConfig struct {
	Mode     string // simulate, live
	Variance float64
}

// SchedulerConfig holds cron expressions for the stage jobs.
// An empty expression disables the job.
type SchedulerConfig struct {
	Enabled     bool
	SweepCron   string
	ExecuteCron string
	SettleCron  string
}

// Load reads configuration from the environment, optionally seeded from a .env file
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		DatabasePath: getEnv("DATABASE_PATH", "sweep.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		Staging: StagingConfig{
			MinSweepPoints:     int64(getEnvAsInt("STAGING_MIN_SWEEP_POINTS", 100)),
			MaxOrdersPerBasket: getEnvAsInt("STAGING_MAX_ORDERS_PER_BASKET", 10),
			BatchPrefix:        getEnv("STAGING_BATCH_PREFIX", "STG"),
		},

		Market: MarketConfig{
			Timezone: getEnv("MARKET_TIMEZONE", "America/New_York"),
			Open:     getEnv("MARKET_OPEN", "09:30"),
			Close:    getEnv("MARKET_CLOSE", "16:00"),
			Holidays: getEnvAsList("MARKET_HOLIDAYS"),
		},

		Dispatch: DispatchConfig{
			Concurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 4),
			FeedTimeout: getEnvAsDuration("DISPATCH_FEED_TIMEOUT", "30s"),
		},

		Execution: ExecutionConfig{
			Mode:     getEnv("EXECUTION_MODE", "simulate"),
			Variance: getEnvAsFloat("EXECUTION_VARIANCE", 0.02),
		},

		Scheduler: SchedulerConfig{
			Enabled:     getEnvAsBool("SCHEDULER_ENABLED", false),
			SweepCron:   getEnv("SCHEDULER_SWEEP_CRON", "0 */15 9-16 * * MON-FRI"),
			ExecuteCron: getEnv("SCHEDULER_EXECUTE_CRON", "0 5,20,35,50 9-16 * * MON-FRI"),
			SettleCron:  getEnv("SCHEDULER_SETTLE_CRON", ""),
		},
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		if cfg.Env == "production" {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}
	if c.Env == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Staging.MaxOrdersPerBasket <= 0 {
		return fmt.Errorf("STAGING_MAX_ORDERS_PER_BASKET must be positive")
	}
	if c.Staging.MinSweepPoints < 0 {
		return fmt.Errorf("STAGING_MIN_SWEEP_POINTS must not be negative")
	}
	if c.Execution.Mode != "simulate" && c.Execution.Mode != "live" {
		return fmt.Errorf("EXECUTION_MODE must be one of: simulate, live")
	}
	if c.Execution.Variance < 0 || c.Execution.Variance >= 1 {
		return fmt.Errorf("EXECUTION_VARIANCE must be in [0, 1)")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("MARKET_TIMEZONE: %w", err)
	}
	return nil
}

func loadEnvFile() {
	paths := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(exeDir, ".env"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
