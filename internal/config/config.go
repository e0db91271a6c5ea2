// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration, parsed once at startup.
type Config struct {
	DB           DB           `mapstructure:"db"`
	EmbeddingAPI EmbeddingAPI `mapstructure:"embedding_api"`
	Scoring      Scoring      `mapstructure:"scoring"`
	Notification Notification `mapstructure:"notification"`
	SMTP         SMTP         `mapstructure:"smtp"`
	FeedDefaults FeedDefaults `mapstructure:"feed_defaults"`
	Retention    Retention    `mapstructure:"retention"`
	Scheduler    Scheduler    `mapstructure:"scheduler"`
	Logging      Logging      `mapstructure:"logging"`
}

// DB holds PostgreSQL connection settings.
type DB struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN builds the lib/pq connection string.
func (d DB) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Database)
}

// EmbeddingAPI holds the embedding service client settings.
type EmbeddingAPI struct {
	APIURL     string `mapstructure:"api_url"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
	// TruncateChars caps the per-article input text sent for embedding.
	TruncateChars int `mapstructure:"truncate_chars"`
}

// Scoring holds model artifact settings.
type Scoring struct {
	ModelDir  string `mapstructure:"model_dir"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Notification holds dispatcher-level limits and the labeling UI base URL
// embedded in message action links.
type Notification struct {
	GlobalRatePerSec float64 `mapstructure:"global_rate_per_sec"`
	GlobalBurst      int     `mapstructure:"global_burst"`
	GlobalCap        int     `mapstructure:"global_cap"` // Upper bound on claims per channel per cycle
	BaseURL          string  `mapstructure:"base_url"`
}

// SMTP holds email provider settings.
type SMTP struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Encryption  string `mapstructure:"encryption"` // "starttls", "tls", or "none"
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
}

// FeedDefaults holds fetcher settings.
type FeedDefaults struct {
	CheckIntervalHours int  `mapstructure:"check_interval_hours"`
	SSLVerify          bool `mapstructure:"ssl_verify"`
	DedupDays          int  `mapstructure:"dedup_days"`
	DedupThreshold     float64 `mapstructure:"dedup_threshold"`
}

// Retention holds maintenance windows in days.
type Retention struct {
	BroadcastDays int `mapstructure:"broadcast_days"`
	QueueDays     int `mapstructure:"queue_days"`
}

// Scheduler holds orchestrator cadence settings.
type Scheduler struct {
	UpdateCron    string `mapstructure:"update_cron"`
	BroadcastCron string `mapstructure:"broadcast_cron"`
	Workers       int    `mapstructure:"workers"`
}

// Logging holds log output settings.
type Logging struct {
	Level string `mapstructure:"level"`
}

var globalConfig *Config

// Load loads the configuration from file, environment, and defaults.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".papersorter")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "papersorter")
	viper.SetDefault("db.database", "papersorter")
	viper.SetDefault("db.max_conns", 16)

	viper.SetDefault("embedding_api.api_url", "https://api.openai.com/v1/embeddings")
	viper.SetDefault("embedding_api.model", "text-embedding-3-large")
	viper.SetDefault("embedding_api.dimensions", 1536)
	viper.SetDefault("embedding_api.batch_size", 64)
	viper.SetDefault("embedding_api.truncate_chars", 8000)

	viper.SetDefault("scoring.model_dir", "./models")
	viper.SetDefault("scoring.batch_size", 256)

	viper.SetDefault("notification.global_rate_per_sec", 1.0)
	viper.SetDefault("notification.global_burst", 5)
	viper.SetDefault("notification.global_cap", 100)

	viper.SetDefault("smtp.port", 587)
	viper.SetDefault("smtp.encryption", "starttls")

	viper.SetDefault("feed_defaults.check_interval_hours", 6)
	viper.SetDefault("feed_defaults.ssl_verify", true)
	viper.SetDefault("feed_defaults.dedup_days", 30)
	viper.SetDefault("feed_defaults.dedup_threshold", 0.92)

	viper.SetDefault("retention.broadcast_days", 30)
	viper.SetDefault("retention.queue_days", 30)

	viper.SetDefault("scheduler.update_cron", "0 */3 * * *")
	viper.SetDefault("scheduler.broadcast_cron", "0 * * * *")
	viper.SetDefault("scheduler.workers", 8)

	viper.SetDefault("logging.level", "info")
}

// bindEnvironmentVariables sets up flexible environment variable binding.
func bindEnvironmentVariables() {
	bindEnvKeys("db.password", []string{
		"PAPERSORTER_DB_PASSWORD",
		"PGPASSWORD",
	})

	bindEnvKeys("embedding_api.api_key", []string{
		"PAPERSORTER_EMBEDDING_API_KEY",
		"OPENAI_API_KEY",
	})

	bindEnvKeys("smtp.password", []string{
		"SMTP_PASSWORD",
		"EMAIL_PASSWORD",
	})

	bindEnvKeys("smtp.username", []string{
		"SMTP_USERNAME",
		"EMAIL_USERNAME",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key.
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// validateConfig ensures required configuration is present and in range.
func validateConfig(config *Config) error {
	var errs []string

	if config.EmbeddingAPI.Dimensions <= 0 {
		errs = append(errs, "embedding_api.dimensions must be positive")
	}
	if config.EmbeddingAPI.BatchSize <= 0 {
		errs = append(errs, "embedding_api.batch_size must be positive")
	}
	if config.Notification.GlobalRatePerSec <= 0 {
		errs = append(errs, "notification.global_rate_per_sec must be positive")
	}
	if config.FeedDefaults.DedupThreshold <= 0 || config.FeedDefaults.DedupThreshold > 1 {
		errs = append(errs, "feed_defaults.dedup_threshold must be in (0, 1]")
	}
	if config.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler.workers must be positive")
	}

	// SMTP is optional but must be complete when any of it is set
	if config.SMTP.Host != "" || config.SMTP.Username != "" {
		if config.SMTP.Host == "" {
			errs = append(errs, "smtp.host is required when email is configured")
		}
		if config.SMTP.FromAddress == "" {
			errs = append(errs, "smtp.from_address is required when email is configured")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// Reset clears the global configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viper.Reset()
}
