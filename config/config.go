// Package config loads the payroll engine configuration.
//
// Sources, lowest precedence first: defaults, an optional config file
// (PAYROLL_CONFIG or ./payroll.yaml), then PAYROLL_* environment variables
// with dots replaced by underscores (database.dsn -> PAYROLL_DATABASE_DSN).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Log         LogConfig      `mapstructure:"log"`
	Engine      EngineConfig   `mapstructure:"engine"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Archive     ArchiveConfig  `mapstructure:"archive"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the store. Driver is "sqlite3", "pgx" or "memory".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// EngineConfig tunes evaluation and lifecycle checks.
type EngineConfig struct {
	Workers           int    `mapstructure:"workers"`
	BalanceBaseSalary string `mapstructure:"balance_base_salary"`
	StrictReferences  bool   `mapstructure:"strict_references"`
	Seed              bool   `mapstructure:"seed"`
}

// RedisConfig enables the Redis stream publisher when URL is set.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// ArchiveConfig enables S3 run archiving when Bucket is set.
type ArchiveConfig struct {
	S3Bucket  string `mapstructure:"s3_bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from file and env.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./payroll.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.balance_base_salary", "1000")
	v.SetDefault("engine.strict_references", false)
	v.SetDefault("engine.seed", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "payroll:structure-activations")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "payroll-engine")

	if path := os.Getenv("PAYROLL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("payroll")
	}

	v.SetEnvPrefix("PAYROLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values the services cannot default.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite3, pgx or memory, got %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if _, err := c.BalanceBaseSalary(); err != nil {
		return err
	}
	return nil
}

// BalanceBaseSalary parses engine.balance_base_salary.
func (c Config) BalanceBaseSalary() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Engine.BalanceBaseSalary)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("engine.balance_base_salary must be a positive decimal, got %q", c.Engine.BalanceBaseSalary)
	}
	return d, nil
}

// Logger builds the slog logger described by the log section.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
