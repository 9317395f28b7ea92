// Package config loads service configuration from defaults, an optional
// file and LOANLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Redis    RedisConfig
	Reminder ReminderConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port        string
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// GatewayConfig holds payment gateway merchant settings.
type GatewayConfig struct {
	Endpoint    string
	ProductCode string `mapstructure:"product_code"`
	SecretKey   string `mapstructure:"secret_key"`
	SuccessURL  string `mapstructure:"success_url"`
	FailureURL  string `mapstructure:"failure_url"`
}

// RedisConfig holds the notification bus settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

// ReminderConfig controls the daily reminder sweep.
type ReminderConfig struct {
	Enabled        bool
	Hour           int
	UpcomingWindow int `mapstructure:"upcoming_window"`
}

type LogConfig struct {
	Level  string
	Format string
}

// EnvPrefix prefixes every environment override, e.g. LOANLEDGER_SERVER_PORT.
const EnvPrefix = "LOANLEDGER"

// Load reads configuration. path may be empty; LOANLEDGER_CONFIG is used then.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("database.path", "loanledger.db")
	v.SetDefault("gateway.endpoint", "https://rc-epay.esewa.com.np/api/epay/main/v2/form")
	v.SetDefault("gateway.product_code", "EPAYTEST")
	v.SetDefault("gateway.secret_key", "")
	v.SetDefault("gateway.success_url", "http://localhost:8080/api/payments/success")
	v.SetDefault("gateway.failure_url", "http://localhost:8080/api/payments/failure")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "loanledger:notifications")
	v.SetDefault("reminder.enabled", true)
	v.SetDefault("reminder.hour", 9)
	v.SetDefault("reminder.upcoming_window", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("loanledger")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine; an explicit path must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
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

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Reminder.Hour < 0 || c.Reminder.Hour > 23 {
		return fmt.Errorf("reminder.hour must be 0-23, got %d", c.Reminder.Hour)
	}
	if c.Reminder.UpcomingWindow < 1 {
		return fmt.Errorf("reminder.upcoming_window must be positive, got %d", c.Reminder.UpcomingWindow)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
