// Package config provides configuration management for the trading application.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	apperrors "auto-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Broker         BrokerConfig         `mapstructure:"broker"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	MarketData     MarketDataConfig     `mapstructure:"market_data"`
	Store          StoreConfig          `mapstructure:"store"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Notifications  NotificationConfig   `mapstructure:"notifications"`
	Credentials    Credentials          `mapstructure:"-"` // Loaded separately
}

// BrokerConfig holds the broker session settings.
type BrokerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ClientID           int           `mapstructure:"client_id" validate:"gte=1,lte=999"`
	Exchange           string        `mapstructure:"exchange" validate:"oneof=NSE BSE NFO MCX"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts" validate:"gte=0,lte=100"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	GracefulShutdown   bool          `mapstructure:"graceful_shutdown"`
	Paper              bool          `mapstructure:"paper"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gt=0"`
	StateFile        string        `mapstructure:"state_file" validate:"required"`
}

// MarketDataConfig holds market data quality gate settings.
type MarketDataConfig struct {
	MaxReasonablePrice              float64       `mapstructure:"max_reasonable_price" validate:"gt=0"`
	FutureTimestampToleranceSeconds int           `mapstructure:"future_timestamp_tolerance_seconds" validate:"gte=0"`
	BarInterval                     time.Duration `mapstructure:"bar_interval" validate:"gt=0"`
}

// FutureTolerance returns the future timestamp tolerance as a duration.
func (m MarketDataConfig) FutureTolerance() time.Duration {
	return time.Duration(m.FutureTimestampToleranceSeconds) * time.Second
}

// StoreConfig holds trade plan store settings.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// LoggingConfig holds log sink settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
	Level      string `mapstructure:"level" validate:"omitempty,oneof=all trades_only errors_only"`
}

// Credentials holds API credentials.
type Credentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/auto-trader"
	}
	return filepath.Join(home, ".config", "auto-trader")
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("broker.host", "")
	v.SetDefault("broker.port", 0)
	v.SetDefault("broker.client_id", 1)
	v.SetDefault("broker.exchange", "NSE")
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.reconnect_attempts", 5)
	v.SetDefault("broker.reconnect_base_delay", time.Second)
	v.SetDefault("broker.graceful_shutdown", true)
	v.SetDefault("broker.paper", true)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", 60*time.Second)
	v.SetDefault("circuit_breaker.state_file", filepath.Join(configDir, "state", "circuit_breaker_state.json"))

	v.SetDefault("market_data.max_reasonable_price", 10000.0)
	v.SetDefault("market_data.future_timestamp_tolerance_seconds", 1)
	v.SetDefault("market_data.bar_interval", time.Minute)

	v.SetDefault("store.path", filepath.Join(configDir, "trader.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.level", "all")
}

// Default returns the configuration used when no file overrides anything.
func Default(configDir string) *Config {
	v := viper.New()
	setDefaults(v, configDir)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("AUTOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Paper trading runs without credentials; Validate enforces them for live mode.
			return nil
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.AccessToken = v
	}
}

var validate = validator.New()

// Validate validates the configuration. Every violation is reported as a
// ConfigurationError; multiple violations are combined.
func (c *Config) Validate() error {
	var err error

	if verr := validate.Struct(c); verr != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(verr, &fieldErrs) {
			for _, fe := range fieldErrs {
				err = multierr.Append(err, apperrors.NewConfigurationError(
					fieldName(fe.Namespace()), fe.Value(), describeTag(fe)))
			}
		} else {
			err = multierr.Append(err, verr)
		}
	}

	if !c.Broker.Paper {
		if c.Credentials.APIKey == "" {
			err = multierr.Append(err, apperrors.NewConfigurationError("credentials.api_key", "", "required for live trading"))
		}
		if c.Credentials.AccessToken == "" {
			err = multierr.Append(err, apperrors.NewConfigurationError("credentials.access_token", "", "required for live trading"))
		}
	}
	if c.Broker.Host == "" && c.Broker.Port != 0 {
		err = multierr.Append(err, apperrors.NewConfigurationError("broker.port", c.Broker.Port, "port set without host"))
	}
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		err = multierr.Append(err, apperrors.NewConfigurationError("notifications.webhook_url", "", "required when notifications are enabled"))
	}

	return err
}

func (c *Config) expandPaths() {
	c.CircuitBreaker.StateFile = expandHome(c.CircuitBreaker.StateFile)
	c.Store.Path = expandHome(c.Store.Path)
	c.Logging.FilePath = expandHome(c.Logging.FilePath)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// BrokerBaseURI returns the REST root for a custom host, or "" to use the library default.
func (c *Config) BrokerBaseURI() string {
	if c.Broker.Host == "" {
		return ""
	}
	if c.Broker.Port == 0 {
		return "https://" + c.Broker.Host
	}
	return fmt.Sprintf("https://%s:%d", c.Broker.Host, c.Broker.Port)
}

// fieldName turns "Config.Broker.ClientID" into "Broker.ClientID".
func fieldName(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
