package shared

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// UnifiedConfiguration holds infrastructure configuration shared by the API and the workers
type UnifiedConfiguration struct {
	Service  ServiceConfig  `json:"service"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServiceConfig holds HTTP service configuration
type ServiceConfig struct {
	HTTPRequestTimeout time.Duration `json:"http_timeout"`
	RequestRateLimit   time.Duration `json:"rate_limit"`
	MaxRetryAttempts   int           `json:"max_retries"`
	EnableMetrics      bool          `json:"enable_metrics"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	PingTimeout     time.Duration `json:"ping_timeout"`
}

// QueueConfig holds task queue configuration
type QueueConfig struct {
	Key          string        `json:"key"`
	PollTimeout  time.Duration `json:"poll_timeout"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	StaleAfter   time.Duration `json:"stale_after"`
	SweepEvery   time.Duration `json:"sweep_every"`
	ShutdownWait time.Duration `json:"shutdown_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	EnableJSON  bool   `json:"enable_json"`
	ServiceName string `json:"service_name"`
}

// NewDefaultUnifiedConfiguration returns production-ready default configuration
func NewDefaultUnifiedConfiguration() *UnifiedConfiguration {
	return &UnifiedConfiguration{
		Service: ServiceConfig{
			HTTPRequestTimeout: 30 * time.Second,
			RequestRateLimit:   1 * time.Second,
			MaxRetryAttempts:   2,
			EnableMetrics:      true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			PingTimeout:     5 * time.Second,
		},
		Queue: QueueConfig{
			Key:          "audit:queue",
			PollTimeout:  5 * time.Second,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			StaleAfter:   30 * time.Minute,
			SweepEvery:   10 * time.Minute,
			ShutdownWait: 20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			ServiceName: "glashaus",
		},
	}
}

// ValidateAndApplyDefaults validates configuration and applies defaults for invalid values
func (c *UnifiedConfiguration) ValidateAndApplyDefaults() {
	logger := logrus.WithField("component", "UnifiedConfiguration")
	defaults := NewDefaultUnifiedConfiguration()

	if c.Service.HTTPRequestTimeout <= 0 {
		c.Service.HTTPRequestTimeout = defaults.Service.HTTPRequestTimeout
		logger.Debug("Applied default Service.HTTPRequestTimeout")
	}

	if c.Service.RequestRateLimit <= 0 {
		c.Service.RequestRateLimit = defaults.Service.RequestRateLimit
		logger.Debug("Applied default Service.RequestRateLimit")
	}

	if c.Service.MaxRetryAttempts < 0 {
		c.Service.MaxRetryAttempts = defaults.Service.MaxRetryAttempts
		logger.Debug("Applied default Service.MaxRetryAttempts")
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
		logger.Debug("Applied default Database.MaxOpenConns")
	}

	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = defaults.Database.MaxIdleConns
		logger.Debug("Applied default Database.MaxIdleConns")
	}

	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = defaults.Database.ConnMaxLifetime
		logger.Debug("Applied default Database.ConnMaxLifetime")
	}

	if c.Database.PingTimeout <= 0 {
		c.Database.PingTimeout = defaults.Database.PingTimeout
		logger.Debug("Applied default Database.PingTimeout")
	}

	if c.Queue.Key == "" {
		c.Queue.Key = defaults.Queue.Key
		logger.Debug("Applied default Queue.Key")
	}

	if c.Queue.PollTimeout <= 0 {
		c.Queue.PollTimeout = defaults.Queue.PollTimeout
		logger.Debug("Applied default Queue.PollTimeout")
	}

	if c.Queue.StaleAfter <= 0 {
		c.Queue.StaleAfter = defaults.Queue.StaleAfter
		logger.Debug("Applied default Queue.StaleAfter")
	}

	if c.Queue.SweepEvery <= 0 {
		c.Queue.SweepEvery = defaults.Queue.SweepEvery
		logger.Debug("Applied default Queue.SweepEvery")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
		logger.Debug("Applied default Logging.Level")
	}

	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = defaults.Logging.ServiceName
		logger.Debug("Applied default Logging.ServiceName")
	}
}

// LoadFromJSON deserializes configuration from JSON
func (c *UnifiedConfiguration) LoadFromJSON(jsonData []byte) error {
	if err := json.Unmarshal(jsonData, c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	c.ValidateAndApplyDefaults()
	return nil
}

// LoadUnifiedConfiguration returns the defaults overlaid with the JSON file at path.
// An empty path means defaults only.
func LoadUnifiedConfiguration(path string) (*UnifiedConfiguration, error) {
	cfg := NewDefaultUnifiedConfiguration()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read infrastructure config %s: %w", path, err)
	}
	if err := cfg.LoadFromJSON(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}
