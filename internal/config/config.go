// Package config loads server configuration from an optional YAML file with
// environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort            = 6969
	DefaultRateLimit       = 100
	DefaultRatePeriod      = 60 * time.Second
	DefaultWaitTimeout     = 180 * time.Second
	DefaultOnlineWindow    = 5 * time.Minute
	DefaultRecentWindow    = time.Hour
	DefaultServiceStale    = 90 * time.Second
	DefaultMaxWaiters      = 128
	DefaultSQLitePath      = "foreman.db"
	DriverSQLite           = "sqlite"
	DriverMySQL            = "mysql"
)

// Config is the full server configuration.
type Config struct {
	Port int `yaml:"port"`

	// Database
	DBConnection string `yaml:"db_connection"` // sqlite | mysql
	DatabaseURL  string `yaml:"database_url"`  // sqlite path / DSN
	DBHost       string `yaml:"db_host"`
	DBPort       int    `yaml:"db_port"`
	DBName       string `yaml:"db_name"`
	DBUser       string `yaml:"db_user"`
	DBPassword   string `yaml:"db_password"`

	// Auth + rate limiting
	APIKey          string        `yaml:"api_key"`
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitPeriod time.Duration `yaml:"rate_limit_period"`

	// Dispatch + liveness windows
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	MaxWaiters    int           `yaml:"max_waiters"`
	OnlineWindow  time.Duration `yaml:"online_window"`
	RecentWindow  time.Duration `yaml:"recent_window"`
	ServiceStale  time.Duration `yaml:"service_stale"`

	// Telemetry (empty disables)
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads the optional YAML file at path (skipped when empty or missing),
// then overlays environment variables, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fine, env + defaults only
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.overlayEnv()
	cfg.fillDefaults()

	if cfg.DBConnection != DriverSQLite && cfg.DBConnection != DriverMySQL {
		return nil, fmt.Errorf("unsupported DB_CONNECTION %q (want sqlite or mysql)", cfg.DBConnection)
	}
	return cfg, nil
}

func (c *Config) overlayEnv() {
	intEnv("SERVICE_PORT", &c.Port)
	strEnv("DB_CONNECTION", &c.DBConnection)
	strEnv("DATABASE_URL", &c.DatabaseURL)
	strEnv("DB_HOST", &c.DBHost)
	intEnv("DB_PORT", &c.DBPort)
	strEnv("DB_NAME", &c.DBName)
	strEnv("DB_USER", &c.DBUser)
	strEnv("DB_PASSWORD", &c.DBPassword)
	strEnv("API_KEY", &c.APIKey)
	intEnv("API_RATE_LIMIT", &c.RateLimit)
	secondsEnv("API_RATE_LIMIT_PERIOD", &c.RateLimitPeriod)
	secondsEnv("DISPATCHER_WAIT_SECONDS", &c.WaitTimeout)
	intEnv("DISPATCHER_MAX_WAITERS", &c.MaxWaiters)
	secondsEnv("AGENT_ONLINE_WINDOW_SECONDS", &c.OnlineWindow)
	secondsEnv("AGENT_RECENT_WINDOW_SECONDS", &c.RecentWindow)
	secondsEnv("SERVICE_STALE_SECONDS", &c.ServiceStale)
	strEnv("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
}

func (c *Config) fillDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DBConnection == "" {
		c.DBConnection = DriverSQLite
	}
	if c.DBConnection == DriverSQLite && c.DatabaseURL == "" {
		c.DatabaseURL = DefaultSQLitePath
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitPeriod == 0 {
		c.RateLimitPeriod = DefaultRatePeriod
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxWaiters == 0 {
		c.MaxWaiters = DefaultMaxWaiters
	}
	if c.OnlineWindow == 0 {
		c.OnlineWindow = DefaultOnlineWindow
	}
	if c.RecentWindow == 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	if c.ServiceStale == 0 {
		c.ServiceStale = DefaultServiceStale
	}
}

func strEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func secondsEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
