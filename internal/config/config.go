package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/captcha"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Captcha    CaptchaConfig    `yaml:"captcha"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains server-related configuration.
// A zero port is replaced by the first free port in MinPort..MaxPort.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	GRPCPort        int           `yaml:"grpc_port" env:"GRPC_PORT"`
	MinPort         int           `yaml:"min_port" env:"MIN_PORT"`
	MaxPort         int           `yaml:"max_port" env:"MAX_PORT"`
	CaptchaPath     string        `yaml:"captcha_path" env:"CAPTCHA_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// RedisConfig contains Redis-related configuration
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled" env:"REDIS_ENABLED"`
	URL            string        `yaml:"url" env:"REDIS_URL"`
	KeyPrefix      string        `yaml:"key_prefix"`
	PoolSize       int           `yaml:"pool_size"`
	MinIdleConns   int           `yaml:"min_idle_conns"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectRetries uint64        `yaml:"connect_retries"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// CaptchaConfig contains captcha-related configuration
type CaptchaConfig struct {
	IconPath string                  `yaml:"icon_path" env:"ICON_PATH"`
	Themes   map[string]domain.Theme `yaml:"themes"`
	Messages domain.Messages         `yaml:"messages"`
	Image    ImageConfig             `yaml:"image"`
	Attempts AttemptsConfig          `yaml:"attempts"`
	Token    bool                    `yaml:"token" env:"CAPTCHA_TOKEN"`
	Session  SessionConfig           `yaml:"session"`
}

// ImageConfig contains challenge image settings
type ImageConfig struct {
	AvailableIcons int          `yaml:"available_icons"`
	Amount         AmountConfig `yaml:"amount"`
	Rotate         bool         `yaml:"rotate"`
	Flip           FlipConfig   `yaml:"flip"`
	Border         bool         `yaml:"border"`
}

// AmountConfig bounds the number of icons per challenge
type AmountConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// FlipConfig toggles random icon mirroring
type FlipConfig struct {
	Horizontally bool `yaml:"horizontally"`
	Vertically   bool `yaml:"vertically"`
}

// AttemptsConfig contains lockout settings
type AttemptsConfig struct {
	Amount  int           `yaml:"amount"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig contains visitor session settings
type SessionConfig struct {
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl" env:"SESSION_TTL"`
	Secure     bool          `yaml:"secure" env:"SESSION_SECURE"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	IPBlocking IPBlockingConfig `yaml:"ip_blocking"`
	// TrustedProxies lists proxy addresses or CIDR ranges whose forwarding headers are believed
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"RATE_LIMIT_RPM"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// IPBlockingConfig contains settings for blocking clients that keep failing submissions
type IPBlockingConfig struct {
	Enabled           bool          `yaml:"enabled" env:"IP_BLOCKING_ENABLED"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	BlockDuration     time.Duration `yaml:"block_duration"`
}

// MonitoringConfig contains monitoring-related configuration
type MonitoringConfig struct {
	PrometheusPort  int           `yaml:"prometheus_port" env:"METRICS_PORT"`
	MetricsPath     string        `yaml:"metrics_path"`
	HealthCheckPath string        `yaml:"health_check_path"`
	Logging         LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// DefaultConfig returns the configuration used when no file overrides a value
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MinPort:         38000,
			MaxPort:         38100,
			CaptchaPath:     "/iconcaptcha",
			ShutdownTimeout: 30 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			KeyPrefix:      "iconcaptcha:session:",
			PoolSize:       10,
			MinIdleConns:   2,
			MaxRetries:     3,
			ConnectRetries: 5,
			DialTimeout:    5 * time.Second,
			ReadTimeout:    3 * time.Second,
			WriteTimeout:   3 * time.Second,
		},
		Captcha: CaptchaConfig{
			IconPath: "assets/icons",
			Themes:   domain.DefaultThemes(),
			Messages: domain.DefaultMessages(),
			Image: ImageConfig{
				AvailableIcons: 250,
				Amount:         AmountConfig{Min: 5, Max: 8},
				Rotate:         true,
				Flip:           FlipConfig{Horizontally: true, Vertically: true},
				Border:         true,
			},
			Attempts: AttemptsConfig{Amount: 5, Timeout: 30 * time.Second},
			Token:    true,
			Session: SessionConfig{
				CookieName: "iconcaptcha_session",
				TTL:        time.Hour,
			},
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				CleanupInterval:   time.Minute,
			},
			IPBlocking: IPBlockingConfig{
				Enabled:           true,
				MaxFailedAttempts: 10,
				BlockDuration:     15 * time.Minute,
			},
		},
		Monitoring: MonitoringConfig{
			MetricsPath:     "/metrics",
			HealthCheckPath: "/health",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
	}
}

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from YAML file if it exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, config)
}

// overrideWithEnv applies an optional .env file and then the process environment
func overrideWithEnv(config *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read .env: %w", err)
	}

	return env.Parse(config)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Validate server configuration
	if config.Server.MinPort <= 0 || config.Server.MaxPort <= 0 {
		return fmt.Errorf("invalid port range: min=%d, max=%d", config.Server.MinPort, config.Server.MaxPort)
	}
	if config.Server.MinPort >= config.Server.MaxPort {
		return fmt.Errorf("min port must be less than max port: min=%d, max=%d", config.Server.MinPort, config.Server.MaxPort)
	}
	if config.Server.CaptchaPath == "" || config.Server.CaptchaPath[0] != '/' {
		return fmt.Errorf("captcha path must start with '/': %q", config.Server.CaptchaPath)
	}

	// Validate captcha configuration
	image := config.Captcha.Image
	if err := captcha.ValidateIconRange(image.Amount.Min, image.Amount.Max); err != nil {
		return err
	}
	if image.AvailableIcons < 3 {
		return fmt.Errorf("available icons must be at least 3: %d", image.AvailableIcons)
	}
	if config.Captcha.IconPath == "" {
		return fmt.Errorf("icon path is required")
	}
	if config.Captcha.Attempts.Amount <= 0 {
		return fmt.Errorf("attempts amount must be positive: %d", config.Captcha.Attempts.Amount)
	}
	if config.Captcha.Attempts.Timeout < 0 {
		return fmt.Errorf("attempts timeout must not be negative: %v", config.Captcha.Attempts.Timeout)
	}
	for name, theme := range config.Captcha.Themes {
		if theme.Mode != domain.ModeLight && theme.Mode != domain.ModeDark {
			return fmt.Errorf("theme %q has unknown mode %q", name, theme.Mode)
		}
		if len(theme.Color) != 0 && len(theme.Color) != 3 {
			return fmt.Errorf("theme %q color must have 3 channels, got %d", name, len(theme.Color))
		}
	}
	if config.Captcha.Session.CookieName == "" {
		return fmt.Errorf("session cookie name is required")
	}

	// Validate Redis configuration
	if config.Redis.Enabled && config.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if config.Security.RateLimit.Enabled && config.Security.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive: %d", config.Security.RateLimit.RequestsPerMinute)
	}

	if _, err := security.NewIPResolver(config.Security.TrustedProxies); err != nil {
		return err
	}

	if blocking := config.Security.IPBlocking; blocking.Enabled {
		if blocking.MaxFailedAttempts <= 0 {
			return fmt.Errorf("max failed attempts must be positive: %d", blocking.MaxFailedAttempts)
		}
		if blocking.BlockDuration <= 0 {
			return fmt.Errorf("block duration must be positive: %v", blocking.BlockDuration)
		}
	}

	return nil
}
