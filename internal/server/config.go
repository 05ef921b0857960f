// Package server provides configuration helpers that define runtime
// defaults, validation, and per-connection limits for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LINECHAT_ADDR.
const EnvPrefix = "LINECHAT"

// RateLimitConfig defines the parameters for per-connection frame rate
// limiting. A zero Burst disables it.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// LogConfig selects the slog level and handler format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds the relay configuration.
type Config struct {
	Addr            string          `mapstructure:"addr"`
	HTTPAddr        string          `mapstructure:"http_addr"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxLineBytes    int             `mapstructure:"max_line_bytes"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	MailboxLimit    int             `mapstructure:"mailbox_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Log             LogConfig       `mapstructure:"log"`
}

func defaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		HTTPAddr:        "",
		AllowedOrigins:  []string{"http://localhost:8081"},
		ShutdownTimeout: 5 * time.Second,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// SetDefaults registers every key with viper so that environment variables
// are picked up by Unmarshal even when no config file sets them.
func SetDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_line_bytes", d.MaxLineBytes)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("mailbox_limit", d.MailboxLimit)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// BindEnv enables LINECHAT_* overrides; nested keys use underscores,
// e.g. LINECHAT_RATE_LIMIT_BURST.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig reads the optional config file named by the "config" key,
// unmarshals everything into a Config and sanitizes it.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	sanitized, err := sanitizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &sanitized, nil
}

func sanitizeConfig(cfg Config) (Config, error) {
	d := defaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.MaxLineBytes < 0 {
		cfg.MaxLineBytes = 0
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.MailboxLimit < 0 {
		cfg.MailboxLimit = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	switch cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format)); cfg.Log.Format {
	case "":
		cfg.Log.Format = d.Log.Format
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid log format %q: want text or json", cfg.Log.Format)
	}

	return cfg, nil
}

// parseOrigins splits comma-joined entries (as they arrive from the
// environment) and trims whitespace.
func parseOrigins(origins []string) []string {
	var parsed []string
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parsed = append(parsed, part)
			}
		}
	}
	return parsed
}

// ReaderOptions returns the per-connection limits from the config.
func (c *Config) ReaderOptions() ReaderOptions {
	return ReaderOptions{
		MaxLineBytes: c.MaxLineBytes,
		WriteTimeout: c.WriteTimeout,
		RateLimit:    c.RateLimit,
	}
}
