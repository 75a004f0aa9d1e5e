// Package config resolves runtime configuration in priority order:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"disputeflow/deadline"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string

	StorageDriver string
	DatabaseURL   string
	MaxDBConns    int32

	// RedisURL is a redis:// URL or host:port. Empty disables Redis: the
	// reinsertion index stays in memory and sweeps run unlocked.
	RedisURL string

	JWTSecret string
	TokenTTL  time.Duration

	LogLevel  string
	LogFormat string

	SweepInterval       time.Duration
	SweepDisputeTimeout time.Duration
	SweepConcurrency    int

	Tier2CureDays         int
	ReinsertionWindowDays int
}

// ReinsertionWindow is the watch window as a duration.
func (c Config) ReinsertionWindow() time.Duration {
	return time.Duration(c.ReinsertionWindowDays) * 24 * time.Hour
}

// configFile mirrors the YAML schema. Durations are Go duration strings.
type configFile struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"storage"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		TokenTTL  string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Sweep struct {
		Interval       string `yaml:"interval"`
		DisputeTimeout string `yaml:"dispute_timeout"`
		Concurrency    int    `yaml:"concurrency"`
	} `yaml:"sweep"`
	Rules struct {
		Tier2CureDays         int `yaml:"tier2_cure_days"`
		ReinsertionWindowDays int `yaml:"reinsertion_window_days"`
	} `yaml:"rules"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:              ":8080",
		StorageDriver:         DriverMemory,
		MaxDBConns:            10,
		TokenTTL:              24 * time.Hour,
		LogLevel:              "info",
		LogFormat:             "json",
		SweepInterval:         time.Minute,
		SweepDisputeTimeout:   30 * time.Second,
		SweepConcurrency:      4,
		Tier2CureDays:         deadline.DefaultTier2CureDays,
		ReinsertionWindowDays: 90,
	}
}

// Load resolves the configuration. A missing file at path is not an error;
// a .env file in the working directory is loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	setString(&cfg.HTTPAddr, f.HTTP.Addr)
	setString(&cfg.StorageDriver, f.Storage.Driver)
	setString(&cfg.DatabaseURL, f.Storage.DatabaseURL)
	if f.Storage.MaxConns > 0 {
		cfg.MaxDBConns = f.Storage.MaxConns
	}
	setString(&cfg.RedisURL, f.Redis.URL)
	setString(&cfg.JWTSecret, f.Auth.JWTSecret)
	setString(&cfg.LogLevel, f.Log.Level)
	setString(&cfg.LogFormat, f.Log.Format)
	if f.Sweep.Concurrency != 0 {
		cfg.SweepConcurrency = f.Sweep.Concurrency
	}
	if f.Rules.Tier2CureDays != 0 {
		cfg.Tier2CureDays = f.Rules.Tier2CureDays
	}
	if f.Rules.ReinsertionWindowDays != 0 {
		cfg.ReinsertionWindowDays = f.Rules.ReinsertionWindowDays
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"auth.token_ttl", f.Auth.TokenTTL, &cfg.TokenTTL},
		{"sweep.interval", f.Sweep.Interval, &cfg.SweepInterval},
		{"sweep.dispute_timeout", f.Sweep.DisputeTimeout, &cfg.SweepDisputeTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(envOrDefault("STORAGE_DRIVER", cfg.StorageDriver)))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.SweepConcurrency, err = envInt("SWEEP_CONCURRENCY", cfg.SweepConcurrency); err != nil {
		return err
	}
	if cfg.Tier2CureDays, err = envInt("TIER2_CURE_DAYS", cfg.Tier2CureDays); err != nil {
		return err
	}
	if cfg.ReinsertionWindowDays, err = envInt("REINSERTION_WINDOW_DAYS", cfg.ReinsertionWindowDays); err != nil {
		return err
	}
	conns, err := envInt("DB_MAX_CONNS", int(cfg.MaxDBConns))
	if err != nil {
		return err
	}
	cfg.MaxDBConns = int32(conns)
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return err
	}
	if cfg.SweepDisputeTimeout, err = envDuration("SWEEP_DISPUTE_TIMEOUT", cfg.SweepDisputeTimeout); err != nil {
		return err
	}
	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return err
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: storage driver %q requires DATABASE_URL", c.StorageDriver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.StorageDriver)
	}
	if c.SweepInterval <= 0 || c.SweepDisputeTimeout <= 0 || c.TokenTTL <= 0 {
		return fmt.Errorf("config: durations must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("config: sweep concurrency must be positive, got %d", c.SweepConcurrency)
	}
	if c.Tier2CureDays <= 0 || c.ReinsertionWindowDays <= 0 {
		return fmt.Errorf("config: rule windows must be positive")
	}
	if c.MaxDBConns <= 0 {
		return fmt.Errorf("config: max db conns must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return v, nil
}
