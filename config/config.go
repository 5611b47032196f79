/*
Package config loads runtime settings from defaults, an optional config file,
a .env file and OBLIGATIONS_* environment variables.

PRECEDENCE (highest first):
  1. Command-line flags bound by cmd/server
  2. Environment variables (OBLIGATIONS_IMPORT_CHUNK_SIZE -> import.chunk_size)
  3. Config file (--config, YAML/JSON/TOML)
  4. Defaults below

USAGE:
  v := viper.New()
  cfg, err := config.Load(v, configFile)
  logger := cfg.Logger(os.Stderr)
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/obligation-engine/timeline"
)

const envPrefix = "OBLIGATIONS"

// Config is the fully resolved configuration.
type Config struct {
	Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	DB       string `mapstructure:"db" validate:"required"`
	Timezone string `mapstructure:"timezone" validate:"required,timezone"`
	Catalog  string `mapstructure:"catalog"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Import    ImportConfig    `mapstructure:"import"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Timeline  TimelineConfig  `mapstructure:"timeline"`
}

// ImportConfig tunes the bulk importer.
type ImportConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size" validate:"gte=1,lte=10000"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout" validate:"gte=0"`
	Concurrency  int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
}

// SchedulerConfig controls background jobs.
type SchedulerConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	MaintenanceInterval    time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
	DuplicateCheckInterval time.Duration `mapstructure:"duplicate_check_interval" validate:"gt=0"`
	AutoRemoveDuplicates   bool          `mapstructure:"auto_remove_duplicates"`
}

// TimelineConfig controls generation.
type TimelineConfig struct {
	OneTimeGraceDays int `mapstructure:"one_time_grace_days" validate:"gte=0"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db", "obligations.db")
	v.SetDefault("timezone", "Asia/Kolkata")
	v.SetDefault("catalog", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("import.chunk_size", 100)
	v.SetDefault("import.max_retries", 2)
	v.SetDefault("import.chunk_timeout", 30*time.Second)
	v.SetDefault("import.concurrency", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.maintenance_interval", 24*time.Hour)
	v.SetDefault("scheduler.duplicate_check_interval", time.Hour)
	v.SetDefault("scheduler.auto_remove_duplicates", false)

	v.SetDefault("timeline.one_time_grace_days", 30)
}

// Load resolves the configuration. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks cfg and names the first bad key the way it is spelled in
// config files.
func validate(cfg *Config) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})

	err := v.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	field := verrs[0].Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return &timeline.ValidationError{
		Field:  field,
		Reason: fmt.Sprintf("failed %q check (value %v)", verrs[0].Tag(), verrs[0].Value()),
	}
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// OneTimeGrace is the due-date offset of one-time instances.
func (c *Config) OneTimeGrace() time.Duration {
	return time.Duration(c.Timeline.OneTimeGraceDays) * 24 * time.Hour
}

// Logger builds a text slog logger at the configured level. A nil writer
// means stderr.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}))
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
