// Package config loads the extension runtime's configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the extension runtime
type Config struct {
	Extensions struct {
		// Dir is the root under which installed extensions live, one
		// directory per extension id.
		Dir string `env:"EXTENSIONS_DIR" envDefault:"./extensions"`
		// CatalogPath overrides the catalog file location; empty means
		// <Dir>/catalog.json.
		CatalogPath string `env:"EXTENSIONS_CATALOG"`
		// Watch enables the filesystem watcher that rescans on change.
		Watch         bool          `env:"WATCH_EXTENSIONS" envDefault:"false"`
		WatchDebounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`
	}

	Injection struct {
		CacheTTL time.Duration `env:"INJECTION_CACHE_TTL" envDefault:"1h"`
	}

	Rules struct {
		// MaxConverted caps how many third-party rules are converted per
		// extension.
		MaxConverted int `env:"MAX_CONVERTED_RULES" envDefault:"50000" validate:"min=1"`
	}

	Background struct {
		// ExecTimeout bounds one background script evaluation.
		ExecTimeout time.Duration `env:"BACKGROUND_EXEC_TIMEOUT" envDefault:"10s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	}
}

// Load loads configuration from environment variables and .env files
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration using struct tags
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Extensions.Dir == "" {
		return fmt.Errorf("extensions directory cannot be empty")
	}
	if cfg.Background.ExecTimeout < 0 {
		return fmt.Errorf("background exec timeout cannot be negative")
	}
	if cfg.Extensions.Watch && cfg.Extensions.WatchDebounce < 100*time.Millisecond {
		return fmt.Errorf("watch debounce must be at least 100ms")
	}

	return nil
}

// EnsureDirectories creates all required directories
func (cfg *Config) EnsureDirectories() error {
	if err := os.MkdirAll(cfg.Extensions.Dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", cfg.Extensions.Dir, err)
	}
	return nil
}

// SetupLogger applies the logging configuration globally.
func (cfg *Config) SetupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339

	switch cfg.Logging.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.Logging.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// formatValidationError formats validation errors into readable messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, e := range validationErrors {
			switch e.Tag() {
			case "required":
				messages = append(messages, fmt.Sprintf("%s is required", e.Field()))
			case "min":
				messages = append(messages, fmt.Sprintf("%s must be at least %s", e.Field(), e.Param()))
			case "oneof":
				messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param()))
			default:
				messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag()))
			}
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}
