package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./extensions", cfg.Extensions.Dir)
	assert.Empty(t, cfg.Extensions.CatalogPath)
	assert.False(t, cfg.Extensions.Watch)
	assert.Equal(t, 2*time.Second, cfg.Extensions.WatchDebounce)
	assert.Equal(t, time.Hour, cfg.Injection.CacheTTL)
	assert.Equal(t, 50000, cfg.Rules.MaxConverted)
	assert.Equal(t, 10*time.Second, cfg.Background.ExecTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("EXTENSIONS_DIR", "/tmp/ext")
	t.Setenv("WATCH_EXTENSIONS", "true")
	t.Setenv("WATCH_DEBOUNCE", "500ms")
	t.Setenv("MAX_CONVERTED_RULES", "1000")
	t.Setenv("BACKGROUND_EXEC_TIMEOUT", "3s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ext", cfg.Extensions.Dir)
	assert.True(t, cfg.Extensions.Watch)
	assert.Equal(t, 500*time.Millisecond, cfg.Extensions.WatchDebounce)
	assert.Equal(t, 1000, cfg.Rules.MaxConverted)
	assert.Equal(t, 3*time.Second, cfg.Background.ExecTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero rule ceiling", "MAX_CONVERTED_RULES", "0"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
		{"unknown log format", "LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_CustomRules(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Extensions.Dir = "./extensions"
		cfg.Extensions.WatchDebounce = time.Second
		cfg.Rules.MaxConverted = 100
		cfg.Logging.Level = "info"
		cfg.Logging.Format = "json"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("empty extensions dir", func(t *testing.T) {
		cfg := base()
		cfg.Extensions.Dir = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("negative exec timeout", func(t *testing.T) {
		cfg := base()
		cfg.Background.ExecTimeout = -time.Second
		assert.Error(t, Validate(cfg))
	})

	t.Run("watch debounce too small", func(t *testing.T) {
		cfg := base()
		cfg.Extensions.Watch = true
		cfg.Extensions.WatchDebounce = 10 * time.Millisecond
		assert.Error(t, Validate(cfg))
	})

	t.Run("small debounce fine when not watching", func(t *testing.T) {
		cfg := base()
		cfg.Extensions.WatchDebounce = 10 * time.Millisecond
		assert.NoError(t, Validate(cfg))
	})
}

func TestEnsureDirectories(t *testing.T) {
	cfg := &Config{}
	cfg.Extensions.Dir = filepath.Join(t.TempDir(), "nested", "extensions")
	cfg.Extensions.WatchDebounce = time.Second
	cfg.Rules.MaxConverted = 1
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Extensions.Dir)
}
