package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.applyModelDefaults()

	assert.Equal(t, "5005", cfg.HTTPPort)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "chats", cfg.Store.DataDir)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "llava:latest", cfg.LLM.VisionModel)
	assert.Equal(t, "gemma3:1b", cfg.LLM.TitleModel)
	assert.Equal(t, 20, cfg.Chat.ContextWindow)
	assert.Equal(t, 3, cfg.Chat.MaxToolRounds)
	assert.Equal(t, "[Web Search Activated]", cfg.Chat.SearchMarker)
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.Equal(t, 50, cfg.MaxUploadMB)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
http_port: "9000"
store:
  backend: sqlite
  database_url: /tmp/x.db
chat:
  context_window: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o644))

	t.Setenv("CONTEXT_WINDOW", "12")
	t.Setenv("VISION_MODEL", "llama3.2-vision")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 12, cfg.Chat.ContextWindow, "environment wins over the file")
	assert.Equal(t, "llama3.2-vision", cfg.LLM.VisionModel)
	assert.Equal(t, 3, cfg.Chat.MaxToolRounds, "unset keys keep defaults")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "5005", cfg.HTTPPort)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("missing models", func(t *testing.T) {
		cfg := Default()
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown store backend", func(t *testing.T) {
		cfg := Default()
		cfg.applyModelDefaults()
		cfg.Store.Backend = "redis"
		assert.Error(t, cfg.Validate())
	})

	t.Run("gemini requires key", func(t *testing.T) {
		cfg := Default()
		cfg.LLM.Backend = "gemini"
		cfg.applyModelDefaults()
		assert.Error(t, cfg.Validate())
		cfg.LLM.GeminiAPIKey = "k"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("non-positive window", func(t *testing.T) {
		cfg := Default()
		cfg.applyModelDefaults()
		cfg.Chat.ContextWindow = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive upload limit", func(t *testing.T) {
		cfg := Default()
		cfg.applyModelDefaults()
		cfg.MaxUploadMB = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestGetEnvAsInt_IgnoresGarbage(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvAsInt("CONFIG_TEST_INT", 7))
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "bogus"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_ModelDefaultsFollowBackend(t *testing.T) {
	t.Setenv("LLM_BACKEND", "gemini")
	t.Setenv("GEMINI_API_KEY", "k")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash-latest", cfg.LLM.VisionModel)
	assert.Equal(t, "gemini-1.5-flash-latest", cfg.LLM.TitleModel)

	t.Setenv("TITLE_MODEL", "gemini-2.0-flash")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.TitleModel, "explicit models are kept")
}
