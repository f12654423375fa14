package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Values are resolved in order:
// defaults, optional YAML file, .env file, process environment.
type Config struct {
	HTTPPort  string `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	StaticDir string `yaml:"static_dir"`
	// MaxUploadMB caps the request body of a message with attachments.
	MaxUploadMB int `yaml:"max_upload_mb"`

	Store struct {
		Backend     string `yaml:"backend"` // "file" or "sqlite"
		DataDir     string `yaml:"data_dir"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"store"`

	LLM struct {
		Backend       string `yaml:"backend"` // "ollama", "openai" or "gemini"
		OllamaBaseURL string `yaml:"ollama_base_url"`
		OpenAIBaseURL string `yaml:"openai_base_url"`
		OpenAIAPIKey  string `yaml:"openai_api_key"`
		GeminiAPIKey  string `yaml:"gemini_api_key"`
		VisionModel   string `yaml:"vision_model"`
		TitleModel    string `yaml:"title_model"`
	} `yaml:"llm"`

	Chat struct {
		ContextWindow int    `yaml:"context_window"`
		MaxToolRounds int    `yaml:"max_tool_rounds"`
		SearchMarker  string `yaml:"search_marker"`
	} `yaml:"chat"`

	Search struct {
		MaxResults    int `yaml:"max_results"`
		RatePerMinute int `yaml:"rate_per_minute"`
	} `yaml:"search"`
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{
		HTTPPort:  "5005",
		LogLevel:  "INFO",
		LogFormat: "text",
		StaticDir: "static",

		MaxUploadMB: 50,
	}

	cfg.Store.Backend = "file"
	cfg.Store.DataDir = "chats"
	cfg.Store.DatabaseURL = "chats.db"

	cfg.LLM.Backend = "ollama"
	cfg.LLM.OllamaBaseURL = "http://localhost:11434"
	cfg.LLM.OpenAIBaseURL = "http://localhost:11434/v1"

	cfg.Chat.ContextWindow = 20
	cfg.Chat.MaxToolRounds = 3
	cfg.Chat.SearchMarker = "[Web Search Activated]"

	cfg.Search.MaxResults = 5
	cfg.Search.RatePerMinute = 20

	return cfg
}

// Load builds the configuration. path may be empty, in which case CHAT_CONFIG
// is consulted; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CHAT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}
	cfg.applyEnv()
	cfg.applyModelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.StaticDir = getEnv("STATIC_DIR", c.StaticDir)
	c.MaxUploadMB = getEnvAsInt("MAX_UPLOAD_MB", c.MaxUploadMB)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.DataDir = getEnv("DATA_DIR", c.Store.DataDir)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)

	c.LLM.Backend = getEnv("LLM_BACKEND", c.LLM.Backend)
	c.LLM.OllamaBaseURL = getEnv("OLLAMA_BASE_URL", c.LLM.OllamaBaseURL)
	c.LLM.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.LLM.GeminiAPIKey)
	c.LLM.VisionModel = getEnv("VISION_MODEL", c.LLM.VisionModel)
	c.LLM.TitleModel = getEnv("TITLE_MODEL", c.LLM.TitleModel)

	c.Chat.ContextWindow = getEnvAsInt("CONTEXT_WINDOW", c.Chat.ContextWindow)
	c.Chat.MaxToolRounds = getEnvAsInt("MAX_TOOL_ROUNDS", c.Chat.MaxToolRounds)
	c.Chat.SearchMarker = getEnv("SEARCH_MARKER", c.Chat.SearchMarker)

	c.Search.MaxResults = getEnvAsInt("SEARCH_RESULTS", c.Search.MaxResults)
	c.Search.RatePerMinute = getEnvAsInt("SEARCH_RATE_PER_MINUTE", c.Search.RatePerMinute)
}

// modelDefaults are the vision and title models per LLM backend. The openai
// backend defaults to Ollama's compatible endpoint and shares its names.
var modelDefaults = map[string]struct{ vision, title string }{
	"ollama": {"llava:latest", "gemma3:1b"},
	"openai": {"llava:latest", "gemma3:1b"},
	"gemini": {"gemini-1.5-flash-latest", "gemini-1.5-flash-latest"},
}

// applyModelDefaults fills unset model names for the selected backend.
func (c *Config) applyModelDefaults() {
	d, ok := modelDefaults[c.LLM.Backend]
	if !ok {
		return
	}
	if c.LLM.VisionModel == "" {
		c.LLM.VisionModel = d.vision
	}
	if c.LLM.TitleModel == "" {
		c.LLM.TitleModel = d.title
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.LLM.Backend {
	case "ollama", "openai":
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown llm backend %q", c.LLM.Backend)
	}

	if c.LLM.VisionModel == "" || c.LLM.TitleModel == "" {
		return errors.New("vision and title models must be set")
	}

	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d MB", c.MaxUploadMB)
	}
	if c.Chat.ContextWindow <= 0 {
		return fmt.Errorf("context window must be positive, got %d", c.Chat.ContextWindow)
	}
	if c.Chat.MaxToolRounds <= 0 {
		return fmt.Errorf("max tool rounds must be positive, got %d", c.Chat.MaxToolRounds)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search max results must be positive, got %d", c.Search.MaxResults)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
