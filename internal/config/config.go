package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is the persona sent as the first context message.
const DefaultSystemPrompt = "You are a helpful assistant who is a sports trainer. " +
	"You will be given a series of messages, and you should respond to the last message. " +
	"The provided chat history includes a summary of the earlier conversation."

// ChatConfig holds configuration for the chat command.
type ChatConfig struct {
	ChunkSize           int     `yaml:"chunk_size"`
	Policy              string  `yaml:"policy"`
	Overlap             int     `yaml:"overlap"`
	Provider            string  `yaml:"provider"`
	OpenAIBaseURL       string  `yaml:"openai_base_url"`
	OpenAIAPIKey        string  `yaml:"openai_api_key"`
	AnthropicAPIKey     string  `yaml:"anthropic_api_key"`
	AnthropicBaseURL    string  `yaml:"anthropic_base_url"`
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
	Stop                string  `yaml:"stop"`
	SystemPrompt        string  `yaml:"system_prompt"`
	DBPath              string  `yaml:"db_path"`
	ModelTimeoutSeconds int     `yaml:"model_timeout_seconds"`
	MaxWallTimeSeconds  int     `yaml:"max_wall_time_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	MaxContextTokens    int     `yaml:"max_context_tokens"`
	BreakerThreshold    int     `yaml:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_seconds"`
	DummyScript         string  `yaml:"dummy_script"`
	StripThink          bool    `yaml:"strip_think"`
	LogLevel            string  `yaml:"log_level"`
	TelegramBotToken    string  `yaml:"telegram_bot_token"`
	TelegramAPIServer   string  `yaml:"telegram_api_server"`
	PollTimeoutSeconds  int     `yaml:"poll_timeout_seconds"`
}

// DefaultChatConfig returns the built-in defaults: a local Ollama endpoint
// speaking the OpenAI protocol.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		ChunkSize:           20,
		Policy:              "chunk",
		Overlap:             10,
		Provider:            "openai",
		OpenAIBaseURL:       "http://localhost:11434/v1",
		OpenAIAPIKey:        "ollama",
		Model:               "llama3.1:8b",
		Temperature:         0.5,
		MaxTokens:           512,
		Stop:                "<|endoftext|>",
		SystemPrompt:        DefaultSystemPrompt,
		ModelTimeoutSeconds: 120,
		MaxWallTimeSeconds:  300,
		MaxRetries:          2,
		BreakerThreshold:    5,
		BreakerCooldownSecs: 30,
		DummyScript:         "ok",
		StripThink:          true,
		LogLevel:            "info",
		PollTimeoutSeconds:  30,
	}
}

// LoadChatConfig builds the configuration from defaults, then the YAML file
// at path (or CHATMEM_CONFIG when path is empty), then environment
// variables. A missing file named by path is an error; no file at all is not.
func LoadChatConfig(path string) (ChatConfig, error) {
	cfg := DefaultChatConfig()

	if path == "" {
		path = os.Getenv("CHATMEM_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return ChatConfig{}, err
		}
	}

	cfg.ChunkSize = envIntOrDefault("CHATMEM_CHUNK_SIZE", cfg.ChunkSize)
	cfg.Policy = envOrDefault("CHATMEM_POLICY", cfg.Policy)
	cfg.Overlap = envIntOrDefault("CHATMEM_OVERLAP", cfg.Overlap)
	cfg.Provider = envOrDefault("CHATMEM_PROVIDER", cfg.Provider)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = envOrDefault("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicBaseURL = envOrDefault("ANTHROPIC_BASE_URL", cfg.AnthropicBaseURL)
	cfg.Model = envOrDefault("CHATMEM_MODEL", cfg.Model)
	cfg.Temperature = envFloatOrDefault("CHATMEM_TEMPERATURE", cfg.Temperature)
	cfg.MaxTokens = envIntOrDefault("CHATMEM_MAX_TOKENS", cfg.MaxTokens)
	cfg.Stop = envOrDefault("CHATMEM_STOP", cfg.Stop)
	cfg.SystemPrompt = envOrDefault("CHATMEM_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.DBPath = envOrDefault("CHATMEM_DB_PATH", cfg.DBPath)
	cfg.ModelTimeoutSeconds = envIntOrDefault("CHATMEM_MODEL_TIMEOUT_SECONDS", cfg.ModelTimeoutSeconds)
	cfg.MaxWallTimeSeconds = envIntOrDefault("CHATMEM_MAX_WALL_TIME_SECONDS", cfg.MaxWallTimeSeconds)
	cfg.MaxRetries = envIntOrDefault("CHATMEM_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxContextTokens = envIntOrDefault("CHATMEM_MAX_CONTEXT_TOKENS", cfg.MaxContextTokens)
	cfg.BreakerThreshold = envIntOrDefault("CHATMEM_BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldownSecs = envIntOrDefault("CHATMEM_BREAKER_COOLDOWN_SECONDS", cfg.BreakerCooldownSecs)
	cfg.DummyScript = envOrDefault("CHATMEM_DUMMY_SCRIPT", cfg.DummyScript)
	cfg.StripThink = envBoolOrDefault("CHATMEM_STRIP_THINK", cfg.StripThink)
	cfg.LogLevel = envOrDefault("CHATMEM_LOG_LEVEL", cfg.LogLevel)
	cfg.TelegramBotToken = envOrDefault("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	cfg.TelegramAPIServer = envOrDefault("TELEGRAM_API_SERVER", cfg.TelegramAPIServer)
	cfg.PollTimeoutSeconds = envIntOrDefault("CHATMEM_POLL_TIMEOUT_SECONDS", cfg.PollTimeoutSeconds)

	if err := cfg.Validate(); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *ChatConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks ranges and cross-field constraints. Errors name the
// environment variable that controls the offending value.
func (c ChatConfig) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHATMEM_CHUNK_SIZE must be >= 1, got %d", c.ChunkSize)
	}
	switch strings.ToLower(c.Policy) {
	case "chunk":
	case "overlap":
		if c.Overlap <= 0 || c.Overlap >= c.ChunkSize {
			return fmt.Errorf("CHATMEM_OVERLAP must be in (0, %d) for the overlap policy, got %d", c.ChunkSize, c.Overlap)
		}
	default:
		return fmt.Errorf("CHATMEM_POLICY must be chunk or overlap, got %q", c.Policy)
	}
	switch c.Provider {
	case "openai", "dummy":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when CHATMEM_PROVIDER=anthropic")
		}
	default:
		return fmt.Errorf("CHATMEM_PROVIDER must be openai, anthropic or dummy, got %q", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("CHATMEM_MODEL must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("CHATMEM_TEMPERATURE must be in [0, 2], got %g", c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("CHATMEM_MAX_TOKENS must be >= 1, got %d", c.MaxTokens)
	}
	if c.ModelTimeoutSeconds < 1 {
		return fmt.Errorf("CHATMEM_MODEL_TIMEOUT_SECONDS must be >= 1, got %d", c.ModelTimeoutSeconds)
	}
	if c.MaxWallTimeSeconds < 0 {
		return fmt.Errorf("CHATMEM_MAX_WALL_TIME_SECONDS must be >= 0, got %d", c.MaxWallTimeSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("CHATMEM_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxContextTokens < 0 {
		return fmt.Errorf("CHATMEM_MAX_CONTEXT_TOKENS must be >= 0, got %d", c.MaxContextTokens)
	}
	if c.PollTimeoutSeconds < 0 {
		return fmt.Errorf("CHATMEM_POLL_TIMEOUT_SECONDS must be >= 0, got %d", c.PollTimeoutSeconds)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("CHATMEM_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

// StopSequences returns the configured stop sequence, or nil when disabled.
func (c ChatConfig) StopSequences() []string {
	if c.Stop == "" {
		return nil
	}
	return []string{c.Stop}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
