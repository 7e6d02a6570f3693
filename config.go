package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries every tunable the process needs. It is loaded once at
// startup and handed to constructors explicitly; nothing reads the
// environment after LoadConfig returns.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8001"`
	Env        string `env:"GO_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// OpenRouter is the chat-completion gateway for every council model.
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	OpenRouterAPIURL string `env:"OPENROUTER_API_URL" envDefault:"https://openrouter.ai/api/v1/chat/completions"`

	// CouncilModels answer in stage 1 and rank in stage 2, in this order.
	CouncilModels []string `env:"COUNCIL_MODELS" envSeparator:"," envDefault:"openai/gpt-5.1,google/gemini-3-pro-preview,anthropic/claude-sonnet-4.5,x-ai/grok-4"`
	ChairmanModel string   `env:"CHAIRMAN_MODEL" envDefault:"google/gemini-3-pro-preview"`
	TitleModel    string   `env:"TITLE_MODEL" envDefault:"google/gemini-2.5-flash"`

	// ExcludeFailedRaters keeps models that produced no stage-1 answer out
	// of the ranking round. Off by default: a model that timed out answering
	// can still judge.
	ExcludeFailedRaters bool `env:"EXCLUDE_FAILED_RATERS" envDefault:"false"`

	ModelQueryTimeout time.Duration `env:"MODEL_QUERY_TIMEOUT" envDefault:"120s"`
	TitleGenTimeout   time.Duration `env:"TITLE_GEN_TIMEOUT" envDefault:"30s"`

	// OpenAI credentials drive the voice path (realtime transcription and
	// speech synthesis). Leaving the key empty disables voice sessions.
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	RealtimeAPIURL    string        `env:"OPENAI_REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"`
	SpeechAPIURL      string        `env:"OPENAI_SPEECH_URL" envDefault:"https://api.openai.com/v1/audio/speech"`
	TTSModel          string        `env:"TTS_MODEL" envDefault:"tts-1"`
	TTSVoice          string        `env:"TTS_VOICE" envDefault:"alloy"`
	TTSFormat         string        `env:"TTS_FORMAT" envDefault:"mp3"`
	TranscribeTimeout time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"60s"`
	SpeechTimeout     time.Duration `env:"SPEECH_TIMEOUT" envDefault:"120s"`

	// JWTSecret verifies bearer tokens. Issuance lives outside this service.
	JWTSecret    string        `env:"JWT_SECRET"`
	AuthCacheTTL time.Duration `env:"AUTH_CACHE_TTL" envDefault:"5m"`

	DataDir     string `env:"DATA_DIR" envDefault:"data/conversations"`
	UsersDBPath string `env:"USERS_DB_PATH" envDefault:"data/users.db"`

	// CORSAllowedOrigins lists the exact origins allowed in production. When
	// empty, any localhost origin is accepted (development).
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// MaxRequestBodySize caps request bodies (default 1MB).
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// LoadConfig reads an optional .env file, then the environment, and
// validates the result.
func LoadConfig() (Config, error) {
	// Try a .env alongside the binary first, then one directory up, so the
	// backend can run from the repo root or its own directory.
	for _, envPath := range []string{".env", "../.env"} {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				break
			}
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or contradictory setting.
func (c Config) Validate() error {
	if c.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.CouncilModels) == 0 {
		return fmt.Errorf("COUNCIL_MODELS must name at least one model")
	}
	for _, model := range c.CouncilModels {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("COUNCIL_MODELS contains an empty model name")
		}
	}
	if c.ChairmanModel == "" {
		return fmt.Errorf("CHAIRMAN_MODEL must name a model")
	}
	if c.ModelQueryTimeout <= 0 {
		return fmt.Errorf("MODEL_QUERY_TIMEOUT must be positive")
	}
	if c.TitleGenTimeout <= 0 {
		return fmt.Errorf("TITLE_GEN_TIMEOUT must be positive")
	}
	return nil
}

// VoiceConfigured reports whether the speech providers can be dialed.
func (c Config) VoiceConfigured() bool {
	return c.OpenAIAPIKey != ""
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func NewLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
