// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Backend names accepted by RERANK_BACKEND.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config holds all configuration for the rerank service
type Config struct {
	// Server
	Port           int      `env:"PORT" envDefault:"80"`
	GRPCPort       int      `env:"GRPC_PORT" envDefault:"0"`
	H2CEnabled     bool     `env:"H2C_ENABLED" envDefault:"false"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"json"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Build info
	Version   string `env:"VERSION" envDefault:"v3-gguf"`
	BuildID   string `env:"BUILD_ID" envDefault:"unknown"`
	CommitSHA string `env:"COMMIT_SHA" envDefault:"unknown"`

	// Model
	Backend   string `env:"RERANK_BACKEND" envDefault:"local"`
	ModelName string `env:"MODEL_NAME" envDefault:"jina-reranker-v3"`
	ModelPath string `env:"MODEL_PATH" envDefault:"/app/models/jina-reranker-v3-Q8_0.gguf"`

	// Local engine
	ProjectorPath      string        `env:"PROJECTOR_PATH" envDefault:"/app/models/projector.safetensors"`
	LlamaEmbeddingPath string        `env:"LLAMA_EMBEDDING_PATH" envDefault:"/app/llama-embedding"`
	LocalEngineTimeout time.Duration `env:"LOCAL_ENGINE_TIMEOUT" envDefault:"0s"`

	// Remote engine
	RemoteURL        string        `env:"REMOTE_URL"`
	RemoteRerankPath string        `env:"REMOTE_RERANK_PATH" envDefault:"/v1/rerank"`
	RemoteTimeout    time.Duration `env:"REMOTE_TIMEOUT" envDefault:"120s"`

	// Auth
	APIKey    string `env:"API_KEY"`
	JWTSecret string `env:"JWT_SECRET"`

	// When false, internal errors return a correlation id instead of a stack trace.
	ExposeErrorTrace bool `env:"EXPOSE_ERROR_TRACE" envDefault:"true"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in 1..65535, got %d", c.Port))
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("GRPC_PORT must be in 0..65535, got %d", c.GRPCPort))
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		errs = append(errs, fmt.Errorf("GRPC_PORT and PORT must differ"))
	}
	if c.ModelName == "" {
		errs = append(errs, errors.New("MODEL_NAME must not be empty"))
	}

	switch c.Backend {
	case BackendLocal:
		if c.LlamaEmbeddingPath == "" {
			errs = append(errs, errors.New("LLAMA_EMBEDDING_PATH is required for the local backend"))
		}
		if c.ModelPath == "" {
			errs = append(errs, errors.New("MODEL_PATH is required for the local backend"))
		}
		if c.ProjectorPath == "" {
			errs = append(errs, errors.New("PROJECTOR_PATH is required for the local backend"))
		}
		if c.LocalEngineTimeout < 0 {
			errs = append(errs, errors.New("LOCAL_ENGINE_TIMEOUT must not be negative"))
		}
	case BackendRemote:
		if c.RemoteURL == "" {
			errs = append(errs, errors.New("REMOTE_URL is required for the remote backend"))
		}
		if c.RemoteTimeout <= 0 {
			errs = append(errs, errors.New("REMOTE_TIMEOUT must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("RERANK_BACKEND must be %q or %q, got %q", BackendLocal, BackendRemote, c.Backend))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// IsLocal reports whether the local engine backend is selected.
func (c *Config) IsLocal() bool {
	return c.Backend == BackendLocal
}

// ParseLogLevel maps a LOG_LEVEL value onto a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", level)
	}
}
