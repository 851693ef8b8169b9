package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// Addr is the listen address for `glean serve`.
	Addr string `yaml:"addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// EnrichOnCapture runs the summarizer synchronously when a page is captured.
	EnrichOnCapture bool `yaml:"enrich_on_capture"`

	LLM   LLMConfig   `yaml:"llm"`
	Merge MergeConfig `yaml:"merge"`
	Auth  AuthConfig  `yaml:"auth"`
}

// LLMConfig configures the text-generation client.
type LLMConfig struct {
	// APIKey is the Anthropic API key. Empty disables enrichment and makes
	// merges fall back to concatenation.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerMinute limits outgoing calls. 0 means unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	SummaryMaxTokens int `yaml:"summary_max_tokens"`
	MergeMaxTokens   int `yaml:"merge_max_tokens"`

	// MaxInputChars truncates captured text before it is sent for summarizing.
	MaxInputChars int `yaml:"max_input_chars"`
}

// MergeConfig tunes the highlight merge engine.
type MergeConfig struct {
	// Concurrency is how many category groups are folded in parallel.
	Concurrency int `yaml:"concurrency"`

	// ConflictRetries is how many times a fold is redone after a concurrent
	// writer changed the highlight underneath it.
	ConflictRetries int `yaml:"conflict_retries"`

	// RunTimeout bounds one merge run, independent of the request that
	// triggered it.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// DevUser, when set, is used for requests without a token.
	DevUser string `yaml:"dev_user"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DBPath:          filepath.Join(home, ".glean", "glean.db"),
		Addr:            ":8080",
		LogLevel:        "info",
		EnrichOnCapture: true,
		LLM: LLMConfig{
			BaseURL:          "https://api.anthropic.com",
			Model:            "claude-sonnet-4-20250514",
			Timeout:          30 * time.Second,
			SummaryMaxTokens: 500,
			MergeMaxTokens:   1000,
			MaxInputChars:    4000,
		},
		Merge: MergeConfig{
			Concurrency:     4,
			ConflictRetries: 3,
			RunTimeout:      5 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:   "glean",
			TokenTTL: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from path (if it exists) and the process
// environment, on top of the defaults.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup, for tests.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setString("GLEAN_DB", &cfg.DBPath)
	setString("GLEAN_ADDR", &cfg.Addr)
	setString("GLEAN_LOG_LEVEL", &cfg.LogLevel)
	setString("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
	setString("GLEAN_LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("GLEAN_LLM_MODEL", &cfg.LLM.Model)
	setString("GLEAN_JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("GLEAN_DEV_USER", &cfg.Auth.DevUser)

	if v := getenv("GLEAN_LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GLEAN_LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = d
	}
	if v := getenv("GLEAN_ENRICH_ON_CAPTURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GLEAN_ENRICH_ON_CAPTURE: %w", err)
		}
		cfg.EnrichOnCapture = b
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return errors.New("llm.requests_per_minute must not be negative")
	}
	if c.Merge.Concurrency < 1 {
		return errors.New("merge.concurrency must be at least 1")
	}
	if c.Merge.ConflictRetries < 0 {
		return errors.New("merge.conflict_retries must not be negative")
	}
	if c.Merge.RunTimeout <= 0 {
		return errors.New("merge.run_timeout must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger writing text records to stderr.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
