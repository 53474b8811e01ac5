// Package config loads service configuration from an optional YAML
// file with environment overrides on top. Every field has a working
// default; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// TimeoutSeconds bounds one completion round trip.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// WindowSize is the sliding window capacity W.
	WindowSize int `yaml:"window_size"`
	// ProcessingDelay is how many turns behind the tail extraction runs.
	ProcessingDelay int `yaml:"processing_delay"`
	// HotBufferSize is the turn buffer capacity per session.
	HotBufferSize int `yaml:"hot_buffer_size"`

	// ContextDepth is the default subgraph expansion depth.
	ContextDepth int `yaml:"context_default_depth"`
	// MaxContextLength caps the composed context block, in characters.
	MaxContextLength int `yaml:"max_context_length"`

	// EnableLLMExtractor switches turn analysis from the rule extractor
	// to the model-backed one (with rule fallback).
	EnableLLMExtractor bool `yaml:"enable_llm_extractor"`

	// SessionEviction is "none" or "lru".
	SessionEviction string `yaml:"session_eviction_policy"`
	// MaxSessions bounds resident sessions when eviction is "lru".
	MaxSessions int `yaml:"max_sessions"`

	LLM LLMConfig `yaml:"llm"`
}

// DefaultConfig returns the working defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":9000",
		DataDir:          "./data",
		WindowSize:       4,
		ProcessingDelay:  1,
		HotBufferSize:    10,
		ContextDepth:     1,
		MaxContextLength: 4000,
		SessionEviction:  "none",
		MaxSessions:      64,
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 180,
		},
	}
}

// Load reads the YAML file at path, then applies environment
// overrides. An empty path or missing file yields defaults plus env.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.WindowSize = getEnvInt("WINDOW_SIZE", c.WindowSize)
	c.ProcessingDelay = getEnvInt("PROCESSING_DELAY", c.ProcessingDelay)
	c.HotBufferSize = getEnvInt("HOT_BUFFER_SIZE", c.HotBufferSize)
	c.ContextDepth = getEnvInt("CONTEXT_DEPTH", c.ContextDepth)
	c.MaxContextLength = getEnvInt("MAX_CONTEXT_LENGTH", c.MaxContextLength)
	c.EnableLLMExtractor = getEnvBool("ENABLE_LLM_EXTRACTOR", c.EnableLLMExtractor)
	c.SessionEviction = getEnv("SESSION_EVICTION_POLICY", c.SessionEviction)
	c.MaxSessions = getEnvInt("MAX_SESSIONS", c.MaxSessions)
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.TimeoutSeconds = getEnvInt("LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSeconds)
}

func (c *Config) validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("config: window_size must be positive, got %d", c.WindowSize)
	}
	if c.ProcessingDelay < 0 || c.ProcessingDelay > c.WindowSize-2 {
		// the window must fit one committable turn plus the delayed tail
		return fmt.Errorf("config: processing_delay must be in [0, window_size-2], got %d", c.ProcessingDelay)
	}
	if c.HotBufferSize <= 0 {
		return fmt.Errorf("config: hot_buffer_size must be positive, got %d", c.HotBufferSize)
	}
	if c.MaxContextLength <= 0 {
		return fmt.Errorf("config: max_context_length must be positive, got %d", c.MaxContextLength)
	}
	switch c.SessionEviction {
	case "none", "lru":
	default:
		return fmt.Errorf("config: session_eviction_policy must be none or lru, got %q", c.SessionEviction)
	}
	if c.SessionEviction == "lru" && c.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive with lru eviction, got %d", c.MaxSessions)
	}
	return nil
}

// LLMTimeout returns the completion timeout as a duration.
func (c Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutSeconds <= 0 {
		return 180 * time.Second
	}
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
