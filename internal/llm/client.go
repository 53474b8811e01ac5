// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints. The extractor is its only consumer; it needs one prompt in,
// one text answer out.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/jsonx"
)

// ErrNotConfigured is returned when no endpoint is set; callers treat it
// as "use the rule extractor".
var ErrNotConfigured = errors.New("llm: no endpoint configured")

// ErrEmptyResponse is returned when the endpoint answers with no
// choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Config holds the connection settings for the completion endpoint.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// DefaultConfig returns settings that work against a local
// OpenAI-compatible server.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "",
		Model:     "gpt-4o-mini",
		MaxTokens: 4000,
		Timeout:   180 * time.Second,
	}
}

// ChatMessage is one entry of the chat payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Client talks to one chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a client from cfg. A nil logger defaults to a nop
// logger.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("llm"),
	}
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool { return c != nil && c.cfg.BaseURL != "" }

// Complete sends a single-message chat request and returns the
// assistant text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}})
}

// Chat sends the message list and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0.1,
		MaxTokens:   c.cfg.MaxTokens,
	}
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := jsonx.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("chat completion",
		zap.String("model", c.cfg.Model),
		zap.Duration("elapsed", time.Since(start)))
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
