package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pbaille/glean/internal/config"
	"github.com/pbaille/glean/internal/metrics"
	"golang.org/x/time/rate"
)

var (
	// ErrNoAPIKey is returned when no credential is configured.
	ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY not set")

	// ErrEmptyResponse is returned when the API answers with no text.
	ErrEmptyResponse = errors.New("empty response")
)

// Client calls the Anthropic Messages API
type Client struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a new Client from configuration. A client without an API key
// is valid; every call then fails with ErrNoAPIKey.
func New(cfg config.LLMConfig) *Client {
	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		http:    &http.Client{},
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Available reports whether a credential is configured.
func (c *Client) Available() bool {
	return c != nil && c.apiKey != ""
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Temperature float64      `json:"temperature"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one user prompt and returns the text of the reply. op labels
// the call in metrics. The call is bounded by the configured timeout.
func (c *Client) Complete(ctx context.Context, op, system, prompt string, maxTokens int) (string, error) {
	if !c.Available() {
		return "", ErrNoAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	text, err := c.callAPI(ctx, system, prompt, maxTokens)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMRequest(op, status, time.Since(start).Seconds())
	return text, err
}

func (c *Client) callAPI(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	reqBody := apiRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: 0.3,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}

	if len(apiResp.Content) == 0 || strings.TrimSpace(apiResp.Content[0].Text) == "" {
		return "", ErrEmptyResponse
	}

	return apiResp.Content[0].Text, nil
}
