// Package anthropic is a minimal Messages API client implementing
// llm.Generator.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danshapiro/hwbuild/internal/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	APIVersion     = "2023-06-01"
	providerName   = "anthropic"
)

type Client struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens overrides the per-purpose defaults, keyed by purpose.
	MaxTokens map[string]int
	HTTP      *http.Client
}

// NewFromEnv reads ANTHROPIC_API_KEY and ANTHROPIC_BASE_URL.
func NewFromEnv(model string) (*Client, error) {
	key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if key == "" {
		return nil, &llm.ConfigurationError{Message: "ANTHROPIC_API_KEY is required"}
	}
	return New(key, os.Getenv("ANTHROPIC_BASE_URL"), model), nil
}

func New(apiKey, baseURL, model string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		APIKey:  strings.TrimSpace(apiKey),
		BaseURL: base,
		Model:   strings.TrimSpace(model),
		// No client-level timeout; stage deadlines arrive through ctx.
		HTTP: &http.Client{Timeout: 0},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (c *Client) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	if c.Model == "" {
		return "", &llm.ConfigurationError{Message: "anthropic model is not set"}
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 0}
	}
	b, err := json.Marshal(request{
		Model:     c.Model,
		MaxTokens: llm.MaxTokensFor(p, c.MaxTokens),
		System:    p.System,
		Messages:  []message{{Role: "user", Content: p.User}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", llm.NewNetworkError(providerName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.NewNetworkError(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("messages.create failed: %s", strings.TrimSpace(string(raw)))
		return "", llm.ErrorFromHTTPStatus(providerName, resp.StatusCode, msg, ra)
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}
	var sb strings.Builder
	for _, part := range out.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("messages response has no text content (stop_reason=%s)", out.StopReason)
	}
	return sb.String(), nil
}
