// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
)

const (
	defaultBaseURL     = "https://api.groq.com/openai/v1"
	defaultModel       = "llama-3.3-70b-versatile"
	jsonResponseType   = "json_object"
	defaultHTTPTimeout = 60 * time.Second
)

// Pricing converts token usage into USD.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing matches the hosted llama-3.3-70b rates.
func DefaultPricing() Pricing {
	return Pricing{InputPer1M: 0.59, OutputPer1M: 0.79}
}

// Cost prices a completion from its token counts.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*p.InputPer1M +
		float64(outputTokens)/1_000_000*p.OutputPer1M
}

// Config controls the completions client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
	Timeout time.Duration
}

// Client implements pipeline.Completer against a chat completions API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a completions client. Credentials are checked per
// call, not here, so a client can be built before configuration settles.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Complete runs one chat completion. Rate limits, server errors and network
// failures come back as plain errors so callers may retry; client errors are
// wrapped Permanent since resending the same request cannot succeed.
func (c *Client) Complete(ctx context.Context, req pipeline.CompletionRequest) (pipeline.Completion, error) {
	var empty pipeline.Completion
	if c.cfg.APIKey == "" {
		return empty, batch.Permanent(errors.New("llm: api key required"))
	}
	if strings.TrimSpace(req.User) == "" {
		return empty, batch.Permanent(errors.New("llm: user prompt required"))
	}

	payload := chatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: jsonResponseType}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("llm: encode request: %w", err)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "/chat/completions")
	if err != nil {
		return empty, fmt.Errorf("llm: build url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return empty, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("llm: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("llm: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if isPermanentStatus(resp.StatusCode) {
			return empty, batch.Permanent(statusErr)
		}
		return empty, statusErr
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return empty, fmt.Errorf("llm: decode response: %w", err)
	}
	if completion.Error != nil {
		return empty, fmt.Errorf("llm: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	if len(completion.Choices) == 0 {
		return empty, errors.New("llm: empty choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return empty, errors.New("llm: empty content")
	}

	model := completion.Model
	if model == "" {
		model = c.cfg.Model
	}
	return pipeline.Completion{
		Content:      content,
		Model:        model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		CostUSD:      c.cfg.Pricing.Cost(completion.Usage.PromptTokens, completion.Usage.CompletionTokens),
	}, nil
}

// isPermanentStatus reports whether the status cannot resolve by retrying.
// 429 is the provider shedding load and 408 is a timeout; both clear.
func isPermanentStatus(status int) bool {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return false
	}
	return status >= 400 && status < 500
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
