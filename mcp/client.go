package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider AI提供商类型
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderGroq     Provider = "groq"
	ProviderOpenAI   Provider = "openai"
	ProviderCustom   Provider = "custom"
)

// Config provider settings for one trader
type Config struct {
	Provider    Provider      `json:"provider" mapstructure:"provider"`
	APIKey      string        `json:"api_key" mapstructure:"api_key"`
	BaseURL     string        `json:"base_url" mapstructure:"base_url"` // ends with "#": used as the full endpoint
	Model       string        `json:"model" mapstructure:"model"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
}

// presets default endpoint and model per provider
var presets = map[Provider]struct{ baseURL, model string }{
	ProviderDeepSeek: {"https://api.deepseek.com/v1", "deepseek-chat"},
	ProviderQwen:     {"https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
	ProviderGroq:     {"https://api.groq.com/openai/v1", "llama-3.1-70b-versatile"},
	ProviderOpenAI:   {"https://api.openai.com/v1", "gpt-4o-mini"},
}

// Supported reports whether p is a known provider.
func Supported(p Provider) bool {
	_, ok := presets[p]
	return ok || p == ProviderCustom
}

// Client OpenAI-compatible chat completion client
type Client struct {
	provider    Provider
	apiKey      string
	url         string
	model       string
	timeout     time.Duration
	maxRetries  int
	temperature float64
	maxTokens   int
	backoff     []time.Duration

	httpClient *http.Client
	log        *zap.Logger
}

// New builds a client, filling base URL and model from the provider preset.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if !Supported(cfg.Provider) {
		return nil, fmt.Errorf("unsupported AI provider %q", cfg.Provider)
	}
	preset := presets[cfg.Provider]
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = preset.baseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base_url is required for provider %q", cfg.Provider)
	}
	model := cfg.Model
	if model == "" {
		model = preset.model
	}
	if model == "" {
		return nil, fmt.Errorf("model is required for provider %q", cfg.Provider)
	}

	// 以#结尾则使用完整URL，不添加/chat/completions
	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	if strings.HasSuffix(baseURL, "#") {
		url = strings.TrimSuffix(baseURL, "#")
	}

	c := &Client{
		provider:    cfg.Provider,
		apiKey:      cfg.APIKey,
		url:         url,
		model:       model,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		backoff:     []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		log:         log.Named("mcp").With(zap.String("provider", string(cfg.Provider)), zap.String("model", model)),
	}
	if c.timeout <= 0 {
		c.timeout = 120 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.temperature == 0 {
		c.temperature = 0.5
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4000
	}

	// 可复用的transport，连接池 + KeepAlive
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: c.timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c.httpClient = &http.Client{Timeout: c.timeout, Transport: transport}
	return c, nil
}

// SetBackoff overrides the wait between retries; the last value repeats.
func (c *Client) SetBackoff(waits ...time.Duration) {
	c.backoff = waits
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// Provider returns the configured provider.
func (c *Client) Provider() Provider { return c.provider }

// StatusError non-200 response from the provider
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("AI API returned status %d: %s", e.StatusCode, body)
}

// ErrEmptyResponse the provider answered without any choices
var ErrEmptyResponse = errors.New("AI API returned no choices")

// CallWithMessages 使用 system + user prompt 调用AI API.
// Transient failures are retried with backoff until ctx expires.
func (c *Client) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" && c.provider != ProviderCustom {
		return "", fmt.Errorf("AI API key is not set for provider %s", c.provider)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			if attempt > 1 {
				c.log.Info("AI API retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isRetryableError(err) || attempt == c.maxRetries {
			break
		}
		wait := c.backoff[len(c.backoff)-1]
		if attempt-1 < len(c.backoff) {
			wait = c.backoff[attempt-1]
		}
		c.log.Warn("AI API call failed, retrying",
			zap.Int("attempt", attempt), zap.Int("max_retries", c.maxRetries),
			zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("AI API call cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("AI API call failed: %w", lastErr)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// callOnce 单次调用AI API
func (c *Client) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	// response_format is OpenAI-only, JSON shape is enforced by the prompt
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return result.Choices[0].Message.Content, nil
}

// isRetryableError 判断错误是否可重试
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	errStr := err.Error()
	retryableErrors := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"forcibly closed",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
