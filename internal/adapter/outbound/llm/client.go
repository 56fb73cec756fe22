// Package llm implements the Translator port against OpenAI-compatible
// chat completion APIs. It is a single-attempt transport: retry, fallback,
// and cooldown policy live in the call gateway above.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/domain/entity"
	"locpipe/internal/port/outbound"

	"github.com/google/uuid"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultTimeout     = 5 * time.Minute
	defaultUserAgent   = "locpipe/1.0.0"
	defaultTemperature = 0.2

	chatCompletionsEndpoint = "/chat/completions"
)

// apiKeyEnvVars lists the environment variables checked for an API key,
// in priority order.
var apiKeyEnvVars = []string{"LOCPIPE_API_KEY", "OPENAI_API_KEY"}

// ClientConfig holds configuration for the chat completion client.
type ClientConfig struct {
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"`
	Timeout     time.Duration `json:"timeout"`
	UserAgent   string        `json:"user_agent"`
	Temperature float64       `json:"temperature"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if err := c.validateAPIKey(); err != nil {
		return err
	}
	if err := c.validateBaseURL(); err != nil {
		return err
	}
	return c.validateTimeout()
}

func (c *ClientConfig) validateAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("API key cannot be whitespace only")
	}
	return nil
}

func (c *ClientConfig) validateBaseURL() error {
	if c.BaseURL == "" {
		return nil // defaults applied later
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("invalid base URL format: %s", c.BaseURL)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	return nil
}

func (c *ClientConfig) validateTimeout() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// Client implements the outbound.Translator interface against an
// OpenAI-compatible chat completions endpoint.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a new chat completion client with the given configuration.
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := applyConfigDefaults(config)

	return &Client{
		config:     cfg,
		httpClient: createHTTPClient(cfg.Timeout),
	}, nil
}

// NewClientFromEnv creates a client reading the API key from the environment
// when the configuration does not carry one. LOCPIPE_API_KEY takes priority
// over OPENAI_API_KEY.
func NewClientFromEnv(config *ClientConfig) (*Client, error) {
	if config == nil {
		config = &ClientConfig{}
	}

	cfg := *config
	if cfg.APIKey == "" {
		for _, envVar := range apiKeyEnvVars {
			if key := os.Getenv(envVar); key != "" {
				cfg.APIKey = key
				break
			}
		}
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not found in config or environment (%s)", strings.Join(apiKeyEnvVars, ", "))
	}

	return NewClient(&cfg)
}

// applyConfigDefaults applies default values to unset configuration fields.
func applyConfigDefaults(config *ClientConfig) *ClientConfig {
	cfg := *config

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}

	return &cfg
}

// createHTTPClient creates an HTTP client tuned for API workloads.
func createHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       50,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			// API endpoints should not redirect; treat any redirect as final.
			return http.ErrUseLastResponse
		},
	}
}

// GetConfig returns the effective client configuration.
func (c *Client) GetConfig() *ClientConfig {
	return c.config
}

// GetHTTPClient returns the underlying HTTP client.
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// CreateRequest creates an authenticated HTTP request against the API.
func (c *Client) CreateRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	if _, err := url.Parse(fullURL); err != nil {
		return nil, fmt.Errorf("invalid request URL %s: %w", fullURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	return req, nil
}

// Translate sends one chat completion request covering a full batch and
// returns the raw model output. Failures are returned as
// *outbound.TranslationError so the gateway can classify them.
func (c *Client) Translate(
	ctx context.Context,
	request outbound.TranslationRequest,
) (*outbound.TranslationResult, error) {
	if err := validateTranslationRequest(request); err != nil {
		return nil, err
	}

	requestID := request.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	payload := chatCompletionRequest{
		Model: request.Model,
		Messages: []chatMessage{
			{Role: "system", Content: request.SystemPrompt},
			{Role: "user", Content: request.UserPrompt},
		},
		Temperature: c.config.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &outbound.TranslationError{
			Code:      "request_encode_failed",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   fmt.Sprintf("failed to encode request body: %v", err),
			RequestID: requestID,
			Retryable: false,
			Cause:     err,
		}
	}

	req, err := c.CreateRequest(ctx, http.MethodPost, chatCompletionsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &outbound.TranslationError{
			Code:      "request_build_failed",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   fmt.Sprintf("failed to build request: %v", err),
			RequestID: requestID,
			Retryable: false,
			Cause:     err,
		}
	}
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.HandleNetworkError(ctx, err, requestID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.HandleHTTPError(ctx, resp, requestID)
	}

	completion, err := decodeCompletion(resp)
	if err != nil {
		return nil, &outbound.TranslationError{
			Code:      "response_decode_failed",
			Type:      outbound.TranslationErrorTypeServer,
			Message:   fmt.Sprintf("failed to decode response body: %v", err),
			RequestID: requestID,
			Retryable: true,
			Cause:     err,
		}
	}

	if len(completion.Choices) == 0 {
		return nil, &outbound.TranslationError{
			Code:      "empty_choices",
			Type:      outbound.TranslationErrorTypeServer,
			Message:   "response contained no choices",
			RequestID: requestID,
			Retryable: true,
		}
	}

	latency := time.Since(start)
	model := completion.Model
	if model == "" {
		model = request.Model
	}

	slogger.Debug(ctx, "Chat completion succeeded", slogger.Fields{
		"request_id":        requestID,
		"model":             model,
		"latency_ms":        latency.Milliseconds(),
		"prompt_tokens":     completion.Usage.PromptTokens,
		"completion_tokens": completion.Usage.CompletionTokens,
		"finish_reason":     completion.Choices[0].FinishReason,
	})

	return &outbound.TranslationResult{
		Text:  completion.Choices[0].Message.Content,
		Model: model,
		Usage: entity.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
		Latency:   latency,
		RequestID: requestID,
	}, nil
}

func decodeCompletion(resp *http.Response) (*chatCompletionResponse, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, err
	}
	return &completion, nil
}

func validateTranslationRequest(request outbound.TranslationRequest) *outbound.TranslationError {
	if strings.TrimSpace(request.Model) == "" {
		return &outbound.TranslationError{
			Code:      "missing_model",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   "model identifier cannot be empty",
			RequestID: request.RequestID,
			Retryable: false,
		}
	}
	if strings.TrimSpace(request.UserPrompt) == "" {
		return &outbound.TranslationError{
			Code:      "empty_prompt",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   "user prompt cannot be empty",
			RequestID: request.RequestID,
			Retryable: false,
		}
	}
	return nil
}
