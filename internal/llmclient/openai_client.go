package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/memtierd/memtierd/internal/retry"
)

// Config configures an OpenAI-chat-completions-compatible endpoint. BaseURL
// is expected to accept requests under "/v1/chat/completions"; any server
// implementing that surface (OpenAI itself, a local vLLM/Ollama gateway,
// etc.) satisfies it, matching the openllm config section.
type Config struct {
	BaseURL             string
	APIKey              string
	Model               string
	Temperature         float32
	MaxCompletionTokens int
	// CallTimeout bounds a single HTTP round trip (including retries' own
	// attempts). Defaults to 60s.
	CallTimeout time.Duration
	// RequestsPerSecond throttles outgoing calls ahead of the provider; 0
	// disables throttling.
	RequestsPerSecond float64
}

// OpenAIClient is a Client implementation that hand-rolls the OpenAI chat
// completions request over net/http rather than a vendored SDK, matching the
// house style already used for the Claude provider upstream.
type OpenAIClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewOpenAIClient builds a Client from cfg. logger may be nil.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		limiter: limiter,
		retryer: retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		logger:  logger.With(zap.String("component", "llmclient")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         float32       `json:"temperature,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	ResponseFormat      struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CompleteJSON implements Client.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, req Request) ([]byte, error) {
	result, err := retry.DoWithResultTyped[[]byte](c.retryer, ctx, func() ([]byte, error) {
		return c.attempt(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *OpenAIClient) attempt(ctx context.Context, req Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llmclient: rate limit wait: %w", err)
		}
	}

	messages := make([]chatMessage, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxCompletionTokens
	}

	body := chatRequest{
		Model:               c.cfg.Model,
		Messages:            messages,
		Temperature:         temp,
		MaxCompletionTokens: maxTokens,
	}
	body.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, retry.WrapRetryable(fmt.Errorf("llmclient: request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.WrapRetryable(fmt.Errorf("llmclient: read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		var errResp chatErrorResponse
		msg := string(data)
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		baseErr := fmt.Errorf("llmclient: status=%d msg=%s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.WrapRetryable(baseErr)
		}
		return nil, baseErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, retry.WrapRetryable(fmt.Errorf("llmclient: decode response: %w", err))
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, retry.WrapRetryable(fmt.Errorf("llmclient: empty completion"))
	}

	content := parsed.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, retry.WrapRetryable(fmt.Errorf("llmclient: completion is not valid JSON"))
	}
	return []byte(content), nil
}
