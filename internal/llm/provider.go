// Package llm talks to the one upstream chat-completions API this service
// fronts, narrowed from the teacher's multi-provider Provider interface
// (internal/llm/provider.go in the teacher repo) down to the single
// OpenAI-compatible surface this service forwards to, plus a MockProvider
// for local development and load testing grounded on the Python reference
// server's _generate_mock_response/_generate_mock_content.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/llmquota/ratelimiter/internal/config"
	"github.com/llmquota/ratelimiter/internal/obs"
	"github.com/llmquota/ratelimiter/internal/proxy"
	"github.com/llmquota/ratelimiter/internal/tokenizer"
)

// Errors returned by Provider implementations.
var (
	ErrRequestFailed   = errors.New("llm: upstream request failed")
	ErrContextCanceled = errors.New("llm: context canceled")
)

// ChatMessage mirrors one OpenAI chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest mirrors an OpenAI /v1/chat/completions request body, carrying
// only the fields the quota engine and mock provider need.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// Usage mirrors OpenAI's usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice mirrors one OpenAI completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse mirrors an OpenAI /v1/chat/completions response body.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`

	// ReportedUsage is false when Usage was reconstructed locally (the mock
	// provider, or an upstream that omitted the usage block) rather than
	// returned by the upstream itself.
	ReportedUsage bool `json:"-"`
}

// Provider sends a chat completion request upstream and returns the
// response, carrying actual token usage for commit-time reconciliation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// retryPolicy mirrors the teacher's BaseProvider.retryPolicy.
type retryPolicy struct {
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
}

// UpstreamProvider forwards chat completion requests to one
// OpenAI-compatible upstream, generalizing the teacher's OpenAIProvider
// into a single-tenant forwarder (this service has exactly one upstream,
// not a provider registry). The actual HTTP round-trip and
// request/response metrics logging are delegated to internal/proxy, which
// generalizes the teacher's ReverseProxy; this type owns only the
// retry/backoff policy on top of it, adapted from the teacher's
// BaseProvider.doRequest.
type UpstreamProvider struct {
	name  string
	proxy *proxy.ReverseProxy
	retry retryPolicy
}

// NewUpstreamProvider creates a Provider that forwards to cfg.BaseURL.
func NewUpstreamProvider(cfg config.UpstreamConfig) *UpstreamProvider {
	return &UpstreamProvider{
		name: "upstream",
		proxy: proxy.New(cfg.BaseURL,
			proxy.WithRequestModifier(proxy.AddAuthHeader(cfg.APIKey)),
		),
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			minBackoff: cfg.RetryBackoffMin,
			maxBackoff: cfg.RetryBackoffMax,
		},
	}
}

// Name returns the provider name.
func (p *UpstreamProvider) Name() string { return p.name }

// Complete forwards req to the upstream chat-completions endpoint, retrying
// transient failures with exponential backoff.
func (p *UpstreamProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	requestID := obs.RequestIDFromContext(ctx)

	var respBody []byte
	for attempt := 0; attempt <= p.retry.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrContextCanceled
		}

		resp, _, err := p.proxy.Forward(ctx, "POST", "/chat/completions", body, requestID)
		if err != nil {
			if attempt < p.retry.maxRetries {
				time.Sleep(calculateBackoff(attempt, p.retry.minBackoff, p.retry.maxBackoff))
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			break
		}

		if attempt < p.retry.maxRetries && isRetryableStatusCode(resp.StatusCode) {
			obs.WarnContext(ctx, "received retryable status code", map[string]interface{}{
				"attempt":     attempt,
				"status_code": resp.StatusCode,
			})
			time.Sleep(calculateBackoff(attempt, p.retry.minBackoff, p.retry.maxBackoff))
			continue
		}

		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, respBody)
	}

	var result ChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	result.ReportedUsage = result.Usage.TotalTokens > 0 || result.Usage.PromptTokens > 0
	return &result, nil
}

func calculateBackoff(attempt int, minBackoff, maxBackoff time.Duration) time.Duration {
	backoff := minBackoff * (1 << uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
	if jitter > maxBackoff {
		jitter = maxBackoff
	}
	return jitter
}

func isRetryableStatusCode(statusCode int) bool {
	return statusCode == 429 ||
		statusCode == 500 ||
		statusCode == 502 ||
		statusCode == 503 ||
		statusCode == 504
}

var mockTemplates = []string{
	"This is a mock response. Your request has been successfully processed.",
	"I understand your request. This is a system-generated test response.",
	"Processing complete. This is a mock response from the rate limiter system.",
	"Message received. This is an automated reply standing in for the real model.",
	"This is an auto-generated response for testing rate limiting functionality.",
}

// MockProvider generates randomized, templated responses without calling
// any real upstream, grounded on the Python reference's
// _generate_mock_response/_generate_mock_content. Used when
// UpstreamConfig.UseMock is true.
type MockProvider struct {
	delayMin, delayMax time.Duration
	estimator          *tokenizer.Estimator
}

// NewMockProvider creates a MockProvider using the estimator to count
// tokens in both the synthesized prompt and the generated reply.
func NewMockProvider(cfg config.UpstreamConfig, estimator *tokenizer.Estimator) *MockProvider {
	return &MockProvider{
		delayMin:  cfg.MockDelayMin,
		delayMax:  cfg.MockDelayMax,
		estimator: estimator,
	}
}

// Name returns the provider name.
func (p *MockProvider) Name() string { return "mock" }

// Complete synthesizes a response after a randomized delay, simulating
// upstream latency for load testing and local development.
func (p *MockProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	delay := randomDuration(p.delayMin, p.delayMax)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	messages := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
	}
	promptTokens := p.estimator.EstimatePrompt(messages)

	content := mockContent(req)
	completionTokens := p.estimator.CountTokens(content)

	return &ChatResponse{
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		SystemFingerprint: "fp_mock",
		ReportedUsage:     true,
	}, nil
}

func mockContent(req *ChatRequest) string {
	content := mockTemplates[rand.Intn(len(mockTemplates))]
	if req.MaxTokens > 50 {
		filler := " This is additional content to fill the response."
		for i := 0; i < req.MaxTokens/20; i++ {
			content += filler
		}
	}
	return content
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
