// Package proxy forwards admitted chat-completion requests to the
// configured upstream, adapted from the teacher's general-purpose
// ReverseProxy (internal/proxy/reverse_proxy.go) and narrowed to one
// upstream base URL with auth-header injection and structured
// request/response metrics logging instead of the teacher's
// target-resolver indirection.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/llmquota/ratelimiter/internal/obs"
)

// RequestModifier can alter an outgoing request before it is sent.
type RequestModifier func(*http.Request) error

// ResponseModifier can alter a response after it is received.
type ResponseModifier func(*http.Response) error

// Metrics carries timing and size information for one forwarded request.
type Metrics struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	RequestSize  int64
	ResponseSize int64
	StatusCode   int
	RequestID    string
}

// ReverseProxy forwards requests to one upstream base URL.
type ReverseProxy struct {
	baseURL           string
	requestModifiers  []RequestModifier
	responseModifiers []ResponseModifier
	transport         http.RoundTripper
}

// Option configures a ReverseProxy.
type Option func(*ReverseProxy)

// WithTransport overrides the proxy's transport (tests substitute a fake).
func WithTransport(transport http.RoundTripper) Option {
	return func(p *ReverseProxy) { p.transport = transport }
}

// WithRequestModifier appends a request modifier.
func WithRequestModifier(modifier RequestModifier) Option {
	return func(p *ReverseProxy) { p.requestModifiers = append(p.requestModifiers, modifier) }
}

// WithResponseModifier appends a response modifier.
func WithResponseModifier(modifier ResponseModifier) Option {
	return func(p *ReverseProxy) { p.responseModifiers = append(p.responseModifiers, modifier) }
}

// New creates a ReverseProxy bound to one upstream base URL.
func New(baseURL string, options ...Option) *ReverseProxy {
	p := &ReverseProxy{
		baseURL:   baseURL,
		transport: http.DefaultTransport,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// AddAuthHeader injects a bearer token into every forwarded request.
func AddAuthHeader(apiKey string) RequestModifier {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+apiKey)
		return nil
	}
}

// Forward sends body to the upstream's path and returns the raw response.
func (p *ReverseProxy) Forward(ctx context.Context, method, path string, body []byte, requestID string) (*http.Response, *Metrics, error) {
	target, err := url.Parse(p.baseURL + path)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	metrics := &Metrics{
		StartTime:   time.Now(),
		RequestID:   requestID,
		RequestSize: int64(len(body)),
	}

	outReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	outReq.Header.Set("Content-Type", "application/json")

	for _, modifier := range p.requestModifiers {
		if err := modifier(outReq); err != nil {
			return nil, nil, fmt.Errorf("request modifier failed: %w", err)
		}
	}

	obs.InfoContext(ctx, "forwarding request upstream", map[string]interface{}{
		"target_url":   target.String(),
		"request_id":   requestID,
		"request_size": metrics.RequestSize,
	})

	resp, err := p.transport.RoundTrip(outReq)
	metrics.EndTime = time.Now()
	metrics.Duration = metrics.EndTime.Sub(metrics.StartTime)
	if err != nil {
		obs.ErrorContext(ctx, err, "upstream forward failed", map[string]interface{}{
			"duration_ms": metrics.Duration.Milliseconds(),
			"request_id":  requestID,
		})
		return nil, metrics, fmt.Errorf("upstream forward failed: %w", err)
	}
	metrics.StatusCode = resp.StatusCode

	for _, modifier := range p.responseModifiers {
		if err := modifier(resp); err != nil {
			obs.WarnContext(ctx, "response modifier failed", map[string]interface{}{
				"error":      err.Error(),
				"request_id": requestID,
			})
		}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, metrics, fmt.Errorf("failed to read upstream response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	metrics.ResponseSize = int64(len(bodyBytes))

	obs.InfoContext(ctx, "received upstream response", map[string]interface{}{
		"status_code":   metrics.StatusCode,
		"duration_ms":   metrics.Duration.Milliseconds(),
		"request_id":    requestID,
		"response_size": metrics.ResponseSize,
	})

	return resp, metrics, nil
}
