// Package handler presents the OpenAI-compatible chat-completions surface,
// orchestrating parse -> estimate -> admit -> forward -> reconcile exactly
// as the interaction sequence requires. Adapted from the teacher's
// request_handler.go ServeHTTP shape (request-ID generation, structured
// logging, bounded timeout) and narrowed from its generic
// provider/token-cost model to the three-dimension quota decision.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/llmquota/ratelimiter/internal/config"
	"github.com/llmquota/ratelimiter/internal/llm"
	"github.com/llmquota/ratelimiter/internal/obs"
	"github.com/llmquota/ratelimiter/internal/quota"
	"github.com/llmquota/ratelimiter/internal/store"
	"github.com/llmquota/ratelimiter/internal/tokenizer"
)

// ChatHandler implements POST /v1/chat/completions.
type ChatHandler struct {
	Engine     *quota.Engine
	Reconciler *quota.Reconciler
	Estimator  *tokenizer.Estimator
	Upstream   llm.Provider
	DefaultOut int
	RequestTTL time.Duration
}

// NewChatHandler wires the admission pipeline's dependencies together.
func NewChatHandler(engine *quota.Engine, upstream llm.Provider, estimator *tokenizer.Estimator, cfg config.QuotaConfig, requestTimeout time.Duration) *ChatHandler {
	return &ChatHandler{
		Engine:     engine,
		Reconciler: quota.NewReconciler(engine),
		Estimator:  estimator,
		Upstream:   upstream,
		DefaultOut: cfg.DefaultOutputReserve,
		RequestTTL: requestTimeout,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}

// ServeHTTP implements the full admission sequence from parsing through
// reconciliation.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := obs.NewRequestID()
	ctx := obs.WithRequestID(r.Context(), requestID)
	w.Header().Set("X-Request-ID", requestID)

	obs.InfoContext(ctx, "received chat completion request", map[string]interface{}{
		"method":    r.Method,
		"path":      r.URL.Path,
		"remote_ip": r.RemoteAddr,
	})

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method_not_allowed", "method not allowed")
		return
	}

	apiKey, err := extractAPIKey(r)
	if err != nil {
		obs.WarnContext(ctx, "missing or malformed api key", nil)
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "missing or malformed Authorization header")
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "failed to read request body")
		return
	}

	var chatReq llm.ChatRequest
	if err := json.Unmarshal(bodyBytes, &chatReq); err != nil {
		obs.WarnContext(ctx, "malformed request body", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "malformed JSON body")
		return
	}
	if chatReq.Model == "" || len(chatReq.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_fields", "model and messages are required")
		return
	}

	messages := make([]tokenizer.Message, len(chatReq.Messages))
	for i, m := range chatReq.Messages {
		messages[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
	}
	inEstimate := h.Estimator.EstimatePrompt(messages)

	outReserve := h.DefaultOut
	if chatReq.MaxTokens > 0 {
		outReserve = chatReq.MaxTokens
	}

	decision, reservation, err := h.Engine.Admit(ctx, apiKey, inEstimate, outReserve)
	if err != nil {
		h.handleAdmitError(ctx, w, err)
		return
	}

	writeRateLimitHeaders(ctx, w, h.Engine, apiKey)

	if !decision.Admitted {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		obs.InfoContext(ctx, "request rejected, quota exceeded", map[string]interface{}{
			"key":          apiKey,
			"tightest_dim": decision.TightestDim,
		})
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate_limit_exceeded", "Rate limit exceeded")
		return
	}

	defer h.Reconciler.Guard(context.WithoutCancel(ctx), reservation)()

	reqCtx, cancel := context.WithTimeout(ctx, h.RequestTTL)
	defer cancel()

	resp, upstreamErr := h.Upstream.Complete(reqCtx, &chatReq)
	if upstreamErr != nil {
		h.finishAndRespondError(ctx, w, reservation, upstreamErr)
		return
	}

	inActual, outActual := h.Estimator.MeasureUsage(
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.ReportedUsage,
		replyText(resp),
	)

	if err := h.Reconciler.Finish(ctx, reservation, inActual, outActual, nil); err != nil {
		obs.ErrorContext(ctx, err, "failed to commit reservation", map[string]interface{}{"reservation_id": reservation.ID})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		obs.ErrorContext(ctx, err, "failed to encode response", nil)
	}
}

func (h *ChatHandler) finishAndRespondError(ctx context.Context, w http.ResponseWriter, res *quota.Reservation, upstreamErr error) {
	if err := h.Reconciler.Finish(ctx, res, 0, 0, upstreamErr); err != nil {
		obs.ErrorContext(ctx, err, "failed to release reservation after upstream error", map[string]interface{}{"reservation_id": res.ID})
	}

	if errors.Is(upstreamErr, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "upstream_error", "upstream_timeout", "upstream request timed out")
		return
	}
	obs.ErrorContext(ctx, upstreamErr, "upstream request failed", nil)
	writeError(w, http.StatusBadGateway, "upstream_error", "upstream_request_failed", "upstream request failed")
}

func (h *ChatHandler) handleAdmitError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrUnknownKey):
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "unknown API key")
	case errors.Is(err, store.ErrUnavailable):
		obs.ErrorContext(ctx, err, "coordination store unavailable", nil)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "server_error", "store_unavailable", "rate limiter temporarily unavailable")
	default:
		obs.ErrorContext(ctx, err, "internal admission error", nil)
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "internal server error")
	}
}

func replyText(resp *llm.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

func extractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", fmt.Errorf("missing bearer token")
	}
	return auth[len(prefix):], nil
}

// writeRateLimitHeaders reports all four per-dimension headers on every
// admission path: requests remaining/limit from the requests dimension, and
// tokens remaining/limit from whichever of input/output tokens is tighter.
// These are independent pairs, not a single cross-unit "tightest" value, so
// an admitted response with an exhausted requests budget still reports the
// real tokens remaining alongside it.
func writeRateLimitHeaders(ctx context.Context, w http.ResponseWriter, engine *quota.Engine, apiKey string) {
	limits, ok := engine.Limits(apiKey)
	if !ok {
		return
	}

	inUsed, outUsed, reqUsed, err := engine.Usage(ctx, apiKey)
	if err != nil {
		obs.WarnContext(ctx, "failed to read usage for rate limit headers", map[string]interface{}{"key": apiKey})
		return
	}

	remReq := nonNegative(int64(limits.RPM) - reqUsed)
	remIn := nonNegative(int64(limits.InputTPM) - inUsed)
	remOut := nonNegative(int64(limits.OutputTPM) - outUsed)

	tokenLimit, remTokens := limits.InputTPM, remIn
	if remOut < remTokens {
		tokenLimit, remTokens = limits.OutputTPM, remOut
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit-Requests", strconv.Itoa(limits.RPM))
	h.Set("X-RateLimit-Remaining-Requests", strconv.FormatInt(remReq, 10))
	h.Set("X-RateLimit-Limit-Tokens", strconv.Itoa(tokenLimit))
	h.Set("X-RateLimit-Remaining-Tokens", strconv.FormatInt(remTokens, 10))
	h.Set("X-RateLimit-Limit-Tokens-Input", strconv.Itoa(limits.InputTPM))
	h.Set("X-RateLimit-Limit-Tokens-Output", strconv.Itoa(limits.OutputTPM))

	windowEnd := time.Now().Add(time.Minute).Format(time.RFC3339)
	h.Set("X-RateLimit-Reset-Requests", windowEnd)
	h.Set("X-RateLimit-Reset-Tokens", windowEnd)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// HealthHandler implements GET /health.
type HealthHandler struct {
	Store *store.Store
}

// NewHealthHandler creates a health check handler.
func NewHealthHandler(st *store.Store) *HealthHandler {
	return &HealthHandler{Store: st}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// UsageHandler implements GET /v1/admin/usage, a non-OpenAI admin endpoint
// consumed by cmd/monitor.
type UsageHandler struct {
	Engine *quota.Engine
	Keys   []string
}

// NewUsageHandler creates the usage snapshot endpoint for the given keys.
func NewUsageHandler(engine *quota.Engine, keys []string) *UsageHandler {
	return &UsageHandler{Engine: engine, Keys: keys}
}

type keyUsage struct {
	Key         string `json:"key"`
	InputUsed   int64  `json:"input_tokens_used"`
	OutputUsed  int64  `json:"output_tokens_used"`
	ReqUsed     int64  `json:"requests_used"`
	InputLimit  int    `json:"input_tokens_limit"`
	OutputLimit int    `json:"output_tokens_limit"`
	ReqLimit    int    `json:"requests_limit"`
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshots := make([]keyUsage, 0, len(h.Keys))
	for _, key := range h.Keys {
		in, out, req, err := h.Engine.Usage(r.Context(), key)
		if err != nil {
			obs.ErrorContext(r.Context(), err, "failed to read usage snapshot", map[string]interface{}{"key": key})
			continue
		}
		limits, _ := h.Engine.Limits(key)
		snapshots = append(snapshots, keyUsage{
			Key: key, InputUsed: in, OutputUsed: out, ReqUsed: req,
			InputLimit: limits.InputTPM, OutputLimit: limits.OutputTPM, ReqLimit: limits.RPM,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(snapshots)
}
