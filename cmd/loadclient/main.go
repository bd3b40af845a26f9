// Command loadclient drives synthetic chat-completion traffic against one
// or more rate limiter nodes, for exercising the sliding-window quota
// engine under concurrency and printing a summary report. Translated from
// the Python reference client (tests/test_client.py): randomized message
// templates, multiple servers and API keys chosen per request, a
// concurrency-bounded request loop, and a final stats summary with
// response-time percentiles, adapted into Go's goroutine/channel idiom: a
// buffered-channel semaphore bounds concurrency in place of an
// asyncio.Semaphore, and internal/pacer optionally paces the request rate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llmquota/ratelimiter/internal/llm"
	"github.com/llmquota/ratelimiter/internal/pacer"
)

var messageTemplates = []string{
	"Tell me an interesting fact about artificial intelligence.",
	"How should I get started learning to program?",
	"Explain what machine learning is.",
	"Write a short story about future technology.",
	"What's the difference between Python and JavaScript?",
	"How can I be more productive at work?",
	"Explain blockchain technology.",
	"Recommend some good books.",
	"How do I stay healthy, physically and mentally?",
	"Introduce the concept of cloud computing.",
}

var models = []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"}

type stats struct {
	mu sync.Mutex

	total, successful, rateLimited, failed int
	inputTokens, outputTokens              int64
	responseTimes                          []time.Duration
}

func (s *stats) record(d time.Duration, status int, inTok, outTok int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.responseTimes = append(s.responseTimes, d)

	switch {
	case status == http.StatusOK:
		s.successful++
		s.inputTokens += inTok
		s.outputTokens += outTok
	case status == http.StatusTooManyRequests:
		s.rateLimited++
	default:
		s.failed++
	}
}

func (s *stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failed++
}

func (s *stats) summary(elapsed time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "duration: %s\n", elapsed)
	fmt.Fprintf(&b, "total requests: %d\n", s.total)
	fmt.Fprintf(&b, "successful: %d (%.1f%%)\n", s.successful, pct(s.successful, s.total))
	fmt.Fprintf(&b, "rate limited: %d (%.1f%%)\n", s.rateLimited, pct(s.rateLimited, s.total))
	fmt.Fprintf(&b, "failed: %d\n", s.failed)
	if elapsed > 0 {
		fmt.Fprintf(&b, "throughput: %.2f req/s\n", float64(s.total)/elapsed.Seconds())
	}
	fmt.Fprintf(&b, "total input tokens: %d\n", s.inputTokens)
	fmt.Fprintf(&b, "total output tokens: %d\n", s.outputTokens)

	if len(s.responseTimes) > 0 {
		sorted := append([]time.Duration(nil), s.responseTimes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		fmt.Fprintf(&b, "avg response time: %s\n", average(sorted))
		fmt.Fprintf(&b, "p50: %s\n", percentile(sorted, 50))
		fmt.Fprintf(&b, "p95: %s\n", percentile(sorted, 95))
		fmt.Fprintf(&b, "p99: %s\n", percentile(sorted, 99))
	}
	return b.String()
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

func average(sorted []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return sum / time.Duration(len(sorted))
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func generateRequest() llm.ChatRequest {
	numMessages := 1 + rand.Intn(3)
	messages := make([]llm.ChatMessage, 0, numMessages)
	for i := 0; i < numMessages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		content := messageTemplates[rand.Intn(len(messageTemplates))]
		if rand.Float64() < 0.3 {
			content += " " + strings.Repeat("Here is some additional filler content. ", 5+rand.Intn(15))
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: content})
	}
	if messages[len(messages)-1].Role != "user" {
		messages = append(messages, llm.ChatMessage{
			Role: "user", Content: messageTemplates[rand.Intn(len(messageTemplates))],
		})
	}

	maxTokensChoices := []int{0, 100, 500, 1000, 2000}
	return llm.ChatRequest{
		Model:     models[rand.Intn(len(models))],
		Messages:  messages,
		MaxTokens: maxTokensChoices[rand.Intn(len(maxTokensChoices))],
	}
}

func sendRequest(ctx context.Context, client *http.Client, serverURL, apiKey string, req llm.ChatRequest, st *stats) {
	body, err := json.Marshal(req)
	if err != nil {
		st.recordError()
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		st.recordError()
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		st.recordError()
		return
	}
	defer resp.Body.Close()

	var inTok, outTok int64
	if resp.StatusCode == http.StatusOK {
		var chatResp llm.ChatResponse
		if json.NewDecoder(resp.Body).Decode(&chatResp) == nil {
			inTok = int64(chatResp.Usage.PromptTokens)
			outTok = int64(chatResp.Usage.CompletionTokens)
		}
	}
	st.record(elapsed, resp.StatusCode, inTok, outTok)
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var servers, apiKeys stringList
	flag.Var(&servers, "server", "rate limiter server URL (repeatable)")
	flag.Var(&apiKeys, "api-key", "API key to use (repeatable)")
	numRequests := flag.Int("requests", 100, "total number of requests to send")
	concurrency := flag.Int("concurrency", 10, "number of requests in flight at once")
	ratePerSecond := flag.Float64("rate", 0, "optional target requests/second; 0 disables pacing")
	duration := flag.Duration("duration", 0, "run for this long instead of a fixed request count")
	flag.Parse()

	if len(servers) == 0 {
		servers = stringList{"http://localhost:8080"}
	}
	if len(apiKeys) == 0 {
		apiKeys = stringList{"test-key-1"}
	}

	var p *pacer.Pacer
	if *ratePerSecond > 0 {
		p = pacer.New(pacer.Config{RatePerSecond: *ratePerSecond, BurstSize: *concurrency})
	}

	st := &stats{}
	client := &http.Client{Timeout: 30 * time.Second}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	ctx := context.Background()
	start := time.Now()

	issue := func() {
		if p != nil {
			if err := p.Wait(ctx, 1); err != nil {
				return
			}
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			server := servers[rand.Intn(len(servers))]
			apiKey := apiKeys[rand.Intn(len(apiKeys))]
			sendRequest(ctx, client, server, apiKey, generateRequest(), st)
		}()
	}

	if *duration > 0 {
		deadline := time.Now().Add(*duration)
		for time.Now().Before(deadline) {
			issue()
		}
	} else {
		for i := 0; i < *numRequests; i++ {
			issue()
		}
	}

	wg.Wait()
	fmt.Print(st.summary(time.Since(start)))
}
