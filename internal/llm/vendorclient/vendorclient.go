// Package vendorclient is an llm.Client for OpenAI-compatible streaming
// endpoints, grounded on the reference SSE token client: it supports the
// "responses" and "chat/completions" APIs, auto-detecting by trying
// responses first and falling back to chat/completions on 400/404/405, and
// opportunistically extracts usage token counts (including the
// input_tokens/output_tokens alias scheme and a nested response.usage
// fallback). No example ships a standalone SSE client library, so this
// parses Server-Sent Events directly over net/http, following the
// reference implementation's blank-line-delimited frame accumulation.
package vendorclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/primal-host/session-backend/internal/llm"
)

// API selects which OpenAI-compatible endpoint shape to speak.
type API string

const (
	APIAuto            API = "auto"
	APIResponses       API = "responses"
	APIChatCompletions API = "chat_completions"
)

// Client streams tokens from an OpenAI-compatible HTTP endpoint.
type Client struct {
	BaseURL string // normalized, no trailing slash, ends in /v1
	APIKey  string
	Model   string
	API     API

	HTTPClient *http.Client
}

// New constructs a vendorclient.Client. baseURL must already be normalized
// (see config.LLMConfig.NormalizedBaseURL). timeout bounds the whole
// request; connectTimeout bounds dialing the upstream.
func New(baseURL, apiKey, model string, api API, timeout, connectTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		API:     api,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// fallbackStatus is the set of HTTP statuses that trigger an auto-mode
// fallback from the responses API to chat/completions.
func fallbackStatus(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusMethodNotAllowed
}

// Stream yields incremental text deltas for text, selecting the API per
// c.API (explicit, or auto-detected with fallback).
func (c *Client) Stream(ctx context.Context, text string, stop <-chan struct{}, capture *llm.Capture) iter.Seq[llm.Token] {
	if capture != nil {
		capture.Provider = "openai_compatible"
		capture.Model = c.Model
	}

	return func(yield func(llm.Token) bool) {
		switch c.API {
		case APIResponses:
			if capture != nil {
				capture.API = "responses"
			}
			c.streamVia(ctx, responsesRequest(c.BaseURL, c.Model, text), extractResponsesDelta, stop, capture, yield)
			return
		case APIChatCompletions:
			if capture != nil {
				capture.API = "chat_completions"
			}
			c.streamVia(ctx, chatCompletionsRequest(c.BaseURL, c.Model, text), extractChatCompletionsDelta, stop, capture, yield)
			return
		default: // auto
			if capture != nil {
				capture.API = "responses"
			}
			err := c.tryStreamVia(ctx, responsesRequest(c.BaseURL, c.Model, text), extractResponsesDelta, stop, capture, yield)
			if err == nil || !isFallbackEligible(err) {
				if err != nil && capture != nil {
					capture.Err = err
				}
				return
			}
			if capture != nil {
				capture.API = "chat_completions"
				capture.Err = nil
			}
			c.streamVia(ctx, chatCompletionsRequest(c.BaseURL, c.Model, text), extractChatCompletionsDelta, stop, capture, yield)
		}
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("vendorclient: upstream status %d", e.status)
}

func isFallbackEligible(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	if !ok {
		return false
	}
	return fallbackStatus(statusErr.status)
}

// streamVia runs tryStreamVia and records any error on capture, matching
// the non-auto code paths which don't need fallback decisions.
func (c *Client) streamVia(ctx context.Context, req request, extract deltaExtractor, stop <-chan struct{}, capture *llm.Capture, yield func(llm.Token) bool) {
	if err := c.tryStreamVia(ctx, req, extract, stop, capture, yield); err != nil && capture != nil {
		capture.Err = err
	}
}

type request struct {
	path string
	body []byte
}

type deltaExtractor func(obj map[string]any) (string, bool)

func responsesRequest(baseURL, model, text string) request {
	body, _ := json.Marshal(map[string]any{
		"model":  model,
		"input":  text,
		"stream": true,
	})
	return request{path: baseURL + "/responses", body: body}
}

func chatCompletionsRequest(baseURL, model, text string) request {
	body, _ := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": text},
		},
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	})
	return request{path: baseURL + "/chat/completions", body: body}
}

// tryStreamVia issues the HTTP request, parses its SSE body, and yields
// tokens. It returns the terminal error (if any) so the auto-detect path
// can decide whether to fall back without having already told the caller
// the stream ended with an error.
func (c *Client) tryStreamVia(ctx context.Context, req request, extract deltaExtractor, stop <-chan struct{}, capture *llm.Capture, yield func(llm.Token) bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.path, bytes.NewReader(req.body))
	if err != nil {
		return fmt.Errorf("vendorclient: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vendorclient: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}

	for data := range iterSSEData(resp.Body) {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		trimmed := strings.TrimSpace(data)
		if trimmed == "[DONE]" {
			return nil
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			continue
		}

		maybeCaptureUsage(obj, capture)

		delta, ok := extract(obj)
		if !ok || delta == "" {
			continue
		}
		if !yield(llm.Token{Text: delta}) {
			return nil
		}
	}
	return nil
}

// iterSSEData reconstructs blank-line-delimited SSE "data:" frames from an
// HTTP body, mirroring the reference line-buffering algorithm: accumulate
// "data:" lines until a blank line, joined by newlines, skip ":"-comment
// lines, ignore everything else.
func iterSSEData(body io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var buf []string
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			frame := strings.Join(buf, "\n")
			buf = buf[:0]
			return yield(frame)
		}
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
				continue
			case strings.HasPrefix(line, "data:"):
				buf = append(buf, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " "))
			default:
				continue
			}
		}
		flush()
	}
}

func extractResponsesDelta(obj map[string]any) (string, bool) {
	typ, _ := obj["type"].(string)
	if typ == "response.output_text.delta" {
		if delta, ok := obj["delta"].(string); ok && delta != "" {
			return delta, true
		}
		return "", false
	}
	if typ == "response.output_text.done" {
		return "", false
	}
	if delta, ok := obj["delta"].(string); ok && delta != "" {
		return delta, true
	}
	return "", false
}

func extractChatCompletionsDelta(obj map[string]any) (string, bool) {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice0, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice0["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	if !ok || content == "" {
		return "", false
	}
	return content, true
}

// maybeCaptureUsage extracts usage token counts from obj["usage"], falling
// back to obj["response"]["usage"] (the Responses API nests usage there in
// some deployments), and the input_tokens/output_tokens alias scheme.
func maybeCaptureUsage(obj map[string]any, capture *llm.Capture) {
	if capture == nil {
		return
	}

	usage, ok := obj["usage"].(map[string]any)
	if !ok {
		if resp, ok := obj["response"].(map[string]any); ok {
			usage, _ = resp["usage"].(map[string]any)
		}
	}
	if usage == nil {
		return
	}

	prompt := intFromUsage(usage, "prompt_tokens", "input_tokens")
	completion := intFromUsage(usage, "completion_tokens", "output_tokens")
	total := intFromUsage(usage, "total_tokens")

	if total == nil && prompt != nil && completion != nil {
		sum := *prompt + *completion
		total = &sum
	}

	if prompt != nil {
		capture.PromptTokens = prompt
	}
	if completion != nil {
		capture.CompletionTokens = completion
	}
	if total != nil {
		capture.TotalTokens = total
	}
}

func intFromUsage(usage map[string]any, keys ...string) *int {
	for _, key := range keys {
		raw, ok := usage[key]
		if !ok {
			continue
		}
		f, ok := raw.(float64)
		if !ok || f < 0 {
			continue
		}
		v := int(f)
		return &v
	}
	return nil
}

var _ llm.Client = (*Client)(nil)
