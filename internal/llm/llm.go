// Package llm defines the upstream token-streaming contract used by the
// chat orchestrator. Two implementations exist: synthetic (a fixed,
// dependency-free echo used for local development and tests) and
// vendorclient (an OpenAI-compatible HTTP/SSE client). The streaming shape
// uses the Go 1.23+ range-over-func iterator convention so the orchestrator
// can `for token := range client.Stream(...)` without an intermediate
// channel or goroutine of its own.
package llm

import (
	"context"
	"iter"
)

// Token is one incremental text delta yielded by a streaming client.
type Token struct {
	Text string
}

// Capture accumulates accounting data opportunistically surfaced during a
// stream: which provider/api/model actually served the request, and
// whatever token usage numbers the upstream reported. Populated as the
// stream progresses; final values are only guaranteed once iteration ends.
type Capture struct {
	Provider string
	API      string
	Model    string

	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int

	// Err holds the terminal error, if any, once iteration over Stream's
	// sequence ends. Callers must check this after the range loop exits —
	// the iterator itself has no return value to carry it.
	Err error
}

// Client streams incremental text tokens for a chat turn.
type Client interface {
	// Stream returns a lazily-evaluated sequence of tokens for text. The
	// stream stops early, without error, if stop is closed. Any upstream
	// failure is recorded on capture.Err after the sequence ends; it does
	// not panic or block the range loop.
	Stream(ctx context.Context, text string, stop <-chan struct{}, capture *Capture) iter.Seq[Token]
}
