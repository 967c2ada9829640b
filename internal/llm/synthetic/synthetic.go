// Package synthetic is a dependency-free llm.Client that echoes a fixed
// reply character by character, grounded on fake_chat_tokens: it exists so
// the chat orchestrator is fully exercisable (including interrupt timing)
// without a network dependency.
package synthetic

import (
	"context"
	"iter"
	"time"

	"github.com/primal-host/session-backend/internal/llm"
)

// Client is the synthetic llm.Client.
type Client struct{}

// New constructs a synthetic Client.
func New() *Client {
	return &Client{}
}

// tokenInterval is the pause after each yielded character.
const tokenInterval = 5 * time.Millisecond

// Stream yields "AI: "+text one character at a time, pausing tokenInterval
// after each and checking stop and ctx between characters so interrupt
// tests can land mid-stream.
func (c *Client) Stream(ctx context.Context, text string, stop <-chan struct{}, capture *llm.Capture) iter.Seq[llm.Token] {
	if capture != nil {
		capture.Provider = "synthetic"
		capture.API = "synthetic"
		capture.Model = "synthetic-echo"
	}
	reply := "AI: " + text

	return func(yield func(llm.Token) bool) {
		for _, r := range reply {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				if capture != nil {
					capture.Err = ctx.Err()
				}
				return
			default:
			}
			if !yield(llm.Token{Text: string(r)}) {
				return
			}
			select {
			case <-stop:
			case <-ctx.Done():
			case <-time.After(tokenInterval):
			}
		}
	}
}

var _ llm.Client = (*Client)(nil)
