// Package chat implements the per-connection chat stream state machine:
// Idle -> Streaming -> Finalizing -> Idle. It is grounded directly on the
// reference orchestrator's token loop and its finalize ordering, which is
// load-bearing: CHAT_DONE is appended to the log, a latency is computed,
// the usage row is committed in its own transaction, and only then is the
// CHAT_DONE frame handed to the caller's sender. That order is enforced
// structurally here (each step runs to completion before the next begins)
// rather than left to incidental scheduling.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/primal-host/session-backend/internal/eventstore"
	"github.com/primal-host/session-backend/internal/llm"
	"github.com/primal-host/session-backend/internal/logging"
	"github.com/primal-host/session-backend/internal/protocol"
)

// Sender delivers a server frame to the connected socket. The orchestrator
// calls this for every CHAT_TOKEN and the final CHAT_DONE; it never writes
// to the socket through a side path.
type Sender interface {
	Send(ctx context.Context, frame eventstore.Frame) error
}

// Metrics receives append and outcome counters. Optional: a nil Metrics
// is a no-op.
type Metrics interface {
	RecordAppend(frameType string)
	RecordChatOutcome(interrupted bool, hadError bool)
	ObserveChatLatency(ms float64)
}

// Orchestrator runs at most one active chat stream per connection.
type Orchestrator struct {
	key     eventstore.StreamKey
	store   eventstore.Store
	usage   eventstore.UsageRecorder
	client  llm.Client
	sender  Sender
	logger  *logging.Logger
	metrics Metrics

	mu     sync.Mutex
	active bool
	stop   chan struct{}
}

// New constructs an Orchestrator for one connection's stream key.
func New(key eventstore.StreamKey, store eventstore.Store, usage eventstore.UsageRecorder, client llm.Client, sender Sender, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.L()
	}
	return &Orchestrator{key: key, store: store, usage: usage, client: client, sender: sender, logger: logger}
}

// WithMetrics attaches a Metrics sink, returning the orchestrator for
// chaining at construction time.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Active reports whether a stream is currently running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Interrupt signals the active stream to stop, if one is running. A no-op
// when idle, matching the reference's tolerant interrupt handling.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active && o.stop != nil {
		select {
		case <-o.stop:
		default:
			close(o.stop)
		}
	}
}

// ErrAlreadyStreaming is returned by Start when a stream is already active.
var ErrAlreadyStreaming = fmt.Errorf("chat: a stream is already active on this connection")

// Start runs one chat turn to completion (happy path, interrupt, or
// upstream error) and blocks until Finalizing has fully committed. Callers
// run it in its own goroutine; ctx cancellation (e.g. socket teardown)
// stops token iteration but never skips the finalize sequence.
func (o *Orchestrator) Start(ctx context.Context, text, clientRequestID string) error {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return ErrAlreadyStreaming
	}
	stop := make(chan struct{})
	o.active = true
	o.stop = stop
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = false
		o.stop = nil
		o.mu.Unlock()
	}()

	o.run(ctx, text, clientRequestID, stop)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, text, clientRequestID string, stop chan struct{}) {
	startedAt := time.Now().UTC()
	start := time.Now()
	var ttftMS *int64
	outputChunks := 0
	outputChars := 0
	capture := &llm.Capture{}

	interrupted := false
	var streamErr error

	for token := range o.client.Stream(ctx, text, stop, capture) {
		select {
		case <-stop:
			interrupted = true
		default:
		}
		if interrupted {
			break
		}

		if ttftMS == nil {
			elapsed := time.Since(start).Milliseconds()
			ttftMS = &elapsed
		}
		outputChunks++
		outputChars += len(token.Text)

		payload, _ := json.Marshal(protocol.ChatTokenPayload{
			Token:           token.Text,
			ClientRequestID: clientRequestID,
		})
		frame, err := o.store.Append(ctx, o.key, protocol.TypeChatToken, payload, true)
		if err != nil {
			o.logger.Error("chat: append token failed", logging.Error(err))
			interrupted = true
			break
		}
		if o.metrics != nil {
			o.metrics.RecordAppend(protocol.TypeChatToken)
		}
		if err := o.sender.Send(ctx, frame); err != nil {
			interrupted = true
			break
		}
	}

	select {
	case <-stop:
		interrupted = true
	default:
	}
	// A context cancellation (socket gone, session tearing down) is treated
	// as an interrupt, not an upstream failure: there is no client left to
	// report an error to.
	if ctx.Err() != nil {
		interrupted = true
	} else if capture.Err != nil && !interrupted {
		streamErr = capture.Err
	}

	o.finalize(ctx, clientRequestID, startedAt, start, ttftMS, outputChunks, outputChars, interrupted, streamErr, capture)
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	clientRequestID string,
	startedAt time.Time,
	start time.Time,
	ttftMS *int64,
	outputChunks, outputChars int,
	interrupted bool,
	streamErr error,
	capture *llm.Capture,
) {
	var errText *string
	if streamErr != nil {
		text := streamErr.Error()
		errText = &text
	}

	// Finalize runs with a cancellation-shielded background context: a
	// disconnecting socket must not skip the log append or the usage
	// commit, only the final frame send (which will simply fail).
	bgCtx := context.Background()

	donePayload, _ := json.Marshal(protocol.ChatDonePayload{
		Interrupted:     interrupted,
		ClientRequestID: clientRequestID,
		Error:           errText,
	})
	doneFrame, err := o.store.Append(bgCtx, o.key, protocol.TypeChatDone, donePayload, true)
	if err != nil {
		o.logger.Error("chat: append CHAT_DONE failed", logging.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordAppend(protocol.TypeChatDone)
	}

	endedAt := time.Now().UTC()
	latencyMS := time.Since(start).Milliseconds()
	if latencyMS < 0 {
		latencyMS = 0
	}

	row := eventstore.UsageRow{
		UserID:           o.key.UserID,
		SaveID:           o.key.SaveID,
		ClientRequestID:  clientRequestID,
		Provider:         orUnknown(capture.Provider),
		API:              orUnknown(capture.API),
		Model:            orUnknown(capture.Model),
		StartedAt:        startedAt,
		EndedAt:          endedAt,
		LatencyMS:        latencyMS,
		TTFTMS:           ttftMS,
		OutputChunks:     outputChunks,
		OutputChars:      outputChars,
		PromptTokens:     capture.PromptTokens,
		CompletionTokens: capture.CompletionTokens,
		TotalTokens:      capture.TotalTokens,
		Interrupted:      interrupted,
		Error:            errText,
	}

	// This commit must land before the CHAT_DONE frame is sent: a client
	// observing CHAT_DONE must be able to immediately query its usage row.
	if err := o.usage.RecordUsage(bgCtx, row); err != nil {
		o.logger.Error("chat: record usage failed", logging.Error(err))
	}

	if o.metrics != nil {
		o.metrics.RecordChatOutcome(interrupted, errText != nil)
		o.metrics.ObserveChatLatency(float64(latencyMS))
	}

	if err := o.sender.Send(ctx, doneFrame); err != nil {
		o.logger.Debug("chat: send CHAT_DONE failed, connection likely gone", logging.Error(err))
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
