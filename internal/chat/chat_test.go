package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/primal-host/session-backend/internal/eventstore"
	"github.com/primal-host/session-backend/internal/eventstore/memstore"
	"github.com/primal-host/session-backend/internal/llm/synthetic"
	"github.com/primal-host/session-backend/internal/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []eventstore.Frame
}

func (s *recordingSender) Send(ctx context.Context, frame eventstore.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) snapshot() []eventstore.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventstore.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func TestStartHappyPathEndsWithChatDoneAndUsageRow(t *testing.T) {
	store := memstore.New()
	key := eventstore.StreamKey{UserID: "u1", SaveID: "s1"}
	sender := &recordingSender{}
	orch := New(key, store, store, synthetic.New(), sender, nil)

	if err := orch.Start(context.Background(), "hi", "req-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frames := sender.snapshot()
	if len(frames) == 0 {
		t.Fatal("expected at least one frame sent")
	}
	last := frames[len(frames)-1]
	if last.FrameType != protocol.TypeChatDone {
		t.Fatalf("last frame type = %s, want CHAT_DONE", last.FrameType)
	}

	var donePayload protocol.ChatDonePayload
	if err := json.Unmarshal(last.Payload, &donePayload); err != nil {
		t.Fatalf("unmarshal done payload: %v", err)
	}
	if donePayload.Interrupted {
		t.Fatal("expected happy path to not be interrupted")
	}
	if donePayload.Error != nil {
		t.Fatalf("expected no error, got %v", *donePayload.Error)
	}

	rows := store.UsageRows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(rows))
	}
	row := rows[0]
	if row.Interrupted {
		t.Fatal("usage row marked interrupted on happy path")
	}
	if row.OutputChunks == 0 {
		t.Fatal("expected output chunks > 0")
	}
	if row.Provider != "synthetic" {
		t.Fatalf("provider = %q", row.Provider)
	}

	for _, f := range frames {
		if f.FrameType == protocol.TypeChatToken {
			return
		}
	}
	t.Fatal("expected at least one CHAT_TOKEN frame before CHAT_DONE")
}

func TestStartRejectsConcurrentStream(t *testing.T) {
	store := memstore.New()
	key := eventstore.StreamKey{UserID: "u1", SaveID: "s1"}
	sender := &recordingSender{}
	orch := New(key, store, store, synthetic.New(), sender, nil)

	orch.mu.Lock()
	orch.active = true
	orch.stop = make(chan struct{})
	orch.mu.Unlock()

	err := orch.Start(context.Background(), "hi", "req-2")
	if err != ErrAlreadyStreaming {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
}

func TestInterruptMarksUsageRowInterrupted(t *testing.T) {
	store := memstore.New()
	key := eventstore.StreamKey{UserID: "u1", SaveID: "s1"}
	sender := &recordingSender{}
	orch := New(key, store, store, synthetic.New(), sender, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Start(context.Background(), "a fairly long message to stream", "req-3")
	}()

	// Give the stream a moment to emit at least one token, then interrupt.
	time.Sleep(2 * time.Millisecond)
	orch.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Interrupt")
	}

	rows := store.UsageRows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(rows))
	}
	if !rows[0].Interrupted {
		t.Fatal("expected usage row to be marked interrupted")
	}

	frames := sender.snapshot()
	last := frames[len(frames)-1]
	var donePayload protocol.ChatDonePayload
	if err := json.Unmarshal(last.Payload, &donePayload); err != nil {
		t.Fatalf("unmarshal done payload: %v", err)
	}
	if !donePayload.Interrupted {
		t.Fatal("expected CHAT_DONE payload to report interrupted=true")
	}
}

func TestInterruptIsNoOpWhenIdle(t *testing.T) {
	store := memstore.New()
	key := eventstore.StreamKey{UserID: "u1", SaveID: "s1"}
	orch := New(key, store, store, synthetic.New(), &recordingSender{}, nil)
	orch.Interrupt() // must not panic
	if orch.Active() {
		t.Fatal("expected orchestrator to remain idle")
	}
}
