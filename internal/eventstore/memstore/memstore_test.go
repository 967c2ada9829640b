package memstore

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/primal-host/session-backend/internal/eventstore"
)

func appendN(t *testing.T, store *Store, key eventstore.StreamKey, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Append(context.Background(), key, "EVENT", json.RawMessage(`{}`), false); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestBasicReplay(t *testing.T) {
	store := New()
	key := eventstore.StreamKey{UserID: "U", SaveID: "S"}
	appendN(t, store, key, 5)

	frames, err := store.Replay(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		wantSeq := int64(i + 1)
		if f.Seq != wantSeq {
			t.Fatalf("frame %d: seq = %d, want %d", i, f.Seq, wantSeq)
		}
		wantID := "U:S:" + strconv.FormatInt(wantSeq, 10)
		if f.ServerEventID() != wantID {
			t.Fatalf("frame %d: server_event_id = %q, want %q", i, f.ServerEventID(), wantID)
		}
	}
}

func TestPerDeviceTrim(t *testing.T) {
	store := New()
	key := eventstore.StreamKey{UserID: "U", SaveID: "S"}
	appendN(t, store, key, 5)

	ctx := context.Background()
	if err := store.EnsureDeviceCursor(ctx, key, "A"); err != nil {
		t.Fatalf("ensure A: %v", err)
	}
	if err := store.EnsureDeviceCursor(ctx, key, "B"); err != nil {
		t.Fatalf("ensure B: %v", err)
	}

	if _, err := store.Ack(ctx, key, "A", 3); err != nil {
		t.Fatalf("ack A: %v", err)
	}

	// B hasn't acked yet, so nothing is trimmed: B still sees 1..5.
	framesB, err := store.Replay(ctx, key, 0)
	if err != nil {
		t.Fatalf("replay B: %v", err)
	}
	if len(framesB) != 5 {
		t.Fatalf("B: expected 5 frames (untrimmed), got %d", len(framesB))
	}

	// A reconnecting from 0 only sees what hasn't been trimmed; since B's
	// cursor is still 0, the global min is 0, so nothing is trimmed yet and
	// A also still sees all 5 (events become invisible to A only via its own
	// resume_from, not via trim, until B also acks).
	framesA, err := store.Replay(ctx, key, 0)
	if err != nil {
		t.Fatalf("replay A: %v", err)
	}
	if len(framesA) != 5 {
		t.Fatalf("A: expected 5 frames pre-trim, got %d", len(framesA))
	}

	if _, err := store.Ack(ctx, key, "B", 3); err != nil {
		t.Fatalf("ack B: %v", err)
	}

	// Now min(acked)=3, so events 1..3 are trimmed for everyone.
	framesAfter, err := store.Replay(ctx, key, 0)
	if err != nil {
		t.Fatalf("replay after trim: %v", err)
	}
	if len(framesAfter) != 2 {
		t.Fatalf("expected 2 frames after trim, got %d", len(framesAfter))
	}
	if framesAfter[0].Seq != 4 || framesAfter[1].Seq != 5 {
		t.Fatalf("expected seqs 4,5 after trim, got %d,%d", framesAfter[0].Seq, framesAfter[1].Seq)
	}
}

func TestAckClampsToNextSeq(t *testing.T) {
	store := New()
	key := eventstore.StreamKey{UserID: "U", SaveID: "S"}
	appendN(t, store, key, 2)

	ctx := context.Background()
	got, err := store.Ack(ctx, key, "A", 100)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got != 2 {
		t.Fatalf("ack cursor = %d, want clamp to 2", got)
	}
}

func TestAckNeverRegresses(t *testing.T) {
	store := New()
	key := eventstore.StreamKey{UserID: "U", SaveID: "S"}
	appendN(t, store, key, 5)

	ctx := context.Background()
	if _, err := store.Ack(ctx, key, "A", 4); err != nil {
		t.Fatalf("ack 4: %v", err)
	}
	got, err := store.Ack(ctx, key, "A", 2)
	if err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	if got != 4 {
		t.Fatalf("cursor regressed to %d, want 4", got)
	}
}
