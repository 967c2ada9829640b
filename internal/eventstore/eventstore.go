// Package eventstore defines the per-stream append-only event log and its
// per-device acknowledgement cursors. Two implementations exist:
// memstore (in-process, used by the tests) and pgxstore (PostgreSQL-backed,
// the store cmd/session-backend wires). Both implement
// the same Store contract so the session loop and chat orchestrator are
// storage-agnostic.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a stream or device cursor lookup found nothing.
var ErrNotFound = errors.New("eventstore: not found")

// StreamKey identifies a single append-only log: one per (user, save) pair.
type StreamKey struct {
	UserID string
	SaveID string
}

// String renders the key as "user:save", the prefix of a server_event_id.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s:%s", k.UserID, k.SaveID)
}

// Frame is one logged event: an immutable row in a stream's log.
type Frame struct {
	Key         StreamKey
	Seq         int64
	FrameType   string
	Payload     json.RawMessage
	AckRequired bool
	CreatedAt   time.Time
}

// ServerEventID renders the frame's globally unique identifier.
func (f Frame) ServerEventID() string {
	return fmt.Sprintf("%s:%s:%d", f.Key.UserID, f.Key.SaveID, f.Seq)
}

// UsageRow is the accounting record for one completed (or interrupted)
// chat stream execution. Written exactly once, after the stream ends.
type UsageRow struct {
	UserID           string
	SaveID           string
	ClientRequestID  string
	Provider         string
	API              string
	Model            string
	StartedAt        time.Time
	EndedAt          time.Time
	LatencyMS        int64
	TTFTMS           *int64
	OutputChunks     int
	OutputChars      int
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Interrupted      bool
	Error            *string
}

// UsageRecorder persists UsageRows. Implemented by both Store
// implementations; kept as a separate interface because the chat
// orchestrator only ever needs this one method from its storage dependency.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, row UsageRow) error
}

// Store is the append-only event log plus per-device ack cursors.
type Store interface {
	// Append inserts a new event for key, assigning the next sequence
	// number transactionally, and returns the stored Frame. Callers are
	// responsible for publishing a notifier notice after this returns.
	Append(ctx context.Context, key StreamKey, frameType string, payload json.RawMessage, ackRequired bool) (Frame, error)

	// Replay returns every frame with seq > max(resumeFrom, trimmedUptoSeq),
	// in ascending seq order.
	Replay(ctx context.Context, key StreamKey, resumeFrom int64) ([]Frame, error)

	// Ack upserts device's cursor to max(current, cursor) clamped to
	// [0, next_seq-1], recomputes the minimum cursor across all devices
	// for key, and trims (deletes) events with seq <= that minimum.
	// Returns the device's post-clamp cursor value.
	Ack(ctx context.Context, key StreamKey, device string, cursor int64) (int64, error)

	// EnsureDeviceCursor creates a zero-valued cursor row for device if one
	// does not already exist. Idempotent.
	EnsureDeviceCursor(ctx context.Context, key StreamKey, device string) error

	// DeviceCursorExists reports whether device already has a cursor row
	// for key, used to distinguish a new device from a reconnect when
	// enforcing the device-count quota.
	DeviceCursorExists(ctx context.Context, key StreamKey, device string) (bool, error)

	// CountDeviceCursors returns the number of distinct device cursors
	// registered for key.
	CountDeviceCursors(ctx context.Context, key StreamKey) (int, error)

	// DeviceLastAckedSeq returns device's current acknowledgement cursor
	// for key, used to populate HELLO.cursor on connect.
	DeviceLastAckedSeq(ctx context.Context, key StreamKey, device string) (int64, error)
}
