// Package memstore is an in-memory eventstore.Store, adapted from the
// broker's mutex-guarded Stream type. It trades the broker's single
// sort.Search retention law (minimum ack across live subscribers) for the
// per-device-cursor global-minimum trim law the session backend's log
// requires: trim fires only once every registered device's cursor has
// advanced past a seq, not merely the currently-connected ones.
//
// It is the test double for packages that only need eventstore.Store
// semantics; cmd/session-backend always wires pgxstore instead.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/primal-host/session-backend/internal/eventstore"
)

type streamState struct {
	nextSeq       int64
	trimmedUpto   int64
	order         []int64
	frames        map[int64]eventstore.Frame
	deviceCursors map[string]int64
}

// Store is an in-memory implementation of eventstore.Store.
type Store struct {
	mu        sync.Mutex
	streams   map[eventstore.StreamKey]*streamState
	usageRows []eventstore.UsageRow
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{streams: make(map[eventstore.StreamKey]*streamState)}
}

// RecordUsage appends row to the in-memory usage log.
func (s *Store) RecordUsage(ctx context.Context, row eventstore.UsageRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageRows = append(s.usageRows, row)
	return nil
}

// UsageRows returns a copy of every recorded usage row, for test assertions.
func (s *Store) UsageRows() []eventstore.UsageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventstore.UsageRow, len(s.usageRows))
	copy(out, s.usageRows)
	return out
}

func (s *Store) streamLocked(key eventstore.StreamKey) *streamState {
	st, ok := s.streams[key]
	if !ok {
		st = &streamState{
			nextSeq:       1,
			frames:        make(map[int64]eventstore.Frame),
			deviceCursors: make(map[string]int64),
		}
		s.streams[key] = st
	}
	return st
}

// Append assigns the next sequence number for key and stores the frame.
func (s *Store) Append(ctx context.Context, key eventstore.StreamKey, frameType string, payload json.RawMessage, ackRequired bool) (eventstore.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(key)
	seq := st.nextSeq
	st.nextSeq++

	frame := eventstore.Frame{
		Key:         key,
		Seq:         seq,
		FrameType:   frameType,
		Payload:     payload,
		AckRequired: ackRequired,
		CreatedAt:   time.Now().UTC(),
	}
	st.frames[seq] = frame
	st.order = append(st.order, seq)
	return frame, nil
}

// Replay returns frames with seq > max(resumeFrom, trimmedUpto).
func (s *Store) Replay(ctx context.Context, key eventstore.StreamKey, resumeFrom int64) ([]eventstore.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[key]
	if !ok {
		return nil, nil
	}
	from := resumeFrom
	if st.trimmedUpto > from {
		from = st.trimmedUpto
	}
	out := make([]eventstore.Frame, 0)
	for _, seq := range st.order {
		if seq <= from {
			continue
		}
		out = append(out, st.frames[seq])
	}
	return out, nil
}

// EnsureDeviceCursor creates a zero-valued cursor for device if absent.
func (s *Store) EnsureDeviceCursor(ctx context.Context, key eventstore.StreamKey, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(key)
	if _, ok := st.deviceCursors[device]; !ok {
		st.deviceCursors[device] = 0
	}
	return nil
}

// DeviceCursorExists reports whether device has a registered cursor.
func (s *Store) DeviceCursorExists(ctx context.Context, key eventstore.StreamKey, device string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return false, nil
	}
	_, ok = st.deviceCursors[device]
	return ok, nil
}

// CountDeviceCursors returns the number of distinct device cursors for key.
func (s *Store) CountDeviceCursors(ctx context.Context, key eventstore.StreamKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return 0, nil
	}
	return len(st.deviceCursors), nil
}

// DeviceLastAckedSeq returns device's current cursor for key.
func (s *Store) DeviceLastAckedSeq(ctx context.Context, key eventstore.StreamKey, device string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return 0, nil
	}
	return st.deviceCursors[device], nil
}

// Ack upserts device's cursor to max(current, cursor) clamped to
// [0, next_seq-1], then trims events at or below the minimum cursor across
// all devices for key.
func (s *Store) Ack(ctx context.Context, key eventstore.StreamKey, device string, cursor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(key)

	clamped := cursor
	if clamped < 0 {
		clamped = 0
	}
	if maxSeq := st.nextSeq - 1; clamped > maxSeq {
		clamped = maxSeq
	}

	if current, ok := st.deviceCursors[device]; !ok || clamped > current {
		st.deviceCursors[device] = clamped
	}
	result := st.deviceCursors[device]

	if len(st.deviceCursors) > 0 {
		minAcked := int64(-1)
		for _, c := range st.deviceCursors {
			if minAcked == -1 || c < minAcked {
				minAcked = c
			}
		}
		if minAcked > st.trimmedUpto {
			st.trimmedUpto = minAcked
			s.trimLocked(st)
		}
	}

	return result, nil
}

func (s *Store) trimLocked(st *streamState) {
	idx := sort.Search(len(st.order), func(i int) bool { return st.order[i] > st.trimmedUpto })
	for _, seq := range st.order[:idx] {
		delete(st.frames, seq)
	}
	st.order = append([]int64(nil), st.order[idx:]...)
}

var (
	_ eventstore.Store         = (*Store)(nil)
	_ eventstore.UsageRecorder = (*Store)(nil)
)
