// Package pgxstore is the PostgreSQL-backed eventstore.Store, grounded on
// the stream-row-upsert-then-increment transaction shape of the original
// event log and on primal-pds's pgxpool bootstrap conventions.
package pgxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/session-backend/internal/eventstore"
)

// Store is a PostgreSQL-backed eventstore.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, verifies the connection, and bootstraps the
// event-log schema. Mirrors primal-pds's OpenManagement pool tuning.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("pgxstore: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxstore: bootstrap schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an already-open pool, used by callers that manage their
// own pool lifecycle (e.g. to share it with metrics instrumentation).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func normalizeDevice(device string) string {
	if device == "" {
		return "legacy"
	}
	return device
}

// Append upserts the stream row, reserves the next seq, and inserts the
// event row, all within one transaction.
func (s *Store) Append(ctx context.Context, key eventstore.StreamKey, frameType string, payload json.RawMessage, ackRequired bool) (eventstore.Frame, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eventstore.Frame{}, fmt.Errorf("pgxstore: append: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ws_streams (user_id, save_id, next_seq, trimmed_upto_seq, created_at, updated_at)
		 VALUES ($1, $2, 1, 0, $3, $3)
		 ON CONFLICT (user_id, save_id) DO NOTHING`,
		key.UserID, key.SaveID, now,
	); err != nil {
		return eventstore.Frame{}, fmt.Errorf("pgxstore: append: ensure stream: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE ws_streams
		 SET next_seq = next_seq + 1, updated_at = $3
		 WHERE user_id = $1 AND save_id = $2
		 RETURNING (next_seq - 1)`,
		key.UserID, key.SaveID, now,
	).Scan(&seq); err != nil {
		return eventstore.Frame{}, fmt.Errorf("pgxstore: append: reserve seq: %w", err)
	}

	if payload == nil {
		payload = json.RawMessage("null")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ws_events (user_id, save_id, seq, frame_type, payload_json, ack_required, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.UserID, key.SaveID, seq, frameType, payload, ackRequired, now,
	); err != nil {
		return eventstore.Frame{}, fmt.Errorf("pgxstore: append: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return eventstore.Frame{}, fmt.Errorf("pgxstore: append: commit: %w", err)
	}

	return eventstore.Frame{
		Key:         key,
		Seq:         seq,
		FrameType:   frameType,
		Payload:     payload,
		AckRequired: ackRequired,
		CreatedAt:   now,
	}, nil
}

// Replay returns frames with seq > max(resumeFrom, trimmedUptoSeq).
func (s *Store) Replay(ctx context.Context, key eventstore.StreamKey, resumeFrom int64) ([]eventstore.Frame, error) {
	var trimmedUpto int64
	err := s.pool.QueryRow(ctx,
		`SELECT trimmed_upto_seq FROM ws_streams WHERE user_id = $1 AND save_id = $2`,
		key.UserID, key.SaveID,
	).Scan(&trimmedUpto)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("pgxstore: replay: lookup stream: %w", err)
	}

	effectiveFrom := resumeFrom
	if trimmedUpto > effectiveFrom {
		effectiveFrom = trimmedUpto
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, frame_type, payload_json, ack_required, created_at
		 FROM ws_events
		 WHERE user_id = $1 AND save_id = $2 AND seq > $3
		 ORDER BY seq ASC`,
		key.UserID, key.SaveID, effectiveFrom,
	)
	if err != nil {
		return nil, fmt.Errorf("pgxstore: replay: query: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Frame
	for rows.Next() {
		var f eventstore.Frame
		f.Key = key
		var payload []byte
		if err := rows.Scan(&f.Seq, &f.FrameType, &payload, &f.AckRequired, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgxstore: replay: scan: %w", err)
		}
		f.Payload = json.RawMessage(payload)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgxstore: replay: rows: %w", err)
	}
	return out, nil
}

// EnsureDeviceCursor creates a zero-valued cursor row if one doesn't exist.
func (s *Store) EnsureDeviceCursor(ctx context.Context, key eventstore.StreamKey, device string) error {
	device = normalizeDevice(device)
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ws_device_cursors (user_id, save_id, device_id, last_acked_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)
		 ON CONFLICT (user_id, save_id, device_id) DO NOTHING`,
		key.UserID, key.SaveID, device, now,
	)
	if err != nil {
		return fmt.Errorf("pgxstore: ensure device cursor: %w", err)
	}
	return nil
}

// DeviceCursorExists reports whether device already has a cursor row.
func (s *Store) DeviceCursorExists(ctx context.Context, key eventstore.StreamKey, device string) (bool, error) {
	device = normalizeDevice(device)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM ws_device_cursors
			WHERE user_id = $1 AND save_id = $2 AND device_id = $3
		 )`,
		key.UserID, key.SaveID, device,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgxstore: device cursor exists: %w", err)
	}
	return exists, nil
}

// CountDeviceCursors returns the number of distinct device cursors for key.
func (s *Store) CountDeviceCursors(ctx context.Context, key eventstore.StreamKey) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ws_device_cursors WHERE user_id = $1 AND save_id = $2`,
		key.UserID, key.SaveID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgxstore: count device cursors: %w", err)
	}
	return count, nil
}

// DeviceLastAckedSeq returns device's current cursor for key, or 0 if unset.
func (s *Store) DeviceLastAckedSeq(ctx context.Context, key eventstore.StreamKey, device string) (int64, error) {
	device = normalizeDevice(device)
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_acked_seq FROM ws_device_cursors
		 WHERE user_id = $1 AND save_id = $2 AND device_id = $3`,
		key.UserID, key.SaveID, device,
	).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pgxstore: device last acked seq: %w", err)
	}
	return seq, nil
}

// Ack upserts device's cursor (bounded to the current log range), then
// trims events at or below the new global-minimum cursor, all within one
// transaction.
func (s *Store) Ack(ctx context.Context, key eventstore.StreamKey, device string, cursor int64) (int64, error) {
	device = normalizeDevice(device)
	if cursor < 0 {
		cursor = 0
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgxstore: ack: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ws_streams (user_id, save_id, next_seq, trimmed_upto_seq, created_at, updated_at)
		 VALUES ($1, $2, 1, 0, $3, $3)
		 ON CONFLICT (user_id, save_id) DO NOTHING`,
		key.UserID, key.SaveID, now,
	); err != nil {
		return 0, fmt.Errorf("pgxstore: ack: ensure stream: %w", err)
	}

	var nextSeq, trimmedUpto int64
	if err := tx.QueryRow(ctx,
		`SELECT next_seq, trimmed_upto_seq FROM ws_streams
		 WHERE user_id = $1 AND save_id = $2 FOR UPDATE`,
		key.UserID, key.SaveID,
	).Scan(&nextSeq, &trimmedUpto); err != nil {
		return 0, fmt.Errorf("pgxstore: ack: lookup stream: %w", err)
	}

	maxSeqInLog := nextSeq - 1
	if maxSeqInLog < 0 {
		maxSeqInLog = 0
	}
	bounded := cursor
	if bounded > maxSeqInLog {
		bounded = maxSeqInLog
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ws_device_cursors (user_id, save_id, device_id, last_acked_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (user_id, save_id, device_id)
		 DO UPDATE SET
			last_acked_seq = GREATEST(ws_device_cursors.last_acked_seq, EXCLUDED.last_acked_seq),
			updated_at = EXCLUDED.updated_at`,
		key.UserID, key.SaveID, device, bounded, now,
	); err != nil {
		return 0, fmt.Errorf("pgxstore: ack: upsert cursor: %w", err)
	}

	var minAcked int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MIN(last_acked_seq), 0) FROM ws_device_cursors
		 WHERE user_id = $1 AND save_id = $2`,
		key.UserID, key.SaveID,
	).Scan(&minAcked); err != nil {
		return 0, fmt.Errorf("pgxstore: ack: min acked: %w", err)
	}

	if minAcked > trimmedUpto {
		if _, err := tx.Exec(ctx,
			`UPDATE ws_streams SET trimmed_upto_seq = $3, updated_at = $4
			 WHERE user_id = $1 AND save_id = $2`,
			key.UserID, key.SaveID, minAcked, now,
		); err != nil {
			return 0, fmt.Errorf("pgxstore: ack: update trimmed: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM ws_events WHERE user_id = $1 AND save_id = $2 AND seq <= $3`,
			key.UserID, key.SaveID, minAcked,
		); err != nil {
			return 0, fmt.Errorf("pgxstore: ack: trim events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("pgxstore: ack: commit: %w", err)
	}

	// Re-fetch the device's post-clamp cursor: bounded is the value we
	// offered, but GREATEST may have kept a higher prior value.
	actual, err := s.DeviceLastAckedSeq(ctx, key, device)
	if err != nil {
		return 0, err
	}
	return actual, nil
}

// RecordUsage inserts one usage row in its own committed transaction. The
// chat orchestrator calls this as a standalone step between appending
// CHAT_DONE to the log and sending the CHAT_DONE frame, so the row is
// durable and visible before the client is told the stream is done.
func (s *Store) RecordUsage(ctx context.Context, row eventstore.UsageRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ws_usage_rows (
			user_id, save_id, client_request_id, provider, api, model,
			started_at, ended_at, latency_ms, ttft_ms, output_chunks, output_chars,
			prompt_tokens, completion_tokens, total_tokens, interrupted, error
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		row.UserID, row.SaveID, row.ClientRequestID, row.Provider, row.API, row.Model,
		row.StartedAt, row.EndedAt, row.LatencyMS, row.TTFTMS, row.OutputChunks, row.OutputChars,
		row.PromptTokens, row.CompletionTokens, row.TotalTokens, row.Interrupted, row.Error,
	)
	if err != nil {
		return fmt.Errorf("pgxstore: record usage: %w", err)
	}
	return nil
}

var (
	_ eventstore.Store         = (*Store)(nil)
	_ eventstore.UsageRecorder = (*Store)(nil)
)
