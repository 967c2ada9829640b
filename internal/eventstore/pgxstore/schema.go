package pgxstore

// Schema bootstraps the four tables backing eventstore.Store. It follows
// primal-pds's const-string schema convention: one CREATE TABLE IF NOT
// EXISTS block per table, with the indexes a query pattern needs declared
// alongside it.
const Schema = `
-- ws_streams tracks the append cursor and trim watermark for one
-- (user, save) log. next_seq is the sequence number the NEXT appended
-- event will receive; trimmed_upto_seq is the highest seq that has been
-- deleted from ws_events.
CREATE TABLE IF NOT EXISTS ws_streams (
	user_id          TEXT NOT NULL,
	save_id          TEXT NOT NULL,
	next_seq         BIGINT NOT NULL DEFAULT 1,
	trimmed_upto_seq BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, save_id)
);

-- ws_events is the append-only log. Rows with seq <= trimmed_upto_seq may
-- be deleted; the remaining seqs for a stream form a contiguous prefix of
-- [trimmed_upto_seq+1, next_seq-1].
CREATE TABLE IF NOT EXISTS ws_events (
	user_id      TEXT NOT NULL,
	save_id      TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	frame_type   TEXT NOT NULL,
	payload_json JSONB,
	ack_required BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, save_id, seq)
);

CREATE INDEX IF NOT EXISTS ws_events_stream_seq_idx
	ON ws_events (user_id, save_id, seq);

-- ws_device_cursors holds one acknowledgement watermark per device per
-- stream. The global minimum across a stream's cursors is the trim law.
CREATE TABLE IF NOT EXISTS ws_device_cursors (
	user_id        TEXT NOT NULL,
	save_id        TEXT NOT NULL,
	device_id      TEXT NOT NULL,
	last_acked_seq BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, save_id, device_id)
);

-- ws_usage_rows records one row per completed (or interrupted) chat stream,
-- written exactly once after the stream terminates.
CREATE TABLE IF NOT EXISTS ws_usage_rows (
	id                BIGSERIAL PRIMARY KEY,
	user_id           TEXT NOT NULL,
	save_id           TEXT NOT NULL,
	client_request_id TEXT,
	provider          TEXT NOT NULL,
	api               TEXT NOT NULL,
	model             TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ NOT NULL,
	latency_ms        BIGINT NOT NULL,
	ttft_ms           BIGINT,
	output_chunks     INTEGER NOT NULL,
	output_chars      INTEGER NOT NULL,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	total_tokens      INTEGER,
	interrupted       BOOLEAN NOT NULL DEFAULT false,
	error             TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ws_usage_rows_stream_idx
	ON ws_usage_rows (user_id, save_id, created_at);

-- saves is the minimal save/account record this module needs: just enough
-- to answer the one ownership question the duplex handshake asks. The rest
-- of the save domain (content, metadata, billing) lives elsewhere.
CREATE TABLE IF NOT EXISTS saves (
	save_id    TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS saves_owner_idx ON saves (owner_id);
`
