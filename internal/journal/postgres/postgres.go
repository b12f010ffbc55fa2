// Package postgres stores session transcripts and summaries in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// Schema is the SQL DDL for the journal tables. Execute it via
// [Journal.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_transcripts (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    backend     TEXT        NOT NULL,
    seq         BIGINT      NOT NULL,
    role        TEXT        NOT NULL,
    content     TEXT        NOT NULL,
    final       BOOLEAN     NOT NULL DEFAULT true,
    at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_transcripts_session ON session_transcripts(session_id, seq);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT PRIMARY KEY,
    backend     TEXT        NOT NULL,
    metadata    JSONB       NOT NULL DEFAULT '{}',
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    frames_in   BIGINT      NOT NULL DEFAULT 0,
    frames_out  BIGINT      NOT NULL DEFAULT 0,
    dropped     BIGINT      NOT NULL DEFAULT 0,
    audio_in_ms BIGINT      NOT NULL DEFAULT 0,
    audio_out_ms BIGINT     NOT NULL DEFAULT 0,
    text_in     BIGINT      NOT NULL DEFAULT 0,
    text_out    BIGINT      NOT NULL DEFAULT 0,
    usage       JSONB       NOT NULL DEFAULT '[]',
    outcome     TEXT        NOT NULL,
    cause       TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_session_summaries_started ON session_summaries(started_at);
`

// DB is the database interface used by [Journal]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Journal is a [journal.Journal] backed by PostgreSQL.
type Journal struct {
	db    DB
	close func()
}

var _ journal.Journal = (*Journal)(nil)

// New wraps db. The caller owns db and must call [Journal.Migrate] before
// writing.
func New(db DB) *Journal {
	return &Journal{db: db}
}

// Open connects a pool to dsn, verifies it and applies [Schema]. Close
// releases the pool.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal/postgres: ping: %w", err)
	}
	j := &Journal{db: pool, close: pool.Close}
	if err := j.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// Migrate executes [Schema].
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection. It backs the readiness check.
func (j *Journal) Ping(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("journal/postgres: ping: %w", err)
	}
	return nil
}

// RecordText inserts one transcript row.
func (j *Journal) RecordText(ctx context.Context, t journal.Text) error {
	const query = `
		INSERT INTO session_transcripts (session_id, backend, seq, role, content, final, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := j.db.Exec(ctx, query,
		t.SessionID, t.Backend, int64(t.Seq), string(t.Role), t.Content, t.Final, t.At,
	)
	if err != nil {
		return fmt.Errorf("journal/postgres: record text: %w", err)
	}
	return nil
}

// RecordSummary upserts the session's summary row.
func (j *Journal) RecordSummary(ctx context.Context, s journal.Summary) error {
	metaJSON, err := json.Marshal(emptyMap(s.Metadata))
	if err != nil {
		return fmt.Errorf("journal/postgres: marshal metadata: %w", err)
	}
	usageJSON, err := json.Marshal(emptySlice(s.Usage))
	if err != nil {
		return fmt.Errorf("journal/postgres: marshal usage: %w", err)
	}

	const query = `
		INSERT INTO session_summaries (
			session_id, backend, metadata, started_at, ended_at,
			frames_in, frames_out, dropped, audio_in_ms, audio_out_ms,
			text_in, text_out, usage, outcome, cause
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			frames_in = EXCLUDED.frames_in,
			frames_out = EXCLUDED.frames_out,
			dropped = EXCLUDED.dropped,
			audio_in_ms = EXCLUDED.audio_in_ms,
			audio_out_ms = EXCLUDED.audio_out_ms,
			text_in = EXCLUDED.text_in,
			text_out = EXCLUDED.text_out,
			usage = EXCLUDED.usage,
			outcome = EXCLUDED.outcome,
			cause = EXCLUDED.cause`
	_, err = j.db.Exec(ctx, query,
		s.SessionID, s.Backend, metaJSON, s.StartedAt, s.EndedAt,
		s.FramesIn, s.FramesOut, s.Dropped, s.AudioIn.Milliseconds(), s.AudioOut.Milliseconds(),
		s.TextIn, s.TextOut, usageJSON, s.Outcome, s.Cause,
	)
	if err != nil {
		return fmt.Errorf("journal/postgres: record summary: %w", err)
	}
	return nil
}

// Transcript returns the stored text of one session in sequence order.
func (j *Journal) Transcript(ctx context.Context, sessionID string) ([]journal.Text, error) {
	const query = `
		SELECT backend, seq, role, content, final, at
		FROM session_transcripts
		WHERE session_id = $1
		ORDER BY seq, id`
	rows, err := j.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: transcript: %w", err)
	}
	defer rows.Close()

	var out []journal.Text
	for rows.Next() {
		var (
			t    = journal.Text{SessionID: sessionID}
			seq  int64
			role string
			at   time.Time
		)
		if err := rows.Scan(&t.Backend, &seq, &role, &t.Content, &t.Final, &at); err != nil {
			return nil, fmt.Errorf("journal/postgres: scan transcript: %w", err)
		}
		t.Seq = uint64(seq)
		t.Role = modality.Role(role)
		t.At = at
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal/postgres: transcript rows: %w", err)
	}
	return out, nil
}

// Close releases the pool when the journal opened it.
func (j *Journal) Close() error {
	if j.close != nil {
		j.close()
	}
	return nil
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func emptySlice(s []modality.UsageRecord) []modality.UsageRecord {
	if s == nil {
		return []modality.UsageRecord{}
	}
	return s
}
