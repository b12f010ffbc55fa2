package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	execs     []execCall
	execErr   error
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestMigrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != Schema {
		t.Errorf("execs = %+v", db.execs)
	}
}

func TestRecordText(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := New(db).RecordText(context.Background(), journal.Text{
		SessionID: "s1", Backend: "echo", Seq: 4, Role: modality.RoleCaller, Content: "hello", Final: true, At: at,
	})
	if err != nil {
		t.Fatalf("RecordText: %v", err)
	}
	args := db.execs[0].args
	if args[0] != "s1" || args[2] != int64(4) || args[3] != "caller" || args[4] != "hello" || args[6] != at {
		t.Errorf("args = %v", args)
	}
}

func TestRecordSummary(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := New(db).RecordSummary(context.Background(), journal.Summary{
		SessionID: "s1",
		Backend:   "realtime",
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		AudioIn:   1500 * time.Millisecond,
		Usage:     []modality.UsageRecord{{Name: "input_tokens", Count: 120}},
		Outcome:   journal.OutcomeOK,
	})
	if err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (session_id)") {
		t.Error("summary insert should upsert")
	}
	if call.args[8] != int64(1500) {
		t.Errorf("audio_in_ms = %v", call.args[8])
	}
	if string(call.args[2].([]byte)) != "{}" {
		t.Errorf("metadata = %s, want {}", call.args[2])
	}
	var usage []modality.UsageRecord
	if err := json.Unmarshal(call.args[12].([]byte), &usage); err != nil || len(usage) != 1 || usage[0].Count != 120 {
		t.Errorf("usage = %s (%v)", call.args[12], err)
	}
}

func TestRecord_WrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	j := New(&mockDB{execErr: boom})
	if err := j.RecordText(context.Background(), journal.Text{}); !errors.Is(err, boom) {
		t.Errorf("RecordText err = %v", err)
	}
	if err := j.RecordSummary(context.Background(), journal.Summary{}); !errors.Is(err, boom) {
		t.Errorf("RecordSummary err = %v", err)
	}
	if err := j.Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping err = %v", err)
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		if args[0] != "s1" {
			t.Errorf("session arg = %v", args[0])
		}
		return &mockRows{data: [][]any{
			{"echo", int64(0), "caller", "hi", true, at},
			{"echo", int64(1), "assistant", "hi back", false, at.Add(time.Second)},
		}}, nil
	}}
	got, err := New(db).Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 2 || got[1].Role != modality.RoleAssistant || got[1].Seq != 1 || got[1].Final {
		t.Errorf("transcript = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Integration test
// ---------------------------------------------------------------------------

func TestIntegration_RoundTrip(t *testing.T) {
	dsn := os.Getenv("SWITCHYARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SWITCHYARD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	j, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	sid := fmt.Sprintf("test-%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, c := range []string{"one", "two"} {
		if err := j.RecordText(ctx, journal.Text{SessionID: sid, Backend: "echo", Seq: uint64(i), Role: modality.RoleCaller, Content: c, Final: true, At: now}); err != nil {
			t.Fatalf("RecordText: %v", err)
		}
	}
	if err := j.RecordSummary(ctx, journal.Summary{SessionID: sid, Backend: "echo", StartedAt: now, EndedAt: now, Outcome: journal.OutcomeOK}); err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}
	got, err := j.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 2 || got[0].Content != "one" {
		t.Errorf("transcript = %+v", got)
	}
}
