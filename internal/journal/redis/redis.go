// Package redis publishes session lifecycle events on a Redis channel and
// keeps a bounded per-session transcript list for live consumers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/switchyard/internal/journal"
)

// Event types published on the channel.
const (
	EventText   = "text"
	EventClosed = "closed"
)

const (
	defaultMaxTranscript = 1000
	defaultTTL           = 24 * time.Hour
)

// Event is the JSON envelope published for every record.
type Event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Text      *journal.Text    `json:"text,omitempty"`
	Summary   *journal.Summary `json:"summary,omitempty"`
}

// Options configures a [Journal].
type Options struct {
	Addr     string
	Password string
	DB       int

	// Channel receives every published [Event].
	Channel string

	// KeyPrefix prefixes transcript list keys. Default "switchyard".
	KeyPrefix string

	// MaxTranscript caps each transcript list. Default 1000 entries.
	MaxTranscript int64

	// TTL expires transcript lists after the last write. Default 24h.
	TTL time.Duration
}

// Journal is a [journal.Journal] backed by Redis.
type Journal struct {
	client *goredis.Client
	opts   Options
}

var _ journal.Journal = (*Journal)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Journal, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("journal/redis: connect %s: %w", opts.Addr, err)
	}
	return New(client, opts), nil
}

// New wraps an existing client. Close closes it.
func New(client *goredis.Client, opts Options) *Journal {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "switchyard"
	}
	if opts.MaxTranscript <= 0 {
		opts.MaxTranscript = defaultMaxTranscript
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Journal{client: client, opts: opts}
}

// TranscriptKey returns the list key holding a session's transcript.
func (j *Journal) TranscriptKey(sessionID string) string {
	return j.opts.KeyPrefix + ":transcript:" + sessionID
}

// Ping checks the connection. It backs the readiness check.
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

// RecordText appends t to the session's transcript list, trims it and
// publishes a text event.
func (j *Journal) RecordText(ctx context.Context, t journal.Text) error {
	entry, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("journal/redis: marshal text: %w", err)
	}
	ev, err := json.Marshal(Event{Type: EventText, SessionID: t.SessionID, Text: &t})
	if err != nil {
		return fmt.Errorf("journal/redis: marshal event: %w", err)
	}

	key := j.TranscriptKey(t.SessionID)
	_, err = j.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, entry)
		pipe.LTrim(ctx, key, -j.opts.MaxTranscript, -1)
		pipe.Expire(ctx, key, j.opts.TTL)
		if j.opts.Channel != "" {
			pipe.Publish(ctx, j.opts.Channel, ev)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal/redis: record text: %w", err)
	}
	return nil
}

// RecordSummary publishes a closed event carrying s.
func (j *Journal) RecordSummary(ctx context.Context, s journal.Summary) error {
	if j.opts.Channel == "" {
		return nil
	}
	ev, err := json.Marshal(Event{Type: EventClosed, SessionID: s.SessionID, Summary: &s})
	if err != nil {
		return fmt.Errorf("journal/redis: marshal event: %w", err)
	}
	if err := j.client.Publish(ctx, j.opts.Channel, ev).Err(); err != nil {
		return fmt.Errorf("journal/redis: publish summary: %w", err)
	}
	return nil
}

// Transcript returns the retained transcript of one session.
func (j *Journal) Transcript(ctx context.Context, sessionID string) ([]journal.Text, error) {
	raw, err := j.client.LRange(ctx, j.TranscriptKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("journal/redis: transcript: %w", err)
	}
	out := make([]journal.Text, 0, len(raw))
	for _, r := range raw {
		var t journal.Text
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("journal/redis: decode transcript entry: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Close closes the client.
func (j *Journal) Close() error {
	return j.client.Close()
}
