package dialog

import (
	"context"
	"fmt"
	"strings"
)

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

const summaryPrompt = `Summarise the following phone conversation between a caller and an assistant.
Keep names, numbers, decisions and open requests. Be concise.`

// History is the rolling conversation of one session. When the estimated
// token count passes the budget, the oldest half is replaced by a summary.
//
// History is owned by one goroutine and is not safe for concurrent use.
type History struct {
	budget    int
	summarise func(ctx context.Context, msgs []Message) (string, error)

	messages []Message
	summary  string
	tokens   int
}

// NewHistory returns a history that compacts itself once it exceeds budget
// estimated tokens. A nil summarise drops the oldest half instead.
func NewHistory(budget int, summarise func(ctx context.Context, msgs []Message) (string, error)) *History {
	return &History{budget: budget, summarise: summarise}
}

// Summariser returns a summarise function for [NewHistory] that asks c.
func Summariser(c Completer) func(ctx context.Context, msgs []Message) (string, error) {
	return func(ctx context.Context, msgs []Message) (string, error) {
		var sb strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
		}
		s, err := Complete(ctx, c, Request{
			System:      summaryPrompt,
			Messages:    []Message{{Role: "user", Content: sb.String()}},
			Temperature: 0.3,
		})
		if err != nil {
			return "", fmt.Errorf("dialog: summarise: %w", err)
		}
		return s, nil
	}
}

// Add appends m and compacts the history when it is over budget. A failed
// summary still drops the oldest messages; the error is returned for
// logging.
func (h *History) Add(ctx context.Context, m Message) error {
	h.messages = append(h.messages, m)
	h.tokens += estimateTokens(m.Role + m.Content)
	if h.budget <= 0 || h.tokens <= h.budget || len(h.messages) < 2 {
		return nil
	}

	half := len(h.messages) / 2
	old := h.messages[:half]
	var err error
	if h.summarise != nil {
		var s string
		if s, err = h.summarise(ctx, old); err == nil {
			h.summary = strings.TrimSpace(strings.Join([]string{h.summary, s}, "\n"))
		}
	}
	h.messages = append([]Message(nil), h.messages[half:]...)
	h.recount()
	return err
}

// Messages returns the conversation with the running summary first.
func (h *History) Messages() []Message {
	out := make([]Message, 0, len(h.messages)+1)
	if h.summary != "" {
		out = append(out, Message{Role: "system", Content: "Summary of the earlier conversation: " + h.summary})
	}
	return append(out, h.messages...)
}

// Tokens returns the current estimate.
func (h *History) Tokens() int { return h.tokens }

func (h *History) recount() {
	h.tokens = estimateTokens(h.summary)
	for _, m := range h.messages {
		h.tokens += estimateTokens(m.Role + m.Content)
	}
}

func estimateTokens(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
