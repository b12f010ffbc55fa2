package dialog

import (
	"context"
	"fmt"
	"strings"
)

// Message is one turn of the conversation sent to a model.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role    string
	Content string
}

// Request is a completion request.
type Request struct {
	// System is prepended as a system message when non-empty.
	System   string
	Messages []Message

	// Temperature is passed through when non-zero.
	Temperature float64

	// MaxTokens caps the response length when positive.
	MaxTokens int
}

// Usage is the token accounting reported for one completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Chunk is one fragment of a streamed completion. The last chunk on a
// channel has Done set, or Err when the stream failed.
type Chunk struct {
	Text  string
	Done  bool
	Err   error
	Usage *Usage
}

// Completer streams chat completions from a language model.
//
// Implementations must be safe for concurrent use. The returned channel is
// closed after the final chunk or when ctx is cancelled.
type Completer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Complete collects a streamed completion into a single string.
func Complete(ctx context.Context, c Completer, req Request) (string, error) {
	ch, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("dialog: complete: %w", err)
	}
	return b.String(), nil
}

// send delivers c unless ctx ends first.
func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
