package dialog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

var _ Completer = (*AnyLLM)(nil)

type providerCtor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// ctor erases the concrete provider type of an any-llm constructor.
func ctor[P anyllmlib.Provider](newFn func(...anyllmlib.Option) (P, error)) providerCtor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := newFn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var anyLLMProviders = map[string]providerCtor{
	"anthropic": ctor(anthropic.New),
	"deepseek":  ctor(deepseek.New),
	"gemini":    ctor(gemini.New),
	"groq":      ctor(groq.New),
	"llamacpp":  ctor(llamacpp.New),
	"mistral":   ctor(mistral.New),
	"ollama":    ctor(ollama.New),
	"openai":    ctor(anyllmoai.New),
}

// AnyLLMProviders lists the provider names [NewAnyLLM] accepts.
func AnyLLMProviders() []string {
	return slices.Sorted(maps.Keys(anyLLMProviders))
}

// AnyLLM completes through any-llm-go, one client library over many hosted
// and local model providers.
type AnyLLM struct {
	provider anyllmlib.Provider
	model    string
}

// NewAnyLLM opens provider (case-insensitive) for model. Without an API key
// option the provider falls back to its conventional environment variable.
func NewAnyLLM(provider, model string, opts ...anyllmlib.Option) (*AnyLLM, error) {
	if model == "" {
		return nil, errors.New("dialog: anyllm: model must not be empty")
	}
	newFn, ok := anyLLMProviders[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("dialog: anyllm: unknown provider %q, want one of %v", provider, AnyLLMProviders())
	}
	p, err := newFn(opts...)
	if err != nil {
		return nil, fmt.Errorf("dialog: anyllm: %s: %w", provider, err)
	}
	return &AnyLLM{provider: p, model: model}, nil
}

// Stream implements Completer.
func (a *AnyLLM) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chunks, errs := a.provider.CompletionStream(ctx, a.params(req))

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		for c := range chunks {
			if len(c.Choices) == 0 {
				continue
			}
			if text := c.Choices[0].Delta.Content; text != "" && !send(ctx, out, Chunk{Text: text}) {
				return
			}
		}
		final := Chunk{Done: true}
		if err := <-errs; err != nil {
			final = Chunk{Err: fmt.Errorf("dialog: anyllm: stream: %w", err)}
		}
		send(ctx, out, final)
	}()
	return out, nil
}

func (a *AnyLLM) params(req Request) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	p := anyllmlib.CompletionParams{Model: a.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		p.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		p.MaxTokens = &n
	}
	return p
}
