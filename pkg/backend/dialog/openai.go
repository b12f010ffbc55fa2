package dialog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

var _ Completer = (*OpenAI)(nil)

// OpenAIOption configures an [OpenAI] completer.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL string
	timeout time.Duration
}

// WithOpenAIBaseURL points the client at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithOpenAITimeout sets a per-request HTTP timeout.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// OpenAI is a [Completer] backed by the OpenAI chat completions API.
type OpenAI struct {
	client oai.Client
	model  string
}

// NewOpenAI returns a completer for model.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("dialog: openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("dialog: openai: model must not be empty")
	}
	cfg := &openaiConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Stream implements Completer.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := o.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("dialog: openai: start stream: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var usage *Usage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, ch, Chunk{Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, Chunk{Err: fmt.Errorf("dialog: openai: stream: %w", err)})
			return
		}
		send(ctx, ch, Chunk{Done: true, Usage: usage})
	}()
	return ch, nil
}

func (o *OpenAI) buildParams(req Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("dialog: openai: unknown message role %q", m.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.model),
		Messages: messages,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}
