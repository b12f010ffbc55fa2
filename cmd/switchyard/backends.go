package main

import (
	"fmt"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/switchyard/internal/config"
	"github.com/MrWong99/switchyard/pkg/backend/deepgram"
	"github.com/MrWong99/switchyard/pkg/backend/dialog"
	"github.com/MrWong99/switchyard/pkg/backend/echo"
	"github.com/MrWong99/switchyard/pkg/backend/elevenlabs"
	"github.com/MrWong99/switchyard/pkg/backend/gemini"
	"github.com/MrWong99/switchyard/pkg/backend/realtime"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// registerBuiltinBackends wires all built-in backend factories into reg.
// Each factory receives a config.BackendEntry and constructs the backend
// from the real implementation packages.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Loopback ──────────────────────────────────────────────────────────────
	reg.Register("echo", func(e config.BackendEntry) (modality.Backend, error) {
		opts := []echo.Option{echo.WithPrefix(e.OptString("prefix", ""))}
		if d := e.OptString("delay", ""); d != "" {
			delay, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("options.delay: %w", err)
			}
			opts = append(opts, echo.WithDelay(delay))
		}
		if rate := e.OptInt("sample_rate", 0); rate > 0 {
			opts = append(opts, echo.WithSampleRates(rate))
		}
		return echo.New(e.Name, opts...), nil
	})

	// ── Speech-to-speech ─────────────────────────────────────────────────────
	reg.Register("openai-realtime", func(e config.BackendEntry) (modality.Backend, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("api_key is required")
		}
		var opts []realtime.Option
		if e.Model != "" {
			opts = append(opts, realtime.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(e.BaseURL))
		}
		if v := e.OptString("voice", ""); v != "" {
			opts = append(opts, realtime.WithVoice(v))
		}
		if s := e.OptString("instructions", ""); s != "" {
			opts = append(opts, realtime.WithInstructions(s))
		}
		return realtime.New(e.Name, e.APIKey, opts...), nil
	})

	reg.Register("gemini", func(e config.BackendEntry) (modality.Backend, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		if v := e.OptString("voice", ""); v != "" {
			opts = append(opts, gemini.WithVoice(v))
		}
		if s := e.OptString("instructions", ""); s != "" {
			opts = append(opts, gemini.WithInstructions(s))
		}
		return gemini.New(e.Name, e.APIKey, opts...)
	})

	// ── Transcription ─────────────────────────────────────────────────────────
	reg.Register("deepgram", func(e config.BackendEntry) (modality.Backend, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.OptString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.Name, e.APIKey, opts...)
	})

	// ── Speech synthesis ──────────────────────────────────────────────────────
	reg.Register("elevenlabs", func(e config.BackendEntry) (modality.Backend, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if _, ok := e.Options["stability"]; ok {
			opts = append(opts, elevenlabs.WithVoiceSettings(e.OptFloat("stability", 0.5), e.OptFloat("similarity_boost", 0.75)))
		}
		return elevenlabs.New(e.Name, e.APIKey, e.OptString("voice", ""), opts...)
	})

	// ── Text dialog ───────────────────────────────────────────────────────────
	reg.Register("dialog", func(e config.BackendEntry) (modality.Backend, error) {
		c, err := newCompleter(e)
		if err != nil {
			return nil, err
		}
		opts := []dialog.Option{
			dialog.WithInstructions(e.OptString("instructions", "")),
			dialog.WithTemperature(e.OptFloat("temperature", 0)),
			dialog.WithMaxTokens(e.OptInt("max_tokens", 0)),
		}
		if budget := e.OptInt("history_budget", 0); budget > 0 {
			opts = append(opts, dialog.WithHistoryBudget(budget))
		}
		return dialog.New(e.Name, c, opts...), nil
	})
}

// newCompleter picks the model client for a dialog backend. The openai
// provider talks to the API through openai-go; every other provider goes
// through any-llm-go. options.provider defaults to openai.
func newCompleter(e config.BackendEntry) (dialog.Completer, error) {
	provider := e.OptString("provider", "openai")
	if provider == "openai" {
		var opts []dialog.OpenAIOption
		if e.BaseURL != "" {
			opts = append(opts, dialog.WithOpenAIBaseURL(e.BaseURL))
		}
		if t := e.OptString("timeout", ""); t != "" {
			d, err := time.ParseDuration(t)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, dialog.WithOpenAITimeout(d))
		}
		return dialog.NewOpenAI(e.APIKey, e.Model, opts...)
	}

	// ollama and llamacpp are local servers; they use BaseURL for the address.
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return dialog.NewAnyLLM(provider, e.Model, opts...)
}
