package dialog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchyard/pkg/modality"
)

// fakeCompleter replies with the fragments in Reply and records requests.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []Request

	Reply []string
	Usage *Usage
	Err   error // sent as the final chunk when set
	Block chan struct{}
}

func (f *fakeCompleter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	ch := make(chan Chunk, len(f.Reply)+1)
	go func() {
		defer close(ch)
		if f.Block != nil {
			select {
			case <-f.Block:
			case <-ctx.Done():
				return
			}
		}
		for _, r := range f.Reply {
			ch <- Chunk{Text: r}
		}
		if f.Err != nil {
			ch <- Chunk{Err: f.Err}
			return
		}
		ch <- Chunk{Done: true, Usage: f.Usage}
	}()
	return ch, nil
}

func (f *fakeCompleter) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func start(t *testing.T, b *Backend, params map[string]any) modality.Instance {
	t.Helper()
	inst, err := modality.Start(context.Background(), b, modality.Config{
		SessionID:  "d1",
		Modalities: modality.NewSet(modality.TextIn, modality.TextOut),
		SampleRate: 16000,
		Params:     params,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst
}

func drain(t *testing.T, inst modality.Instance) []modality.Output {
	t.Helper()
	var out []modality.Output
	timeout := time.After(3 * time.Second)
	for {
		select {
		case o, ok := <-inst.Outputs():
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatal("output stream never closed")
		}
	}
}

func caller(s string) modality.TextEvent {
	return modality.TextEvent{Role: modality.RoleCaller, Content: s, Final: true}
}

func TestDialog_TurnStreamsReply(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{Reply: []string{"Hel", "lo"}, Usage: &Usage{PromptTokens: 5, CompletionTokens: 2}}
	inst := start(t, New("dlg", fc, WithInstructions("be kind")), map[string]any{"instructions": "be brief"})
	ctx := context.Background()

	_ = inst.PushText(ctx, modality.TextEvent{Content: "interim"})
	if err := inst.PushText(ctx, caller("hi")); err != nil {
		t.Fatal(err)
	}
	_ = inst.Stop(ctx)
	out := drain(t, inst)

	var kinds []modality.OutputKind
	for _, o := range out {
		kinds = append(kinds, o.Kind)
	}
	want := []modality.OutputKind{modality.OutputText, modality.OutputText, modality.OutputText, modality.OutputCompleted, modality.OutputUsage}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if out[1].Text.Content != "Hello" || out[1].Text.Final {
		t.Errorf("interim = %+v", out[1].Text)
	}
	if out[2].Text.Content != "Hello" || !out[2].Text.Final || out[2].Text.Role != modality.RoleAssistant {
		t.Errorf("final = %+v", out[2].Text)
	}
	if u := out[4].Usage; len(u) != 3 || u[0].Count != 1 || u[1].Count != 5 || u[2].Count != 2 {
		t.Errorf("usage = %+v", u)
	}

	reqs := fc.Requests()
	if len(reqs) != 1 || reqs[0].System != "be brief" {
		t.Fatalf("requests = %+v", reqs)
	}
	if m := reqs[0].Messages; len(m) != 1 || m[0].Role != "user" || m[0].Content != "hi" {
		t.Errorf("messages = %+v", m)
	}
}

func TestDialog_HistoryCarriesAcrossTurns(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{Reply: []string{"ok"}}
	inst := start(t, New("dlg", fc), nil)
	ctx := context.Background()
	_ = inst.PushText(ctx, caller("one"))
	_ = inst.PushText(ctx, caller("two"))
	_ = inst.Stop(ctx)
	drain(t, inst)

	reqs := fc.Requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests", len(reqs))
	}
	var roles []string
	for _, m := range reqs[1].Messages {
		roles = append(roles, m.Role+":"+m.Content)
	}
	if got := strings.Join(roles, ","); got != "user:one,assistant:ok,user:two" {
		t.Errorf("second request history = %s", got)
	}
}

func TestDialog_ModelFailureEndsStream(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{Reply: []string{"par"}, Err: errors.New("rate limited")}
	inst := start(t, New("dlg", fc), nil)
	_ = inst.PushText(context.Background(), caller("hi"))
	drain(t, inst)

	var be *modality.BackendIOError
	if !errors.As(inst.Err(), &be) || be.Op != "complete" {
		t.Errorf("Err = %v, want BackendIOError", inst.Err())
	}
	_ = inst.Stop(context.Background())
}

func TestDialog_StopTimeoutCancelsReply(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{Reply: []string{"never"}, Block: make(chan struct{})}
	inst := start(t, New("dlg", fc), nil)
	_ = inst.PushText(context.Background(), caller("hi"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = inst.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a blocked completion")
	}
	drain(t, inst)
	if err := inst.PushText(context.Background(), caller("late")); !errors.Is(err, modality.ErrSessionClosed) {
		t.Errorf("PushText after Stop = %v", err)
	}
}

func TestDialog_NoAudio(t *testing.T) {
	t.Parallel()
	b := New("dlg", &fakeCompleter{})
	_, err := modality.Start(context.Background(), b, modality.Config{
		Modalities: modality.NewSet(modality.AudioIn, modality.TextOut),
		SampleRate: 16000,
	})
	var ce *modality.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("Start with audio-in = %v, want ConfigurationError", err)
	}
}

func TestHistory_Compacts(t *testing.T) {
	t.Parallel()
	var summarised []Message
	h := NewHistory(10, func(_ context.Context, msgs []Message) (string, error) {
		summarised = append(summarised, msgs...)
		return "talked", nil
	})
	ctx := context.Background()
	for _, s := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc", "dddddddddddd"} {
		if err := h.Add(ctx, Message{Role: "user", Content: s}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := h.Messages()
	if len(summarised) == 0 {
		t.Fatal("history never summarised")
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "talked") {
		t.Errorf("first message = %+v, want the summary", msgs[0])
	}
	if last := msgs[len(msgs)-1]; last.Content != "dddddddddddd" {
		t.Errorf("latest turn lost: %+v", last)
	}
}

func TestHistory_SummaryFailureStillDrops(t *testing.T) {
	t.Parallel()
	h := NewHistory(5, func(context.Context, []Message) (string, error) {
		return "", errors.New("down")
	})
	ctx := context.Background()
	_ = h.Add(ctx, Message{Role: "user", Content: "0123456789abcdef"})
	if err := h.Add(ctx, Message{Role: "assistant", Content: "0123456789abcdef"}); err == nil {
		t.Error("want the summary error")
	}
	if n := len(h.Messages()); n != 1 {
		t.Errorf("kept %d messages, want 1", n)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	s, err := Complete(context.Background(), &fakeCompleter{Reply: []string{"a", "b"}}, Request{})
	if err != nil || s != "ab" {
		t.Errorf("Complete = %q, %v", s, err)
	}
	if _, err := Complete(context.Background(), &fakeCompleter{Err: errors.New("x")}, Request{}); err == nil {
		t.Error("want error")
	}
}

func TestNewCompleters_Validate(t *testing.T) {
	t.Parallel()
	if _, err := NewOpenAI("", "gpt-4o-mini"); err == nil {
		t.Error("NewOpenAI without key succeeded")
	}
	if _, err := NewOpenAI("k", ""); err == nil {
		t.Error("NewOpenAI without model succeeded")
	}
	if _, err := NewAnyLLM("nonsense", "m"); err == nil || !strings.Contains(err.Error(), "ollama") {
		t.Errorf("NewAnyLLM(nonsense) = %v, want an error listing the providers", err)
	}
	if got := AnyLLMProviders(); len(got) != 8 || got[0] != "anthropic" {
		t.Errorf("AnyLLMProviders = %v", got)
	}
	if _, err := NewAnyLLM("ollama", ""); err == nil {
		t.Error("NewAnyLLM without model succeeded")
	}
}

func TestAnyLLM_Params(t *testing.T) {
	t.Parallel()
	a := &AnyLLM{model: "llama3"}
	p := a.params(Request{System: "be brief", Messages: []Message{{Role: "user", Content: "hi"}}, Temperature: 0.2})
	if p.Model != "llama3" || len(p.Messages) != 2 || p.Messages[0].Role != "system" || p.Messages[1].Content != "hi" {
		t.Errorf("params = %+v", p)
	}
	if p.Temperature == nil || *p.Temperature != 0.2 || p.MaxTokens != nil {
		t.Errorf("temperature/max tokens = %v/%v", p.Temperature, p.MaxTokens)
	}
}

func TestOpenAI_BuildParams(t *testing.T) {
	t.Parallel()
	o, err := NewOpenAI("k", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	p, err := o.buildParams(Request{System: "s", Messages: []Message{{Role: "user", Content: "u"}, {Role: "assistant", Content: "a"}}, MaxTokens: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 3 || string(p.Model) != "gpt-4o-mini" {
		t.Errorf("params = %+v", p)
	}
	if _, err := o.buildParams(Request{Messages: []Message{{Role: "tool"}}}); err == nil {
		t.Error("unknown role accepted")
	}
}
