package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

const (
	interim = `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`
	final   = `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`
)

// fakeDeepgram answers the first binary frame with an interim and a final
// result and closes the stream on CloseStream.
type fakeDeepgram struct {
	mu     sync.Mutex
	query  url.Values
	auth   string
	binary int
	closed bool
	abort  bool // drop the connection after the first frame
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.query = r.URL.Query()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			f.mu.Lock()
			f.binary++
			first := f.binary == 1
			f.mu.Unlock()
			if first && f.abort {
				c.Close(websocket.StatusInternalError, "boom")
				return
			}
			if first {
				_ = c.Write(ctx, websocket.MessageText, []byte(interim))
				_ = c.Write(ctx, websocket.MessageText, []byte(final))
			}
			continue
		}
		if strings.Contains(string(data), "CloseStream") {
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata","duration":0.04}`))
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func newBackend(t *testing.T, f *fakeDeepgram) *Backend {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	b, err := New("dg", "secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithModel("base"))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func start(t *testing.T, b *Backend, params map[string]any) modality.Instance {
	t.Helper()
	inst, err := modality.Start(context.Background(), b, modality.Config{
		SessionID:  "s1",
		Modalities: modality.NewSet(modality.AudioIn, modality.TextOut),
		SampleRate: 8000,
		Params:     params,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst
}

func frame() audio.Frame {
	return audio.Frame{Samples: make([]int16, 160), SampleRate: 8000}
}

func collect(t *testing.T, inst modality.Instance) []modality.Output {
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

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := New("dg", ""); err == nil {
		t.Error("New with empty key succeeded")
	}
}

func TestDeepgram_TranscribesAndFinalises(t *testing.T) {
	t.Parallel()
	fake := &fakeDeepgram{}
	b := newBackend(t, fake)
	inst := start(t, b, map[string]any{"language": "de", "keywords": []any{"Switchyard:3"}})

	ctx := context.Background()
	if err := inst.PushAudio(ctx, frame()); err != nil {
		t.Fatal(err)
	}
	if err := inst.PushAudio(ctx, frame()); err != nil {
		t.Fatal(err)
	}
	if err := inst.PushText(ctx, modality.TextEvent{}); !errors.Is(err, modality.ErrNotSupported) {
		t.Errorf("PushText = %v, want ErrNotSupported", err)
	}

	var texts []modality.TextEvent
	for len(texts) < 2 {
		o := <-inst.Outputs()
		if o.Kind == modality.OutputText {
			texts = append(texts, o.Text)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := inst.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	rest := collect(t, inst)

	if texts[0].Final || texts[0].Content != "hel" {
		t.Errorf("first = %+v, want interim 'hel'", texts[0])
	}
	if !texts[1].Final || texts[1].Content != "hello" || texts[1].Role != modality.RoleCaller {
		t.Errorf("second = %+v, want final caller 'hello'", texts[1])
	}
	var usage time.Duration
	for _, o := range rest {
		if o.Kind == modality.OutputUsage {
			usage += o.Usage[0].Duration
		}
	}
	if usage != 40*time.Millisecond {
		t.Errorf("usage = %s, want 40ms", usage)
	}
	if inst.Err() != nil {
		t.Errorf("Err = %v after clean stop", inst.Err())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.closed {
		t.Error("CloseStream was not sent")
	}
	if fake.auth != "Token secret" {
		t.Errorf("Authorization = %q", fake.auth)
	}
	for key, want := range map[string]string{"model": "base", "language": "de", "sample_rate": "8000", "encoding": "linear16", "keywords": "Switchyard:3"} {
		if got := fake.query.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestDeepgram_StreamFailure(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeDeepgram{abort: true})
	inst := start(t, b, nil)
	_ = inst.PushAudio(context.Background(), frame())
	collect(t, inst)

	var be *modality.BackendIOError
	if !errors.As(inst.Err(), &be) || be.Backend != "dg" {
		t.Errorf("Err = %v, want BackendIOError", inst.Err())
	}
	_ = inst.Stop(context.Background())
	if err := inst.PushAudio(context.Background(), frame()); !errors.Is(err, modality.ErrSessionClosed) {
		t.Errorf("PushAudio after Stop = %v", err)
	}
}

func TestDeepgram_BadKeywordsIsConfigurationError(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeDeepgram{})
	_, err := modality.Start(context.Background(), b, modality.Config{
		Modalities: modality.NewSet(modality.AudioIn, modality.TextOut),
		SampleRate: 16000,
		Params:     map[string]any{"keywords": []any{42}},
	})
	var ce *modality.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("Start = %v, want ConfigurationError", err)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	for _, in := range []string{`{"type":"Metadata"}`, `not json`, `{"type":"Results","channel":{"alternatives":[]}}`, `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`} {
		if _, ok := parseResponse([]byte(in)); ok {
			t.Errorf("parseResponse(%s) accepted", in)
		}
	}
}
