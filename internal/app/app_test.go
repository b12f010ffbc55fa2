package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchyard/internal/bridge"
	"github.com/MrWong99/switchyard/internal/config"
	"github.com/MrWong99/switchyard/internal/health"
	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/internal/session"
	"github.com/MrWong99/switchyard/pkg/backend/echo"
	"github.com/MrWong99/switchyard/pkg/modality"
	"github.com/MrWong99/switchyard/pkg/modality/mock"
)

// recordingJournal keeps every record in memory.
type recordingJournal struct {
	mu        sync.Mutex
	texts     []journal.Text
	summaries []journal.Summary
	closed    bool
}

func (j *recordingJournal) RecordText(_ context.Context, t journal.Text) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.texts = append(j.texts, t)
	return nil
}

func (j *recordingJournal) RecordSummary(_ context.Context, s journal.Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summaries = append(j.summaries, s)
	return nil
}

func (j *recordingJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *recordingJournal) Summaries() []journal.Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Summary(nil), j.summaries...)
}

// testConfig returns a config with a single echo backend.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Backends: []config.BackendEntry{
			{Name: "echo", Type: "echo", Options: map[string]any{"prefix": "bot: "}},
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Bridge.PingInterval = 0
	return cfg
}

// testFactories registers echo plus a "broken" type whose sessions never
// start.
func testFactories() *config.Registry {
	reg := config.NewRegistry()
	reg.Register("echo", func(e config.BackendEntry) (modality.Backend, error) {
		return echo.New(e.Name, echo.WithPrefix(e.OptString("prefix", ""))), nil
	})
	reg.Register("broken", func(e config.BackendEntry) (modality.Backend, error) {
		return &mock.Backend{
			BackendName: e.Name,
			Caps:        modality.Capabilities{Modalities: modality.NewSet(modality.TextIn, modality.TextOut)},
			StartErr:    errors.New("service down"),
		}, nil
	})
	return reg
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, testFactories(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_ServesProbesAndMetrics(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), WithJournal(&recordingJournal{}))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if code, body := get(t, srv.URL+path); code != http.StatusOK {
			t.Errorf("GET %s = %d: %s", path, code, body)
		}
	}
	_, body := get(t, srv.URL+"/readyz")
	var res health.Report
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != health.StatusOK || res.Checks["sessions"].Status != health.StatusOK || res.Checks["backends"].Status != health.StatusOK {
		t.Errorf("checks = %v", res.Checks)
	}
	if _, ok := res.Checks["journal"]; ok {
		t.Error("journal check registered without pingable sinks")
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyz_JournalOutageDegrades(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())
	a.pingers = append(a.pingers, pingFunc(func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))
	a.health = health.New(a.checkers()...)
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200 while only the journal is down: %s", code, body)
	}
	var res health.Report
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != health.StatusDegraded || res.Checks["journal"].Status != health.StatusFail {
		t.Errorf("report = %+v", res)
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	off := false
	cfg.Server.Metrics = &off
	a := newApp(t, cfg)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	// Falls through to the bridge, which only speaks WebSocket.
	if rec.Code == http.StatusOK {
		t.Error("/metrics served while disabled")
	}
}

func TestNew_UnknownBackendType(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backends = append(cfg.Backends, config.BackendEntry{Name: "x", Type: "nope"})
	_, err := New(context.Background(), cfg, testFactories())
	if !errors.Is(err, config.ErrBackendTypeNotRegistered) {
		t.Errorf("New = %v, want ErrBackendTypeNotRegistered", err)
	}
}

func TestApp_CallThroughBridge(t *testing.T) {
	t.Parallel()
	j := &recordingJournal{}
	a := newApp(t, testConfig(), WithJournal(j))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseNow()

	write := func(typ string, payload any) {
		t.Helper()
		data, err := bridge.EncodeMessage(typ, 0, payload)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatal(err)
		}
	}
	next := func() bridge.Message {
		t.Helper()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if typ != websocket.MessageText {
				continue
			}
			m, err := bridge.ParseMessage(data)
			if err != nil {
				t.Fatal(err)
			}
			return m
		}
	}

	write(bridge.TypeConnect, bridge.ConnectPayload{
		CallID:     "call-1",
		Modalities: []string{"text-in", "text-out"},
		Metadata:   map[string]string{"tenant": "acme"},
	})
	if m := next(); m.Type != bridge.TypeConnected {
		t.Fatalf("got %s, want connected", m.Type)
	}
	write(bridge.TypeText, bridge.TextPayload{Content: "hi", Final: true})
	m := next()
	tp, _ := bridge.DecodePayload[bridge.TextPayload](m)
	if m.Type != bridge.TypeText || tp.Content != "bot: hi" {
		t.Fatalf("got %s %+v, want echoed text", m.Type, tp)
	}
	write(bridge.TypeStop, nil)

	waitFor(t, "session summary", func() bool { return len(j.Summaries()) == 1 })
	s := j.Summaries()[0]
	if s.Backend != "echo" || s.Outcome != journal.OutcomeOK || s.Metadata["tenant"] != "acme" {
		t.Errorf("summary = %+v", s)
	}
}

func TestApp_BreakerFailsReadiness(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backends = []config.BackendEntry{{
		Name:           "down",
		Type:           "broken",
		CircuitBreaker: config.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	}}
	cfg.Bridge.DefaultBackend = "down"
	a := newApp(t, cfg)

	if err := a.backendCheck(context.Background()); err != nil {
		t.Fatalf("backendCheck before failures = %v", err)
	}
	_, err := a.Sessions().Connect(context.Background(), session.ConnectRequest{
		Backend:    "down",
		Modalities: modality.NewSet(modality.TextIn, modality.TextOut),
	})
	if err == nil {
		t.Fatal("Connect to a broken backend succeeded")
	}
	if err := a.backendCheck(context.Background()); err == nil {
		t.Error("backendCheck passed with the only breaker open")
	}
}

func TestApp_FallbackChain(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backends = []config.BackendEntry{
		{Name: "primary", Type: "broken", Fallbacks: []string{"spare"}},
		{Name: "spare", Type: "echo"},
	}
	cfg.Bridge.DefaultBackend = "primary"
	a := newApp(t, cfg)

	s, err := a.Sessions().Connect(context.Background(), session.ConnectRequest{
		Backend:    "primary",
		Modalities: modality.NewSet(modality.TextIn, modality.TextOut),
	})
	if err != nil {
		t.Fatalf("Connect = %v, want the spare to answer", err)
	}
	_ = s.Close(context.Background())
}

func TestApp_ApplyChange(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, WithLevelVar(lv))

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Backends = append(updated.Backends, config.BackendEntry{Name: "second", Type: "echo"})
	updated.Bridge.DefaultBackend = "second"
	a.applyChange(old, updated, config.Diff(old, updated))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if _, err := a.backends.Lookup("second"); err != nil {
		t.Errorf("new backend not registered: %v", err)
	}
	if got := a.bridge.DefaultBackend(); got != "second" {
		t.Errorf("default backend = %q", got)
	}

	// Removing a backend unregisters it; a broken reload keeps the old set.
	removed := testConfig()
	a.applyChange(updated, removed, config.Diff(updated, removed))
	if _, err := a.backends.Lookup("second"); err == nil {
		t.Error("removed backend still registered")
	}
	bad := testConfig()
	bad.Backends = append(bad.Backends, config.BackendEntry{Name: "ghost", Type: "nope"})
	a.applyChange(removed, bad, config.Diff(removed, bad))
	if names := a.backends.Names(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("backends after failed reload = %v", names)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	j := &recordingJournal{}
	a, err := New(context.Background(), testConfig(), testFactories(), WithJournal(j))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	waitFor(t, "listener", func() bool { return a.Addr() != nil })
	if code, _ := get(t, "http://"+a.Addr().String()+"/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if !closed {
		t.Error("journal not closed on shutdown")
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", rec.Code)
	}
}
