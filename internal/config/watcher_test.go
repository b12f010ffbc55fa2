package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/switchyard/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
backends:
  - name: echo
    type: echo
`
	editedYAML = `
server:
  log_level: debug
backends:
  - name: echo
    type: echo
  - name: stt
    type: deepgram
    api_key: test
`
	brokenYAML = `
server:
  log_level: bananas
`
)

type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watched is a running watcher over a temp file whose callbacks land on
// changes.
type watched struct {
	w       *config.Watcher
	path    string
	changes chan change
}

func watch(t *testing.T, content string, interval time.Duration) *watched {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchyard.yaml")
	rewrite(t, path, content, false)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes <- change{old, new, d}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &watched{w: w, path: path, changes: changes}
}

// rewrite replaces the file. With advance set the mtime moves forward so
// coarse filesystem clocks still register the edit.
func rewrite(t *testing.T, path, content string, advance bool) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if advance {
		later := time.Now().Add(2 * time.Second)
		if err := os.Chtimes(path, later, later); err != nil {
			t.Fatal(err)
		}
	}
}

func (ws *watched) next(t *testing.T) change {
	t.Helper()
	select {
	case c := <-ws.changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
		return change{}
	}
}

func (ws *watched) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-ws.changes:
		t.Fatalf("unexpected change: %+v", c.diff)
	case <-time.After(d):
	}
}

func TestWatcher_ReportsEdit(t *testing.T) {
	t.Parallel()
	ws := watch(t, baseYAML, 20*time.Millisecond)
	if ws.w.Current().Server.LogLevel != config.LogInfo {
		t.Fatalf("initial log level = %q", ws.w.Current().Server.LogLevel)
	}

	rewrite(t, ws.path, editedYAML, true)
	c := ws.next(t)

	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("old/new log levels = %q/%q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", c.diff)
	}
	if bc := c.diff.BackendChanges; len(bc) != 1 || bc[0].Name != "stt" || !bc[0].Added {
		t.Errorf("backend changes = %+v", bc)
	}
	if ws.w.Current() != c.new {
		t.Error("Current() is not the reported config")
	}
}

func TestWatcher_SkipsBadAndNoopEdits(t *testing.T) {
	t.Parallel()
	for name, content := range map[string]string{
		"invalid":    brokenYAML,
		"same bytes": baseYAML,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ws := watch(t, baseYAML, 20*time.Millisecond)
			before := ws.w.Current()
			rewrite(t, ws.path, content, true)
			ws.quiet(t, 200*time.Millisecond)
			if ws.w.Current().Server.LogLevel != before.Server.LogLevel {
				t.Errorf("log level = %q, want the previous config", ws.w.Current().Server.LogLevel)
			}
		})
	}
}

func TestWatcher_ReloadIgnoresMtime(t *testing.T) {
	t.Parallel()
	// The ticker never fires during the test, so only Reload can pick up
	// the edit.
	ws := watch(t, baseYAML, time.Hour)
	info, err := os.Stat(ws.path)
	if err != nil {
		t.Fatal(err)
	}
	rewrite(t, ws.path, editedYAML, false)
	if err := os.Chtimes(ws.path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	ws.w.Reload()
	ws.w.Reload() // coalesced
	if c := ws.next(t); c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("reloaded log level = %q", c.new.Server.LogLevel)
	}
	ws.quiet(t, 100*time.Millisecond)
}

func TestNewWatcher_RejectsUnreadableFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	rewrite(t, path, brokenYAML, false)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("invalid file accepted")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "switchyard.yaml")
	rewrite(t, path, baseYAML, false)
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ran := make(chan error, 1)
	go func() { ran <- w.Run(context.Background()) }()

	w.Stop()
	w.Stop()
	select {
	case err := <-ran:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still going after Stop")
	}
}
