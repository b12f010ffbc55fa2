package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// ChangeFunc receives a newly loaded config, the one it replaces and what
// changed between them.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// snapshot is one successfully validated read of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// Watcher reloads a config file when its modification time moves or when
// [Watcher.Reload] is called, and hands valid changes to a [ChangeFunc].
//
// Polling is used rather than inotify because Kubernetes ConfigMap updates
// swap a symlink that event watchers miss.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu   sync.Mutex
	last snapshot

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultPollInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once. A missing or invalid file is an error here;
// later bad edits are logged and skipped.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		last:     snap,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the config of the last valid read.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Reload asks Run to re-read the file now, whatever its mtime. It does not
// block.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done or [Watcher.Stop] is called. It always returns
// nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-w.kick:
			w.poll(true)
		case <-t.C:
			w.poll(false)
		}
	}
}

// Stop ends Run. Repeated calls are no-ops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll(force bool) {
	log := slog.With("path", w.path)
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			log.Warn("config watcher: stat failed", "err", err)
			return
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.last.mtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	next, err := readSnapshot(w.path)
	if err != nil {
		log.Warn("config watcher: rejected edit, keeping previous config", "err", err)
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = next
	w.mu.Unlock()
	if next.sum == prev.sum {
		return
	}

	d := Diff(prev.cfg, next.cfg)
	if d.Empty() {
		log.Warn("config watcher: edit only touches settings that apply on restart")
	} else {
		log.Info("config watcher: reloaded",
			"log_level_changed", d.LogLevelChanged,
			"backend_changes", len(d.BackendChanges),
		)
	}
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg, d)
	}
}
