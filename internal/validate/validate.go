// Package validate checks that audio files on disk convert cleanly into
// canonical frames. It backs the audiocheck command and runs the same
// conversion the bridge uses for live audio.
package validate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchyard/pkg/audio"
)

// DefaultExtensions are checked when none are given.
var DefaultExtensions = []string{".wav", ".mp3"}

// ParseExtensions splits a comma-separated list into lower-case extensions
// with a leading dot. Empty entries are skipped; an empty list yields
// [DefaultExtensions].
func ParseExtensions(list string) []string {
	var exts []string
	for _, e := range strings.Split(list, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || e == "." {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if !slices.Contains(exts, e) {
			exts = append(exts, e)
		}
	}
	if len(exts) == 0 {
		return slices.Clone(DefaultExtensions)
	}
	return exts
}

// Walk returns the files under root whose extension is in exts, in lexical
// walk order. Symbolic links are followed; a directory reached twice through
// links is visited once. Unreadable entries are logged and skipped.
func Walk(root string, exts []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if !info.IsDir() {
		if matches(root, exts) {
			return []string{root}, nil
		}
		return nil, nil
	}
	w := &walker{exts: exts, seen: make(map[string]bool)}
	w.dir(root)
	return w.files, nil
}

type walker struct {
	exts  []string
	seen  map[string]bool
	files []string
}

func (w *walker) dir(path string) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		slog.Warn("validate: skipping unresolvable directory", "path", path, "err", err)
		return
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	if w.seen[resolved] {
		return
	}
	w.seen[resolved] = true

	// ReadDir sorts by name.
	entries, err := os.ReadDir(path)
	if err != nil {
		slog.Warn("validate: skipping unreadable directory", "path", path, "err", err)
		return
	}
	for _, e := range entries {
		p := filepath.Join(path, e.Name())
		mode := e.Type()
		if mode&fs.ModeSymlink != 0 {
			info, err := os.Stat(p)
			if err != nil {
				slog.Warn("validate: skipping broken link", "path", p, "err", err)
				continue
			}
			mode = info.Mode().Type()
		}
		switch {
		case mode.IsDir():
			w.dir(p)
		case mode.IsRegular() && matches(p, w.exts):
			w.files = append(w.files, p)
		}
	}
}

func matches(path string, exts []string) bool {
	return slices.Contains(exts, strings.ToLower(filepath.Ext(path)))
}

// Result is the outcome of converting one file.
type Result struct {
	Path    string
	Frames  int
	Audio   time.Duration
	Elapsed time.Duration
	Err     error
}

// OK reports whether the file converted without error.
func (r Result) OK() bool { return r.Err == nil }

// Summary counts results.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// SuccessRate is the succeeded share in percent; zero without files.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Summarize counts rs.
func Summarize(rs []Result) Summary {
	s := Summary{Total: len(rs)}
	for _, r := range rs {
		if r.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Check converts every file with at most workers conversions at a time.
// Results are returned in the order of paths. The only error is ctx's.
func Check(ctx context.Context, paths []string, target audio.Target, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = File(p, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// File converts the file at path into frames for target.
func File(path string, target audio.Target) Result {
	start := time.Now()
	res := Result{Path: path}
	src, err := audio.OpenFile(path)
	if err != nil {
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}
	defer src.Close()

	for f, err := range audio.Frames(path, src, target) {
		if err != nil {
			res.Err = err
			break
		}
		res.Frames++
		res.Audio += f.Duration()
	}
	res.Elapsed = time.Since(start)
	return res
}
