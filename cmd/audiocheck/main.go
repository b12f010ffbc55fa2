// Command audiocheck verifies that the audio files under a directory convert
// into canonical frames, the same conversion live calls go through.
//
// Usage:
//
//	audiocheck -path ./prompts [-extensions wav,mp3] [-sample-rate 16000]
//	           [-frame-duration 1s] [-workers N] [-list-only] [-verbose]
//
// The exit status is 0 when every file converts, 1 when any file fails and
// 2 on usage errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/switchyard/internal/validate"
	"github.com/MrWong99/switchyard/pkg/audio"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audiocheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", "", "directory (or file) to check")
	listOnly := fs.Bool("list-only", false, "list matching files without converting them")
	sampleRate := fs.Int("sample-rate", audio.DefaultSampleRate, "canonical sample rate in Hz")
	extensions := fs.String("extensions", strings.Join(validate.DefaultExtensions, ","), "comma-separated file extensions")
	frameDuration := fs.Duration("frame-duration", time.Second, "canonical frame duration")
	workers := fs.Int("workers", runtime.GOMAXPROCS(0), "concurrent conversions")
	verbose := fs.Bool("verbose", false, "report every file and debug logs")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *path == "" {
		fmt.Fprintln(stderr, "audiocheck: -path is required")
		fs.Usage()
		return exitUsage
	}
	target := audio.Target{SampleRate: *sampleRate, FrameDuration: *frameDuration}
	if _, err := audio.NewChunker(target); err != nil {
		fmt.Fprintf(stderr, "audiocheck: %v\n", err)
		return exitUsage
	}
	if *workers <= 0 {
		fmt.Fprintln(stderr, "audiocheck: -workers must be positive")
		return exitUsage
	}

	exts := validate.ParseExtensions(*extensions)
	files, err := validate.Walk(*path, exts)
	if err != nil {
		fmt.Fprintf(stderr, "audiocheck: %v\n", err)
		return exitUsage
	}
	logger.Info("scanned", "path", *path, "files", len(files), "extensions", strings.Join(exts, ","),
		"sample_rate", *sampleRate, "frame_duration", *frameDuration)

	if *listOnly {
		for _, f := range files {
			fmt.Fprintln(stdout, f)
		}
		return exitOK
	}

	start := time.Now()
	results, err := validate.Check(ctx, files, target, *workers)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stderr, "audiocheck: interrupted")
		} else {
			fmt.Fprintf(stderr, "audiocheck: %v\n", err)
		}
		return exitFailed
	}

	for _, r := range results {
		switch {
		case !r.OK():
			fmt.Fprintf(stdout, "FAIL %s: %v\n", r.Path, r.Err)
		case *verbose:
			fmt.Fprintf(stdout, "ok   %s: %d frames, %s audio in %s\n",
				r.Path, r.Frames, r.Audio, r.Elapsed.Round(time.Millisecond))
		}
	}

	s := validate.Summarize(results)
	fmt.Fprintf(stdout, "\ntotal %d, succeeded %d, failed %d", s.Total, s.Succeeded, s.Failed)
	if s.Total > 0 {
		fmt.Fprintf(stdout, ", success rate %.2f%%", s.SuccessRate())
	}
	fmt.Fprintf(stdout, " (%s)\n", time.Since(start).Round(time.Millisecond))

	if s.Failed > 0 {
		return exitFailed
	}
	return exitOK
}
