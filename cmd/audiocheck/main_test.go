package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, n),
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{
		{},
		{"-path", t.TempDir(), "-sample-rate", "0"},
		{"-path", t.TempDir(), "-workers", "0"},
		{"-path", filepath.Join(t.TempDir(), "missing")},
		{"-bogus"},
	} {
		if code, _, _ := runCLI(t, args...); code != exitUsage {
			t.Errorf("run(%q) = %d, want %d", args, code, exitUsage)
		}
	}
}

func TestRun_AllGood(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "a.wav"), 16000)
	writeWAV(t, filepath.Join(dir, "b.wav"), 8000)

	code, out, _ := runCLI(t, "-path", dir, "-verbose")
	if code != exitOK {
		t.Fatalf("exit = %d, output:\n%s", code, out)
	}
	if strings.Count(out, "ok   ") != 2 {
		t.Errorf("verbose output lacks ok lines:\n%s", out)
	}
	if !strings.Contains(out, "total 2, succeeded 2, failed 0, success rate 100.00%") {
		t.Errorf("summary missing:\n%s", out)
	}
}

func TestRun_FailureExitsOne(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "good.wav"), 16000)
	bad := filepath.Join(dir, "broken.mp3")
	if err := os.WriteFile(bad, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out, _ := runCLI(t, "-path", dir)
	if code != exitFailed {
		t.Fatalf("exit = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(out, "FAIL "+bad) {
		t.Errorf("no FAIL line for %s:\n%s", bad, out)
	}
	if strings.Contains(out, "ok   ") {
		t.Errorf("ok lines printed without -verbose:\n%s", out)
	}
	if !strings.Contains(out, "success rate 50.00%") {
		t.Errorf("summary wrong:\n%s", out)
	}
}

func TestRun_ListOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.FLAC"), []byte("not checked"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "y.wav"), []byte("not checked"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out, _ := runCLI(t, "-path", dir, "-list-only", "-extensions", "flac")
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if strings.TrimSpace(out) != filepath.Join(dir, "x.FLAC") {
		t.Errorf("list = %q", out)
	}
}
