package validate

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/switchyard/pkg/audio"
)

var target = audio.Target{SampleRate: 16000, FrameDuration: time.Second}

func writeWAV(t *testing.T, path string, rate int, n int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, n),
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseExtensions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{".wav", ".mp3"}},
		{"WAV, .Mp3", []string{".wav", ".mp3"}},
		{"flac,,flac", []string{".flac"}},
		{" , .", []string{".wav", ".mp3"}},
	}
	for _, tc := range tests {
		if got := ParseExtensions(tc.in); !slices.Equal(got, tc.want) {
			t.Errorf("ParseExtensions(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWalk_FiltersAndFollowsLinks(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "two.WAV"), "x")
	writeFile(t, filepath.Join(root, "a", "one.mp3"), "x")
	writeFile(t, filepath.Join(root, "a", "notes.txt"), "x")

	other := t.TempDir()
	writeFile(t, filepath.Join(other, "linked.wav"), "x")
	if err := os.Symlink(other, filepath.Join(root, "c-link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	// A cycle back to the root must not loop.
	if err := os.Symlink(root, filepath.Join(root, "a", "loop")); err != nil {
		t.Fatal(err)
	}

	got, err := Walk(root, DefaultExtensions)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(root, "a", "one.mp3"),
		filepath.Join(root, "b", "two.WAV"),
		filepath.Join(root, "c-link", "linked.wav"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("Walk = %v\nwant   %v", got, want)
	}
}

func TestWalk_MissingRoot(t *testing.T) {
	t.Parallel()
	if _, err := Walk(filepath.Join(t.TempDir(), "nope"), DefaultExtensions); err == nil {
		t.Error("Walk on a missing root succeeded")
	}
}

func TestCheck_ResultsInOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.wav")
	writeWAV(t, good, 8000, 12000) // 1.5s
	bad := filepath.Join(dir, "bad.mp3")
	writeFile(t, bad, "definitely not audio")
	empty := filepath.Join(dir, "empty.wav")
	writeWAV(t, empty, 16000, 0)

	paths := []string{good, bad, empty, good}
	results, err := Check(context.Background(), paths, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.Path != paths[i] {
			t.Errorf("result %d is for %s, want %s", i, r.Path, paths[i])
		}
	}
	if !results[0].OK() || results[0].Frames != 2 || results[0].Audio != 2*time.Second {
		t.Errorf("good = %+v, want 2 padded frames", results[0])
	}
	if results[1].OK() || results[2].OK() {
		t.Errorf("bad/empty accepted: %v / %v", results[1].Err, results[2].Err)
	}

	s := Summarize(results)
	if s.Total != 4 || s.Succeeded != 2 || s.Failed != 2 || s.SuccessRate() != 50 {
		t.Errorf("summary = %+v rate %.1f", s, s.SuccessRate())
	}
}

func TestCheck_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Check(ctx, []string{"x.wav"}, target, 1); err == nil {
		t.Error("Check with a cancelled context succeeded")
	}
}

func TestSummary_Empty(t *testing.T) {
	t.Parallel()
	if r := Summarize(nil).SuccessRate(); r != 0 {
		t.Errorf("rate = %v", r)
	}
}
