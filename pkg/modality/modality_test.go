package modality_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/switchyard/pkg/modality"
	"github.com/MrWong99/switchyard/pkg/modality/mock"
)

func TestParseSet(t *testing.T) {
	t.Parallel()

	s, err := modality.ParseSet([]string{"audio-in", " TEXT-OUT "})
	if err != nil {
		t.Fatalf("ParseSet: %v", err)
	}
	if want := modality.NewSet(modality.AudioIn, modality.TextOut); s != want {
		t.Errorf("set = %s, want %s", s, want)
	}
	if s.String() != "{audio-in,text-out}" {
		t.Errorf("String = %q", s.String())
	}
	if _, err := modality.ParseSet([]string{"video-in"}); err == nil {
		t.Error("expected error for unknown modality")
	}
}

func TestSetSubset(t *testing.T) {
	t.Parallel()

	all := modality.NewSet(modality.AudioIn, modality.AudioOut, modality.TextIn, modality.TextOut)
	stt := modality.NewSet(modality.AudioIn, modality.TextOut)
	if !stt.Subset(all) {
		t.Error("stt should be a subset of all")
	}
	if all.Subset(stt) {
		t.Error("all should not be a subset of stt")
	}
	if got := all.Missing(stt); got != modality.NewSet(modality.AudioOut, modality.TextIn) {
		t.Errorf("Missing = %s", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{
		BackendName: "stt",
		Caps: modality.Capabilities{
			Modalities:  modality.NewSet(modality.AudioIn, modality.TextOut),
			SampleRates: []int{16000, 8000},
		},
	}
	tests := []struct {
		name    string
		cfg     modality.Config
		wantErr bool
	}{
		{"valid", modality.Config{Modalities: modality.NewSet(modality.AudioIn), SampleRate: 8000}, false},
		{"empty modalities", modality.Config{SampleRate: 16000}, true},
		{"not a subset", modality.Config{Modalities: modality.NewSet(modality.AudioIn, modality.AudioOut), SampleRate: 16000}, true},
		{"unsupported rate", modality.Config{Modalities: modality.NewSet(modality.AudioIn), SampleRate: 44100}, true},
		{"zero rate", modality.Config{Modalities: modality.NewSet(modality.AudioIn)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := modality.Validate(b, tt.cfg)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *modality.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
			if ce.Backend != "stt" {
				t.Errorf("Backend = %q, want stt", ce.Backend)
			}
		})
	}
}

func TestStart_ValidatesBeforeConnecting(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{BackendName: "tts", Caps: modality.Capabilities{Modalities: modality.NewSet(modality.TextIn, modality.AudioOut)}}
	_, err := modality.Start(context.Background(), b, modality.Config{Modalities: modality.NewSet(modality.AudioIn), SampleRate: 16000})
	var ce *modality.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if n := len(b.Calls()); n != 0 {
		t.Errorf("Start called %d times, want 0", n)
	}
}

func TestStart_WrapsBackendFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial refused")
	b := &mock.Backend{
		BackendName: "echo",
		Caps:        modality.Capabilities{Modalities: modality.NewSet(modality.AudioIn)},
		StartErr:    boom,
	}
	_, err := modality.Start(context.Background(), b, modality.Config{Modalities: modality.NewSet(modality.AudioIn), SampleRate: 16000})
	var be *modality.BackendIOError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendIOError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("BackendIOError does not wrap the cause")
	}
	if got := b.Calls()[0].Cfg.FrameDuration; got != 20*time.Millisecond {
		t.Errorf("default frame duration = %s, want 20ms", got)
	}
}

func TestCapabilities_PreferredRate(t *testing.T) {
	t.Parallel()

	c := modality.Capabilities{SampleRates: []int{24000}}
	if got := c.PreferredRate(16000); got != 24000 {
		t.Errorf("PreferredRate = %d, want 24000", got)
	}
	anyRate := modality.Capabilities{}
	if got := anyRate.PreferredRate(16000); got != 16000 {
		t.Errorf("PreferredRate = %d, want 16000", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := modality.NewRegistry()
	r.Register(&mock.Backend{BackendName: "b"})
	r.Register(&mock.Backend{BackendName: "a"})

	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}
	if _, err := r.Lookup("a"); err != nil {
		t.Errorf("Lookup(a): %v", err)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, modality.ErrBackendNotRegistered) {
		t.Errorf("Lookup(missing) err = %v", err)
	}
	r.Remove("a")
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestEmitter(t *testing.T) {
	t.Parallel()

	e := modality.NewEmitter(0)
	boom := errors.New("gone")

	go func() {
		_ = e.Emit(context.Background(), modality.Output{Kind: modality.OutputClear})
		e.Close(boom)
	}()

	var got []modality.Output
	for o := range e.Outputs() {
		got = append(got, o)
	}
	if len(got) != 1 || got[0].Kind != modality.OutputClear {
		t.Fatalf("outputs = %+v", got)
	}
	if !errors.Is(e.Err(), boom) {
		t.Errorf("Err = %v, want %v", e.Err(), boom)
	}
}

func TestEmitter_AbortUnblocks(t *testing.T) {
	t.Parallel()

	e := modality.NewEmitter(0)
	done := make(chan error, 1)
	go func() { done <- e.Emit(context.Background(), modality.Output{}) }()

	e.Abort()
	select {
	case err := <-done:
		if !errors.Is(err, modality.ErrSessionClosed) {
			t.Errorf("Emit err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not unblock after Abort")
	}
}
