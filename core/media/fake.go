package media

import (
	"context"
	"os"
	"sync"
	"time"
)

// FakeRunner is an in-process Runner for tests and dev mode. It writes
// a small marker file instead of invoking ffmpeg.
type FakeRunner struct {
	mu    sync.Mutex
	calls []Spec

	// Fail, when set, is returned instead of producing output.
	Fail error
	// Delay simulates tool runtime, honoring context cancellation.
	Delay time.Duration
}

// NewFakeRunner builds a fake runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

func (f *FakeRunner) Transform(ctx context.Context, inputPath string, spec Spec, outputPath string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()

	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if f.Fail != nil {
		return f.Fail
	}
	return os.WriteFile(outputPath, []byte("artifact:"+string(spec.Kind)), 0o600)
}

// Calls returns the specs seen so far.
func (f *FakeRunner) Calls() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Spec, len(f.calls))
	copy(out, f.calls)
	return out
}
