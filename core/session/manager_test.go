package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/filegram-io/filegram/core/media"
	"github.com/filegram-io/filegram/core/store"
)

type fakeFetcher struct {
	mu       sync.Mutex
	data     []byte
	failures int
	calls    int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("network down")
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func newTestManager(t *testing.T, fetcher Fetcher, opts ...Option) *Manager {
	t.Helper()
	if fetcher == nil {
		fetcher = &fakeFetcher{data: []byte("source-bytes")}
	}
	m, err := NewManager(fetcher, media.NewFakeRunner(), t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestEnsureLocalCopyDownloadsOnce(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("source-bytes")}
	m := newTestManager(t, fetcher)
	ctx := context.Background()

	s, err := m.Open("owner", 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	path, err := s.EnsureLocalCopy(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "source-bytes" {
		t.Fatalf("local copy wrong: %q err=%v", data, err)
	}

	again, err := s.EnsureLocalCopy(ctx)
	if err != nil || again != path {
		t.Fatalf("second ensure: path=%q err=%v", again, err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetched %d times, want 1", fetcher.calls)
	}
}

func TestFetchFailureRevertsToIdle(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("ok"), failures: 1}
	m := newTestManager(t, fetcher)
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	var fe *FetchError
	if _, err := s.EnsureLocalCopy(ctx); !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after failure, got %s", s.State())
	}
	// retry on the same session succeeds
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
}

// flakyTransport fails fetches with short-delay transient errors.
type flakyTransport struct {
	inner    store.Transport
	mu       sync.Mutex
	failures int
}

func (f *flakyTransport) Send(ctx context.Context, chat string, c store.Content) (int64, error) {
	return f.inner.Send(ctx, chat, c)
}

func (f *flakyTransport) Copy(ctx context.Context, id int64, chat string) (int64, error) {
	return f.inner.Copy(ctx, id, chat)
}

func (f *flakyTransport) FetchBytes(ctx context.Context, id int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, store.Transient(errors.New("rate limited"), time.Millisecond)
	}
	return f.inner.FetchBytes(ctx, id)
}

func TestEnsureLocalCopySurvivesTransientFetches(t *testing.T) {
	mr := miniredis.RunT(t)
	flaky := &flakyTransport{inner: store.NewInMemoryTransport(), failures: 2}
	adapter, err := store.NewAdapter("redis://"+mr.Addr(), "chat", flaky)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	item, _, err := adapter.Ingest(context.Background(), store.Content{Name: "v.mp4", Data: []byte("movie")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	m := newTestManager(t, adapter)
	s, _ := m.Open("owner", item.Reference)
	if _, err := s.EnsureLocalCopy(context.Background()); err != nil {
		t.Fatalf("ensure through two transient failures: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}
}

func TestOpenSecondSessionClosesFirst(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, _ := m.Open("owner", 1)
	if _, err := first.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	firstDir := first.Dir()

	second, err := m.Open("owner", 2)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("first session not closed: %s", first.State())
	}
	if _, err := os.Stat(firstDir); !os.IsNotExist(err) {
		t.Fatalf("first session files not released: %v", err)
	}
	live, ok := m.Lookup("owner")
	if !ok || live.ID != second.ID {
		t.Fatalf("owner table wrong: %+v", live)
	}
}

func TestProduceArtifactScopedRelease(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var seen string
	err := s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot, AtSecond: 5}, func(path string) error {
		seen = path
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("artifact missing during consume: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("artifact not deleted after consume: %v", err)
	}

	// deleted even when the consumer fails
	err = s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot}, func(path string) error {
		seen = path
		return errors.New("send failed")
	})
	if err == nil {
		t.Fatalf("expected consume error surfaced")
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("artifact leaked after failed consume: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("session closed by artifact failure: %s", s.State())
	}
}

func TestOverlongClipRejectedWithoutClosing(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot, AtSecond: 5}, func(string) error { return nil }); err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	err := s.ProduceArtifact(ctx, media.Spec{Kind: media.KindClip, StartSecond: 0, DurationSeconds: 90}, func(string) error { return nil })
	if err == nil {
		t.Fatalf("expected duration rejection")
	}
	if s.State() != StateActive {
		t.Fatalf("rejection closed the session: %s", s.State())
	}
}

func TestProduceArtifactRequiresLocalCopy(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := m.Open("owner", 1)
	err := s.ProduceArtifact(context.Background(), media.Spec{Kind: media.KindScreenshot}, func(string) error { return nil })
	if !errors.Is(err, ErrNoLocalCopy) {
		t.Fatalf("expected ErrNoLocalCopy, got %v", err)
	}
}

func TestToolFailureKeepsSessionUsable(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("src")}
	runner := media.NewFakeRunner()
	m, err := NewManager(fetcher, runner, t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	runner.Fail = &media.ProcessingError{Operation: media.KindClip, Detail: "moov atom not found"}
	err = s.ProduceArtifact(ctx, media.Spec{Kind: media.KindClip, StartSecond: 0, DurationSeconds: 5}, func(string) error { return nil })
	var pe *media.ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
	runner.Fail = nil
	if err := s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot}, func(string) error { return nil }); err != nil {
		t.Fatalf("retry different operation: %v", err)
	}
}

func TestTransformTimeout(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("src")}
	runner := media.NewFakeRunner()
	runner.Delay = 200 * time.Millisecond
	m, err := NewManager(fetcher, runner, t.TempDir(), WithTransformTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	err = s.ProduceArtifact(ctx, media.Spec{Kind: media.KindClip, StartSecond: 0, DurationSeconds: 5}, func(string) error { return nil })
	var te *media.ProcessingTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected ProcessingTimeoutError, got %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("timeout closed the session: %s", s.State())
	}
	// partial output discarded
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if e.Name() != sourceFileName {
			t.Fatalf("partial output left behind: %s", e.Name())
		}
	}
}

// blockingRunner holds a transform open until released.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Transform(ctx context.Context, _ string, spec media.Spec, out string) error {
	close(r.started)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.release:
	}
	return os.WriteFile(out, []byte("x"), 0o600)
}

func TestBusyPolicyReject(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("src")}
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	m, err := NewManager(fetcher, runner, t.TempDir(), WithBusyPolicy(BusyReject))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	s, _ := m.Open("owner", 1)
	if _, err := s.EnsureLocalCopy(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot}, func(string) error { return nil })
	}()
	<-runner.started

	if err := s.ProduceArtifact(ctx, media.Spec{Kind: media.KindScreenshot}, func(string) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first transform: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := m.Open("owner", 1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.EnsureLocalCopy(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := m.Lookup("owner"); ok {
		t.Fatalf("closed session still in table")
	}
}

func TestReapIdleSessions(t *testing.T) {
	m := newTestManager(t, nil, WithIdleTimeout(10*time.Minute))
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s, _ := m.Open("owner", 1)
	if n := m.Reap(); n != 0 {
		t.Fatalf("fresh session reaped")
	}
	now = now.Add(11 * time.Minute)
	if n := m.Reap(); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if s.State() != StateClosed {
		t.Fatalf("reaped session not closed: %s", s.State())
	}
}

func TestSweepOrphans(t *testing.T) {
	m := newTestManager(t, nil)
	s, _ := m.Open("owner", 1)

	orphan := filepath.Join(m.tempDir, dirPrefix+"dead-session")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	removed, err := m.SweepOrphans()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan survived sweep")
	}
	if _, err := os.Stat(s.Dir()); err != nil {
		t.Fatalf("live session dir removed: %v", err)
	}
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"kind":"clip","start_second":3,"duration_seconds":10}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Kind != media.KindClip || spec.StartSecond != 3 || spec.DurationSeconds != 10 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	for _, bad := range []string{
		`{"kind":"transmogrify"}`,
		`{"kind":"clip","start_second":0,"duration_seconds":90}`,
		`{"kind":"screenshot","at_second":-1}`,
		`{"kind":"watermark","text":"x","bogus":true}`,
		`not json`,
	} {
		if _, err := ParseSpec([]byte(bad)); err == nil {
			t.Errorf("accepted %s", bad)
		}
	}
}
