package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestAdapter(t *testing.T, transport Transport) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := NewAdapter("redis://"+mr.Addr(), "store-chat", transport)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func TestIngestAndGet(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	item, created, err := a.Ingest(ctx, Content{Name: "movie.mkv", Kind: MediaVideo, Data: []byte("bytes")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !created {
		t.Fatalf("expected new item")
	}
	if item.Reference == 0 {
		t.Fatalf("expected reference assigned")
	}

	got, err := a.Get(ctx, item.Reference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "movie.mkv" || got.MediaKind != MediaVideo || got.ByteSize != 5 {
		t.Fatalf("unexpected item: %+v", got)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	first, _, err := a.Ingest(ctx, Content{Name: "a.bin", Data: []byte("same-bytes")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	second, created, err := a.Ingest(ctx, Content{Name: "b.bin", Data: []byte("same-bytes")})
	if err != nil {
		t.Fatalf("ingest duplicate: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate detection")
	}
	if second.Reference != first.Reference {
		t.Fatalf("duplicate got new reference: %d vs %d", second.Reference, first.Reference)
	}
}

func TestReferencesNeverReused(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	first, _, err := a.Ingest(ctx, Content{Name: "one", Data: []byte("one")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ok, err := a.Purge(ctx, first.Reference); err != nil || !ok {
		t.Fatalf("purge: ok=%v err=%v", ok, err)
	}
	second, _, err := a.Ingest(ctx, Content{Name: "two", Data: []byte("two")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if second.Reference <= first.Reference {
		t.Fatalf("reference reused: %d after %d", second.Reference, first.Reference)
	}
}

func TestListRangeStoreOrder(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	var refs []int64
	for _, name := range []string{"a", "b", "c", "d"} {
		item, _, err := a.Ingest(ctx, Content{Name: name, Data: []byte(name)})
		if err != nil {
			t.Fatalf("ingest %s: %v", name, err)
		}
		refs = append(refs, item.Reference)
	}
	items, err := a.ListRange(ctx, refs[0], refs[3])
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	for i, item := range items {
		if item.Reference != refs[i] {
			t.Fatalf("out of order at %d: %d", i, item.Reference)
		}
	}

	// purge one in the middle; range resolution skips it
	if _, err := a.Purge(ctx, refs[1]); err != nil {
		t.Fatalf("purge: %v", err)
	}
	items, err = a.ListRange(ctx, refs[0], refs[3])
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items after purge, got %d", len(items))
	}
}

func TestListAfterCursor(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	var refs []int64
	for i := 0; i < 5; i++ {
		item, _, err := a.Ingest(ctx, Content{Name: string(rune('a' + i)), Data: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		refs = append(refs, item.Reference)
	}
	items, err := a.ListAfter(ctx, refs[1], 2)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(items) != 2 || items[0].Reference != refs[2] || items[1].Reference != refs[3] {
		t.Fatalf("unexpected window: %+v", items)
	}
}

// flakyTransport fails FetchBytes with transient errors a fixed number of
// times before delegating to the inner transport.
type flakyTransport struct {
	inner     Transport
	mu        sync.Mutex
	failures  int
	permanent bool
	calls     int
}

func (f *flakyTransport) Send(ctx context.Context, chat string, c Content) (int64, error) {
	return f.inner.Send(ctx, chat, c)
}

func (f *flakyTransport) Copy(ctx context.Context, id int64, chat string) (int64, error) {
	return f.inner.Copy(ctx, id, chat)
}

func (f *flakyTransport) FetchBytes(ctx context.Context, id int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.permanent {
			return nil, errors.New("hard failure")
		}
		return nil, Transient(errors.New("rate limited"), 0)
	}
	return f.inner.FetchBytes(ctx, id)
}

func TestFetchRetriesTransient(t *testing.T) {
	flaky := &flakyTransport{inner: NewInMemoryTransport(), failures: 2}
	a := newTestAdapter(t, flaky)
	ctx := context.Background()

	item, _, err := a.Ingest(ctx, Content{Name: "f", Data: []byte("payload")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rc, err := a.Fetch(ctx, item.Reference)
	if err != nil {
		t.Fatalf("fetch should succeed on third attempt: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "payload" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	flaky := &flakyTransport{inner: NewInMemoryTransport(), failures: 10}
	a := newTestAdapter(t, flaky)
	ctx := context.Background()

	item, _, err := a.Ingest(ctx, Content{Name: "f", Data: []byte("payload")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := a.Fetch(ctx, item.Reference); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected bounded attempts, got %d", flaky.calls)
	}
}

func TestFetchPermanentErrorNotRetried(t *testing.T) {
	flaky := &flakyTransport{inner: NewInMemoryTransport(), failures: 1, permanent: true}
	a := newTestAdapter(t, flaky)
	ctx := context.Background()

	item, _, err := a.Ingest(ctx, Content{Name: "f", Data: []byte("payload")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := a.Fetch(ctx, item.Reference); err == nil || errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected immediate permanent error, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("expected single attempt, got %d", flaky.calls)
	}
}

func TestFetchUnknownReference(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	if _, err := a.Fetch(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	item, _, err := a.Ingest(ctx, Content{Name: "p", Data: []byte("p")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ok, err := a.Purge(ctx, item.Reference)
	if err != nil || !ok {
		t.Fatalf("purge: ok=%v err=%v", ok, err)
	}
	if _, err := a.Get(ctx, item.Reference); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	// idempotent
	ok, err = a.Purge(ctx, item.Reference)
	if err != nil || ok {
		t.Fatalf("second purge: ok=%v err=%v", ok, err)
	}
}

func TestTotals(t *testing.T) {
	a := newTestAdapter(t, NewInMemoryTransport())
	ctx := context.Background()

	if _, _, err := a.Ingest(ctx, Content{Name: "x", Data: []byte("12345")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, _, err := a.Ingest(ctx, Content{Name: "y", Data: []byte("123")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	count, size, err := a.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if count != 2 || size != 8 {
		t.Fatalf("unexpected totals: count=%d size=%d", count, size)
	}
}
