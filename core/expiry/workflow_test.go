package expiry

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestWorkflow(t *testing.T, ttl, window time.Duration) (*Workflow, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	w, err := NewWorkflow("redis://"+mr.Addr(), ttl, window)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	return w, &now
}

func TestCheckExpiryIdempotent(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, time.Hour)
	ctx := context.Background()

	a, err := w.Deliver(ctx, 42, "user-1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	for i := 0; i < 5; i++ {
		if got := w.CheckExpiry(a); got != StateFresh {
			t.Fatalf("call %d: expected fresh, got %s", i, got)
		}
	}
	*now = now.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		if got := w.CheckExpiry(a); got != StateExpired {
			t.Fatalf("call %d: expected expired, got %s", i, got)
		}
	}
	// repeated checks never persisted a state change
	reloaded, err := w.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.State != StateFresh {
		t.Fatalf("persisted state mutated: %s", reloaded.State)
	}
}

func TestExpiryBoundaryInclusive(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, time.Hour)
	a, err := w.Deliver(context.Background(), 1, "user-1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	*now = a.ExpiresAt
	if got := w.CheckExpiry(a); got != StateExpired {
		t.Fatalf("at expiresAt: expected expired, got %s", got)
	}
}

func TestRequestRedeliveryLifecycle(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, time.Hour)
	ctx := context.Background()

	a, err := w.Deliver(ctx, 42, "user-1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// still fresh
	if _, err := w.RequestRedelivery(ctx, a.ID, "user-1"); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}

	*now = now.Add(61 * time.Second)
	reqID, err := w.RequestRedelivery(ctx, a.ID, "user-1")
	if err != nil {
		t.Fatalf("request redelivery: %v", err)
	}
	if reqID == "" {
		t.Fatalf("empty request id")
	}

	// second request while pending
	if _, err := w.RequestRedelivery(ctx, a.ID, "user-1"); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	decisionAt := *now
	fresh, err := w.ResolveRequest(ctx, reqID, true, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fresh.ID == a.ID {
		t.Fatalf("accept must mint a new artifact")
	}
	if fresh.State != StateFresh || fresh.SourceReference != 42 || fresh.Consumer != "user-1" {
		t.Fatalf("unexpected fresh artifact: %+v", fresh)
	}
	if !fresh.ExpiresAt.Equal(decisionAt.Add(60 * time.Second)) {
		t.Fatalf("TTL must restart from decision time, got %v", fresh.ExpiresAt)
	}

	old, err := w.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if old.State != StateSuperseded || old.SupersededBy != fresh.ID {
		t.Fatalf("old artifact not superseded: %+v", old)
	}
}

func TestResolveRequestDecline(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, time.Hour)
	ctx := context.Background()

	a, err := w.Deliver(ctx, 7, "user-2")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	*now = now.Add(2 * time.Minute)
	reqID, err := w.RequestRedelivery(ctx, a.ID, "user-2")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	declined, err := w.ResolveRequest(ctx, reqID, false, DeclineNotAvailable, "source removed upstream")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.State != StateDeclined || declined.DeclineReason != DeclineNotAvailable {
		t.Fatalf("unexpected declined artifact: %+v", declined)
	}
	if declined.DeclineNote != "source removed upstream" {
		t.Fatalf("note lost: %+v", declined)
	}

	// declines are per-request: a later request is allowed
	if _, err := w.RequestRedelivery(ctx, a.ID, "user-2"); err != nil {
		t.Fatalf("re-request after decline: %v", err)
	}
}

func TestResolveRequestUnknownReason(t *testing.T) {
	w, now := newTestWorkflow(t, time.Second, time.Hour)
	ctx := context.Background()

	a, _ := w.Deliver(ctx, 1, "u")
	*now = now.Add(2 * time.Second)
	reqID, err := w.RequestRedelivery(ctx, a.ID, "u")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := w.ResolveRequest(ctx, reqID, false, "because", ""); err == nil {
		t.Fatalf("expected reason validation error")
	}
}

func TestRequestWindowCloses(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, 12*time.Hour)
	ctx := context.Background()

	a, err := w.Deliver(ctx, 3, "user-3")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	*now = a.ExpiresAt.Add(12*time.Hour + time.Second)
	if _, err := w.RequestRedelivery(ctx, a.ID, "user-3"); !errors.Is(err, ErrRequestWindowClosed) {
		t.Fatalf("expected ErrRequestWindowClosed, got %v", err)
	}
}

func TestRequestRedeliveryWrongConsumer(t *testing.T) {
	w, now := newTestWorkflow(t, time.Second, time.Hour)
	ctx := context.Background()

	a, _ := w.Deliver(ctx, 5, "owner")
	*now = now.Add(2 * time.Second)
	if _, err := w.RequestRedelivery(ctx, a.ID, "intruder"); !errors.Is(err, ErrWrongConsumer) {
		t.Fatalf("expected ErrWrongConsumer, got %v", err)
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	w, _ := newTestWorkflow(t, time.Second, time.Hour)
	if _, err := w.ResolveRequest(context.Background(), "nope", true, "", ""); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestSweepNotifiesOnce(t *testing.T) {
	w, now := newTestWorkflow(t, 60*time.Second, time.Hour)
	ctx := context.Background()

	first, _ := w.Deliver(ctx, 1, "u1")
	second, _ := w.Deliver(ctx, 2, "u2")
	_ = first
	_ = second

	*now = now.Add(2 * time.Minute)
	var seen []string
	n, err := w.Sweep(ctx, 100, func(_ context.Context, a *Artifact) error {
		seen = append(seen, a.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 || len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got n=%d seen=%v", n, seen)
	}

	n, err = w.Sweep(ctx, 100, func(_ context.Context, a *Artifact) error {
		t.Errorf("artifact %s notified twice", a.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep notified %d", n)
	}
}

func TestSweepBoundedBatch(t *testing.T) {
	w, now := newTestWorkflow(t, time.Second, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := w.Deliver(ctx, int64(i), "u"); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	*now = now.Add(time.Minute)
	n, err := w.Sweep(ctx, 2, nil)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	w, now := newTestWorkflow(t, time.Minute, time.Hour)
	ctx := context.Background()

	a1, _ := w.Deliver(ctx, 1, "u")
	*now = now.Add(time.Second)
	a2, _ := w.Deliver(ctx, 2, "u")

	got, err := w.History(ctx, "u", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].ID != a2.ID || got[1].ID != a1.ID {
		t.Fatalf("unexpected history order: %+v", got)
	}
}

func TestParseDeclineReason(t *testing.T) {
	for _, s := range []string{"not-available", "invalid-request", "policy-violation", "other"} {
		if _, err := ParseDeclineReason(s); err != nil {
			t.Fatalf("reason %q rejected: %v", s, err)
		}
	}
	if _, err := ParseDeclineReason("grumpy"); err == nil {
		t.Fatalf("expected rejection")
	}
}
