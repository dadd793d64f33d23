package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filegram-io/filegram/core/infra/bus"
)

// tapBus implements bus.Bus and lets tests feed events straight to
// subscribers.
type tapBus struct {
	mu       sync.Mutex
	handlers []func(subject string, data []byte) error
}

func (b *tapBus) Publish(subject string, event any) error { return nil }

func (b *tapBus) Subscribe(_, _ string, handler func(string, []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *tapBus) feed(subject string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handlers {
		h(subject, data)
	}
}

func TestHealthz(t *testing.T) {
	s := New(":0", bus.Noop{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHealthzFailingProbe(t *testing.T) {
	s := New(":0", bus.Noop{}, WithHealthCheck(func(context.Context) error {
		return errors.New("redis down")
	}))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestEventFeed(t *testing.T) {
	b := &tapBus{}
	s := New(":0", b)
	if err := s.events.Subscribe(bus.SubjectAll, "", func(_ string, data []byte) error {
		select {
		case s.eventsCh <- data:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go s.broadcast()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	// wait for the client registration to land
	deadline := time.Now().Add(time.Second)
	for {
		s.clientsMu.RLock()
		n := len(s.clients)
		s.clientsMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.feed(bus.SubjectContentIngested, []byte(`{"subject":"fg.content.ingested"}`))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "fg.content.ingested") {
		t.Fatalf("unexpected feed payload: %s", msg)
	}
}
