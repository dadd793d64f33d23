package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// InMemoryTransport is a process-local Transport used in development mode
// and tests. Message ids increase monotonically per instance, matching
// the append-only reference contract of real chat transports.
type InMemoryTransport struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64][]byte
	chats  map[int64]string
}

func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		nextID: 1,
		msgs:   make(map[int64][]byte),
		chats:  make(map[int64]string),
	}
}

func (t *InMemoryTransport) Send(_ context.Context, chat string, content Content) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	buf := make([]byte, len(content.Data))
	copy(buf, content.Data)
	t.msgs[id] = buf
	t.chats[id] = chat
	return id, nil
}

func (t *InMemoryTransport) Copy(_ context.Context, messageID int64, destChat string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.msgs[messageID]
	if !ok {
		return 0, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	id := t.nextID
	t.nextID++
	t.msgs[id] = data
	t.chats[id] = destChat
	return id, nil
}

func (t *InMemoryTransport) FetchBytes(_ context.Context, messageID int64) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.msgs[messageID]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
