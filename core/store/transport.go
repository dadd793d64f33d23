package store

import (
	"context"
	"io"
)

// Content is the payload handed to the transport on ingestion.
type Content struct {
	Name string
	Kind MediaKind
	Data []byte
}

// Transport is the external chat transport the store is built on. The
// returned message id is the durable reference for the item. Implementations
// wrap rate-limit and network failures with Transient so the adapter can
// retry with backoff.
type Transport interface {
	// Send uploads content to a chat and returns its message id.
	Send(ctx context.Context, chat string, content Content) (int64, error)
	// Copy re-sends an existing message to another chat without
	// re-uploading the bytes, returning the new message id.
	Copy(ctx context.Context, messageID int64, destChat string) (int64, error)
	// FetchBytes streams the raw bytes behind a message id.
	FetchBytes(ctx context.Context, messageID int64) (io.ReadCloser, error)
}
