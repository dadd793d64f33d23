package store

import (
	"errors"
	"fmt"
	"time"
)

// MediaKind classifies stored content.
type MediaKind string

const (
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaImage    MediaKind = "image"
	MediaOther    MediaKind = "other"
)

// NormalizeMediaKind maps arbitrary input onto the closed kind set.
func NormalizeMediaKind(kind string) MediaKind {
	switch MediaKind(kind) {
	case MediaDocument, MediaVideo, MediaAudio, MediaImage:
		return MediaKind(kind)
	default:
		return MediaOther
	}
}

// StoredItem is one unit of content in the append-only store. Records are
// created on ingestion, never mutated, and removed only by explicit purge.
type StoredItem struct {
	Reference   int64     `json:"reference"`
	DisplayName string    `json:"display_name"`
	ByteSize    int64     `json:"byte_size"`
	MediaKind   MediaKind `json:"media_kind"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

var (
	// ErrNotFound reports a reference with no catalog record.
	ErrNotFound = errors.New("stored item not found")
	// ErrFetchFailed reports a fetch abandoned after the retry budget.
	ErrFetchFailed = errors.New("fetch failed after retries")
)

// TransientError marks a transport failure worth retrying (rate limit,
// network blip). Transports wrap such failures so the adapter can back
// off instead of surfacing them immediately.
type TransientError struct {
	Err   error
	Delay time.Duration
}

func (e *TransientError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient wraps err as retryable, optionally with a server-suggested delay.
func Transient(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("transient failure")
	}
	if delay < 0 {
		delay = 0
	}
	return &TransientError{Err: err, Delay: delay}
}

// IsTransient reports whether err is marked retryable and returns any
// suggested delay.
func IsTransient(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Delay, true
	}
	return 0, false
}
