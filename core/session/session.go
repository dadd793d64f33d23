// Package session owns exclusive per-consumer processing sessions: one
// local copy of a stored item, downloaded once, serving repeated
// transforms until the session closes and its files are released.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/media"
)

const (
	component = "session"

	dirPrefix      = "sess-"
	sourceFileName = "source.dat"
)

// State of a session.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// BusyPolicy decides what a second concurrent operation on the same
// session does: wait for the first, or fail fast.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyWait   BusyPolicy = "wait"
)

var (
	// ErrBusy is returned under the reject policy when another
	// operation holds the session.
	ErrBusy = errors.New("session busy")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNoLocalCopy is returned when a transform runs before
	// EnsureLocalCopy.
	ErrNoLocalCopy = errors.New("no local copy: call EnsureLocalCopy first")
)

// FetchError wraps a failed download during EnsureLocalCopy. The
// session reverts to Idle and may retry.
type FetchError struct {
	Reference int64
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("session fetch of %d failed: %v", e.Reference, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Event is published on the bus for session lifecycle changes.
type Event struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	Reference int64  `json:"reference"`
	Event     string `json:"event"`
}

// Session is one consumer's exclusive working context. All operations
// on a session are serialized by its own mutex; sessions of different
// owners never contend.
type Session struct {
	ID        string
	Owner     string
	SourceRef int64

	mgr *Manager

	mu         sync.Mutex
	state      State
	dir        string
	localPath  string
	lastActive time.Time
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dir returns the session's private temp namespace.
func (s *Session) Dir() string { return s.dir }

func (s *Session) acquire() error {
	if s.mgr.busyPolicy == BusyReject {
		if !s.mu.TryLock() {
			return ErrBusy
		}
		return nil
	}
	s.mu.Lock()
	return nil
}

// EnsureLocalCopy downloads the source bytes exactly once, moving
// Idle -> Downloading -> Active. Later calls return the existing copy.
// A failed download reverts to Idle so the consumer may retry.
func (s *Session) EnsureLocalCopy(ctx context.Context) (string, error) {
	if err := s.acquire(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		s.lastActive = s.mgr.now()
		return s.localPath, nil
	case StateClosing, StateClosed:
		return "", ErrClosed
	}

	s.state = StateDownloading
	path := filepath.Join(s.dir, sourceFileName)
	if err := s.download(ctx, path); err != nil {
		s.state = StateIdle
		os.Remove(path)
		return "", &FetchError{Reference: s.SourceRef, Err: err}
	}
	s.state = StateActive
	s.localPath = path
	s.lastActive = s.mgr.now()
	s.mgr.metrics.IncSessions("active")
	return path, nil
}

func (s *Session) download(ctx context.Context, path string) error {
	rc, err := s.mgr.store.Fetch(ctx, s.SourceRef)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ProduceArtifact runs one transform against the local copy and hands
// the output file to consume. The output is deleted after consume
// returns, even when consume fails. Tool failures leave the session
// Active so a different operation can be retried.
func (s *Session) ProduceArtifact(ctx context.Context, spec media.Spec, consume func(path string) error) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	switch s.state {
	case StateClosing, StateClosed:
		return ErrClosed
	case StateActive:
	default:
		return ErrNoLocalCopy
	}
	s.lastActive = s.mgr.now()

	outputPath := filepath.Join(s.dir, "art-"+uuid.NewString()+spec.OutputExt())
	tctx, cancel := context.WithTimeout(ctx, s.mgr.transformTimeout)
	defer cancel()

	start := time.Now()
	err := s.mgr.runner.Transform(tctx, s.localPath, spec, outputPath)
	s.mgr.metrics.ObserveTransformDuration(string(spec.Kind), time.Since(start).Seconds())
	if err != nil {
		os.Remove(outputPath)
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.mgr.metrics.IncTransforms(string(spec.Kind), "timeout")
			return &media.ProcessingTimeoutError{Operation: spec.Kind, Limit: s.mgr.transformTimeout}
		}
		s.mgr.metrics.IncTransforms(string(spec.Kind), "error")
		return err
	}
	defer os.Remove(outputPath)
	s.mgr.metrics.IncTransforms(string(spec.Kind), "ok")
	return consume(outputPath)
}

// Close releases the session's local files and removes it from the
// owner table. Idempotent: closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked("closed")
}

// closeLocked assumes s.mu is held.
func (s *Session) closeLocked(event string) error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosing
	if err := os.RemoveAll(s.dir); err != nil {
		logging.Warn(component, "session cleanup failed", "session", s.ID, "error", err)
	}
	s.state = StateClosed
	s.localPath = ""
	s.mgr.forget(s)
	s.mgr.metrics.IncSessions(event)
	s.mgr.publish(bus.SubjectSessionClosed, s, event)
	return nil
}
