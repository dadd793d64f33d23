package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/media"
)

// Fetcher is the slice of the content store a session needs.
type Fetcher interface {
	Fetch(ctx context.Context, ref int64) (io.ReadCloser, error)
}

// Manager owns the per-owner session table. At most one live session
// exists per owner; opening a second one implicitly closes the first.
type Manager struct {
	store  Fetcher
	runner media.Runner

	tempDir          string
	idleTimeout      time.Duration
	transformTimeout time.Duration
	busyPolicy       BusyPolicy
	events           bus.Bus
	metrics          metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// Option tunes a Manager.
type Option func(*Manager)

// WithIdleTimeout sets the window after which the reaper closes a
// session with no activity.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithTransformTimeout sets the hard ceiling on one tool invocation.
func WithTransformTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.transformTimeout = d
		}
	}
}

// WithBusyPolicy selects wait-or-reject for concurrent operations on
// one session.
func WithBusyPolicy(p BusyPolicy) Option {
	return func(m *Manager) {
		if p == BusyWait || p == BusyReject {
			m.busyPolicy = p
		}
	}
}

// WithEvents attaches an event bus.
func WithEvents(b bus.Bus) Option {
	return func(m *Manager) { m.events = b }
}

// WithMetrics attaches metrics.
func WithMetrics(mt metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager builds a session manager rooted at tempDir.
func NewManager(store Fetcher, runner media.Runner, tempDir string, opts ...Option) (*Manager, error) {
	if store == nil || runner == nil {
		return nil, fmt.Errorf("store and runner required")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	m := &Manager{
		store:            store,
		runner:           runner,
		tempDir:          tempDir,
		idleTimeout:      10 * time.Minute,
		transformTimeout: 120 * time.Second,
		busyPolicy:       BusyReject,
		events:           bus.Noop{},
		metrics:          metrics.Noop{},
		sessions:         make(map[string]*Session),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a session for owner against sourceRef. An existing live
// session for the owner is closed, and its files released, first.
func (m *Manager) Open(owner string, sourceRef int64) (*Session, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	m.mu.Lock()
	prev := m.sessions[owner]
	m.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			return nil, fmt.Errorf("close previous session: %w", err)
		}
	}

	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		SourceRef: sourceRef,
		mgr:       m,
		state:     StateIdle,
	}
	s.dir = filepath.Join(m.tempDir, dirPrefix+s.ID)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s.lastActive = m.now()

	m.mu.Lock()
	m.sessions[owner] = s
	m.mu.Unlock()

	m.metrics.IncSessions("opened")
	m.publish(bus.SubjectSessionOpened, s, "opened")
	return s, nil
}

// Lookup returns the owner's live session, if any.
func (m *Manager) Lookup(owner string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[owner]
	return s, ok
}

// forget drops a session from the owner table if it is still the
// registered one.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.Owner] == s {
		delete(m.sessions, s.Owner)
	}
}

// Reap closes sessions idle past the configured window and returns how
// many were closed.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.idleTimeout)
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		stale = append(stale, s)
	}
	m.mu.Unlock()

	reaped := 0
	for _, s := range stale {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff) && s.state != StateClosed
		if idle {
			s.closeLocked("reaped")
			reaped++
		}
		s.mu.Unlock()
	}
	if reaped > 0 {
		logging.Info(component, "reaped idle sessions", "count", reaped)
	}
	return reaped
}

// RunReaper ticks Reap until the context is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Reap()
		}
	}
}

// SweepOrphans removes session namespaces under the temp root whose
// owning session no longer exists. Returns how many were removed.
func (m *Manager) SweepOrphans() (int, error) {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{})
	m.mu.Lock()
	for _, s := range m.sessions {
		live[filepath.Base(s.dir)] = struct{}{}
	}
	m.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.tempDir, e.Name())); err != nil {
			logging.Warn(component, "orphan removal failed", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) publish(subject string, s *Session, event string) {
	if err := m.events.Publish(subject, Event{
		SessionID: s.ID, Owner: s.Owner, Reference: s.SourceRef, Event: event,
	}); err != nil {
		logging.Warn(component, "session event publish failed", "session", s.ID, "error", err)
	}
}
