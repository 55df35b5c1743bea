package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

const (
	// DefaultIdleTimeout is how long an unused context stays open before the
	// reaper closes it.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultReapInterval is how often the reaper checks for idleness.
	DefaultReapInterval = 30 * time.Second
)

// ManagerOptions controls session reuse and reclamation.
type ManagerOptions struct {
	// ReusePage hands the primary page to a task whenever no other task
	// holds it. Overlapping tasks get fresh pages, so a page never has two
	// owners.
	ReusePage bool

	// LoginGrace is slept right after a launch so an operator can sign in
	// manually in a headed browser. Zero disables it.
	LoginGrace time.Duration

	// IdleTimeout is how long the context may sit with nothing in flight
	// before RunReaper closes it. Zero disables reclamation.
	IdleTimeout time.Duration
}

// SessionManager owns the single browser context and hands out pages to
// tasks. The context is launched lazily on the first Acquire.
type SessionManager struct {
	mu       sync.Mutex
	launcher Launcher
	opts     ManagerOptions
	session  *Session
	logger   *logging.Logger

	inFlight    atomic.Int64
	lastRelease atomic.Int64 // unix nanos
}

// NewSessionManager creates a manager around launcher.
func NewSessionManager(launcher Launcher, opts ManagerOptions, logger *logging.Logger) *SessionManager {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &SessionManager{
		launcher: launcher,
		opts:     opts,
		logger:   logger,
	}
	m.lastRelease.Store(time.Now().UnixNano())
	return m
}

// Lease is a task's claim on a page. Release must be called exactly once
// per successful Acquire; extra calls are no-ops.
type Lease struct {
	Page Page

	shared  bool
	release func()
	once    sync.Once
}

// Shared reports whether the page is the reused primary page.
func (l *Lease) Shared() bool {
	return l.shared
}

// Release returns the lease without touching the page.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Close closes the page unless it is the shared primary page, then releases.
func (l *Lease) Close() error {
	var err error
	if !l.shared && l.Page != nil {
		err = l.Page.Close()
	}
	l.Release()
	return err
}

// Acquire returns a page for one task, launching the context if needed. The
// in-flight counter is raised before the launch so the reaper cannot close a
// context a caller is about to use.
func (m *SessionManager) Acquire(ctx context.Context) (*Lease, error) {
	m.inFlight.Add(1)
	tasksInFlight.Inc()

	page, sess, err := m.page(ctx)
	if err != nil {
		m.done()
		return nil, err
	}

	lease := &Lease{Page: page, release: m.done}
	if sess != nil {
		lease.shared = true
		lease.release = func() {
			m.mu.Lock()
			sess.unlease()
			m.mu.Unlock()
			m.done()
		}
	}
	return lease, nil
}

func (m *SessionManager) done() {
	m.lastRelease.Store(time.Now().UnixNano())
	m.inFlight.Add(-1)
	tasksInFlight.Dec()
}

// page opens or reuses a page. The session is returned only when the page
// is its primary page, so the lease can hand it back.
func (m *SessionManager) page(ctx context.Context) (Page, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		if err := m.launch(ctx); err != nil {
			return nil, nil, err
		}
	}

	page, primary, err := m.session.page(m.opts.ReusePage)
	if err != nil {
		// The context died underneath us; relaunch once. Pages leased from
		// the dead context fail on their own.
		m.logger.Warnf("Failed to open page on existing context, relaunching: %v", err)
		_ = m.session.close()
		m.session = nil
		if err := m.launch(ctx); err != nil {
			return nil, nil, err
		}
		page, primary, err = m.session.page(m.opts.ReusePage)
		if err != nil {
			return nil, nil, types.WrapFailure(types.FailureLaunch, err, "open page")
		}
	}
	if !primary {
		return page, nil, nil
	}
	return page, m.session, nil
}

// launch must be called with m.mu held.
func (m *SessionManager) launch(ctx context.Context) error {
	m.logger.Infof("Launching browser context")
	bctx, err := m.launcher.Launch(ctx)
	if err != nil {
		launchFailures.Inc()
		m.logger.Errorf("Browser launch failed: %v", err)
		return types.WrapFailure(types.FailureLaunch, err, "launch browser")
	}
	sessionsLaunched.Inc()
	m.session = newSession(bctx)

	if m.opts.LoginGrace > 0 {
		m.logger.Infof("Waiting %s for manual sign-in", m.opts.LoginGrace)
		timer := time.NewTimer(m.opts.LoginGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// InFlight returns the number of tasks currently holding a lease.
func (m *SessionManager) InFlight() int64 {
	return m.inFlight.Load()
}

// Idle reports whether no task currently holds a lease.
func (m *SessionManager) Idle() bool {
	return m.inFlight.Load() == 0
}

// Launched reports whether a browser context is currently open.
func (m *SessionManager) Launched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Reclaim closes the context if nothing is in flight. It reports whether a
// context was closed.
func (m *SessionManager) Reclaim() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.inFlight.Load() > 0 {
		return false, nil
	}

	err := m.session.close()
	m.session = nil
	sessionsReclaimed.Inc()
	m.logger.Infof("Closed idle browser context")
	if err != nil {
		return true, fmt.Errorf("failed to close browser context: %w", err)
	}
	return true, nil
}

// RunReaper closes the context after IdleTimeout with nothing in flight.
// It blocks until ctx is done.
func (m *SessionManager) RunReaper(ctx context.Context, interval time.Duration) error {
	if m.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.Idle() {
				continue
			}
			idleFor := time.Since(time.Unix(0, m.lastRelease.Load()))
			if idleFor < m.opts.IdleTimeout {
				continue
			}
			if _, err := m.Reclaim(); err != nil {
				m.logger.Warnf("Reaper: %v", err)
			}
		}
	}
}

// Shutdown closes the context regardless of in-flight tasks.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.close()
	m.session = nil
	if err != nil {
		return fmt.Errorf("failed to close browser context: %w", err)
	}
	return nil
}
