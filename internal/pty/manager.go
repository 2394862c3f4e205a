// Package pty provides PTY session management for terminal peers. This
// package handles the creation, lifecycle, and teardown of shells running in
// pseudo-terminals.
package pty

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/glowus/relay/internal/errors"
)

// DefaultMaxSessions is the default maximum number of concurrent sessions.
// This prevents resource exhaustion from creating too many PTY children.
const DefaultMaxSessions = 20

// SessionInfo contains metadata about a session for reporting purposes.
type SessionInfo struct {
	ID        string    `json:"id"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd"`
	Pid       int       `json:"pid"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"createdAt"`
}

// Manager tracks every live PTY session in the process.
//
// Each terminal connection owns exactly one session; the Manager exists so
// the process can enforce a session limit, report sessions on /status, and
// kill every child on shutdown so no shell is orphaned.
//
// Example usage:
//
//	mgr := NewManager(20, logger)
//	session, err := mgr.Spawn(SessionConfig{Dir: "/tmp"})
//	if err != nil {
//	    return err
//	}
//	defer session.Stop()
//	// ... use session ...
//	mgr.CloseAll() // On shutdown
type Manager struct {
	// sessions maps session IDs to Session objects.
	sessions map[string]*Session

	maxSessions int

	// closed is set by CloseAll; no sessions may be spawned afterwards.
	closed bool

	mu sync.RWMutex

	logger *zap.Logger
}

// NewManager creates a manager with the given session limit.
// If maxSessions is 0 or negative, DefaultMaxSessions is used.
func NewManager(maxSessions int, logger *zap.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// Spawn creates a session with a fresh UUID, starts it, and registers it.
//
// The session removes itself from the manager once its child exits.
// Returns a session.limit_reached error when the limit is hit and a
// session.spawn_failed error when the shell cannot be started.
func (m *Manager) Spawn(cfg SessionConfig) (*Session, error) {
	id := uuid.New().String()
	cfg.ID = id
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	// Reserve the slot before starting so concurrent spawns cannot overshoot.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeSessionSpawnFailed, "relay is shutting down")
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, apperrors.SessionLimitReached(m.maxSessions)
	}
	session := NewSession(cfg)
	m.sessions[id] = session
	m.mu.Unlock()

	if err := session.Start(); err != nil {
		m.forget(id)
		shell := cfg.Shell
		if shell == "" {
			shell = DefaultShell()
		}
		return nil, apperrors.SpawnFailed(shell, err)
	}

	go func() {
		<-session.Done()
		if err := session.Error(); err != nil {
			m.logger.Warn("PTY output ended with an error", zap.String("session", id), zap.Error(err))
		}
		m.forget(id)
	}()

	return session, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get retrieves a session by its ID, or nil if it doesn't exist.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns information about all registered sessions.
//
// The returned slice is a snapshot; sessions may exit right after.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		cols, rows := s.Size()
		s.mu.Lock()
		info := SessionInfo{
			ID:        s.ID,
			Shell:     s.Shell,
			Cwd:       s.cwd,
			Running:   s.running,
			CreatedAt: s.CreatedAt,
			Cols:      cols,
			Rows:      rows,
		}
		if s.cmd != nil && s.cmd.Process != nil {
			info.Pid = s.cmd.Process.Pid
		}
		s.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// CloseAll stops every session and waits for each child to be reaped.
//
// This is called during shutdown. Sessions are stopped concurrently and the
// manager refuses new spawns afterwards.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				m.logger.Warn("failed to stop PTY session", zap.String("session", s.ID), zap.Error(err))
			}
			<-s.Done()
		}(session)
	}
	wg.Wait()

	if len(sessions) > 0 {
		m.logger.Info("stopped all PTY sessions", zap.Int("count", len(sessions)))
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxSessions returns the configured maximum number of sessions.
func (m *Manager) MaxSessions() int {
	return m.maxSessions
}
