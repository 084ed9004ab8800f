package transport

import (
	"context"
	"sync"

	"github.com/arunaabhs/olive_sync/crdt"
)

// Manager owns the transport sessions of one client process and
// enforces at most one live session per project. It satisfies the
// registry's Broadcaster interface.
type Manager struct {
	mu       sync.Mutex
	dialer   Dialer
	cfg      Config
	sessions map[string]*Session
	versions func(project string) map[string]crdt.VersionVector
	closed   bool
}

// NewManager creates a session manager using the given dialer.
func NewManager(dialer Dialer, cfg Config) *Manager {
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// SetVersionsProvider wires the per-project version source (typically
// registry.Versions) reported during connection handshakes.
func (m *Manager) SetVersionsProvider(fn func(project string) map[string]crdt.VersionVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = fn
}

// Session returns the project's session, creating and connecting it on
// first use.
func (m *Manager) Session(project string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[project]; ok {
		return s
	}
	s := NewSession(project, m.dialer, m.cfg)
	if m.versions != nil {
		versions := m.versions
		s.SetVersionsProvider(func() map[string]crdt.VersionVector {
			return versions(project)
		})
	}
	m.sessions[project] = s
	if !m.closed {
		s.Connect(context.Background())
	}
	return s
}

// SendDelta implements the registry's Broadcaster.
func (m *Manager) SendDelta(project, file string, payload []byte, originActor string) {
	m.Session(project).SendDelta(file, payload, originActor)
}

// SubscribeProject implements the registry's Broadcaster.
func (m *Manager) SubscribeProject(project string, onDelta func(file string, payload []byte, originActor string)) {
	m.Session(project).SetDeltaHandler(DeltaHandler(onDelta))
}

// CloseAll tears down every session, flushing best-effort.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
