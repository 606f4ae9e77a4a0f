package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qllmd/internal/config"
	"qllmd/internal/engine"
	"qllmd/internal/metrics"
	"qllmd/internal/session"
	"qllmd/pkg/types"
)

// CreateSession binds connID to a context. In per-connection mode any
// previous context of connID is destroyed first and a fresh one is created on
// the cached model; in shared mode connID binds to the startup context. An
// empty connID gets a generated id.
func (m *Manager) CreateSession(ctx context.Context, connID string) (types.Session, error) {
	return m.createSession(ctx, connID, false)
}

// createSession is CreateSession; a pinned session is never chosen for idle
// or capacity eviction.
func (m *Manager) createSession(ctx context.Context, connID string, pinned bool) (types.Session, error) {
	if connID == "" {
		connID = uuid.NewString()
	}
	if m.isClosed() {
		return types.Session{}, ErrDependencyUnavailable("manager closed")
	}
	if m.mode == config.ModeShared {
		sh, err := m.sharedSession(ctx)
		if err != nil {
			return types.Session{}, err
		}
		m.mu.Lock()
		m.sessions[connID] = sh
		m.mu.Unlock()
		m.publish(Event{Name: "session_bound", SessionID: connID, Fields: map[string]any{"shared": true}})
		return describe(connID, sh, time.Now()), nil
	}

	if err := m.DestroySession(connID); err == nil {
		m.log.Debug().Str("session", connID).Msg("previous session replaced")
	}
	if err := m.makeRoom(); err != nil {
		return types.Session{}, err
	}
	s, err := m.newSession(ctx, connID, false)
	if err != nil {
		return types.Session{}, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeSession(s, "shutdown")
		return types.Session{}, ErrDependencyUnavailable("manager closed")
	}
	prior := m.sessions[connID]
	s.pinned = pinned
	m.sessions[connID] = s
	m.mu.Unlock()
	if prior != nil {
		m.closeSession(prior, "replaced")
	}
	m.publish(Event{Name: "session_created", SessionID: connID})
	m.log.Info().Str("session", connID).Uint32("context_length", s.ctx.MaxPositions()).Msg("session created")
	return describe(connID, s, time.Now()), nil
}

// DestroySession unbinds connID. Its context is destroyed unless it is the
// shared one.
func (m *Manager) DestroySession(connID string) error {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound(connID)
	}
	delete(m.sessions, connID)
	m.mu.Unlock()
	if s.Shared {
		m.publish(Event{Name: "session_unbound", SessionID: connID})
		return nil
	}
	m.closeSession(s, "client")
	return nil
}

// ResetSession clears every position of connID's context once no turn is
// running on it.
func (m *Manager) ResetSession(ctx context.Context, connID string) error {
	s, err := m.lookup(connID)
	if err != nil {
		return err
	}
	release, err := m.beginTurn(ctx, s)
	if err != nil {
		return err
	}
	defer release()
	if err := s.ctx.Reset(); err != nil {
		return err
	}
	m.publish(Event{Name: "session_reset", SessionID: connID})
	return nil
}

// Session describes the session bound to connID.
func (m *Manager) Session(connID string) (types.Session, error) {
	s, err := m.lookup(connID)
	if err != nil {
		return types.Session{}, err
	}
	m.mu.RLock()
	lastUsed := s.lastUsed
	m.mu.RUnlock()
	return describe(connID, s, lastUsed), nil
}

func (m *Manager) lookup(connID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	if !ok {
		return nil, ErrSessionNotFound(connID)
	}
	return s, nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// sharedSession returns the process-wide context, creating it on first use.
func (m *Manager) sharedSession(ctx context.Context) (*Session, error) {
	m.sharedMu.Lock()
	defer m.sharedMu.Unlock()
	m.mu.RLock()
	sh := m.shared
	m.mu.RUnlock()
	if sh != nil {
		return sh, nil
	}
	sh, err := m.newSession(ctx, "shared", true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeSession(sh, "shutdown")
		return nil, ErrDependencyUnavailable("manager closed")
	}
	m.shared = sh
	m.mu.Unlock()
	m.log.Info().Uint32("context_length", sh.ctx.MaxPositions()).Msg("shared session created")
	return sh, nil
}

func (m *Manager) newSession(ctx context.Context, id string, shared bool) (*Session, error) {
	if m.models == nil {
		return nil, ErrDependencyUnavailable("no model cache configured")
	}
	h, err := m.models.Acquire(ctx, m.modelPath, m.load)
	if err != nil {
		m.setError(err)
		return nil, err
	}
	ec, err := h.Model.NewContext(engine.ContextParams{
		ContextLength: m.load.ContextLength,
		Threads:       m.load.Threads,
		Seed:          m.seed,
	})
	if err != nil {
		m.models.Release(h)
		err = ErrDependencyUnavailable(fmt.Sprintf("create context: %v", err))
		m.setError(err)
		return nil, err
	}
	m.mu.Lock()
	if m.state == StateLoading || m.state == StateError {
		m.state, m.err = StateReady, ""
	}
	m.mu.Unlock()
	now := time.Now()
	s := &Session{
		ID:       id,
		Shared:   shared,
		Created:  now,
		ctx:      session.New(ec, m.load.ContextLength),
		handle:   h,
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, m.maxQueueDepth),
		lastUsed: now,
	}
	metrics.SessionsActive.Inc()
	return s, nil
}

// closeSession stops any running turn, destroys the context and drops the
// model reference. The session must already be unbound.
func (m *Manager) closeSession(s *Session, reason string) {
	// Close first so a running turn observes the destroyed state.
	if err := s.ctx.Close(); err != nil {
		m.log.Warn().Err(err).Str("session", s.ID).Msg("closing context")
	}
	m.mu.Lock()
	cancel := s.cancelTurn
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.models.Release(s.handle)
	metrics.SessionsActive.Dec()
	metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	m.publish(Event{Name: "session_destroyed", SessionID: s.ID, Fields: map[string]any{"reason": reason}})
	m.log.Debug().Str("session", s.ID).Str("reason", reason).Msg("session destroyed")
}

func describe(connID string, s *Session, lastUsed time.Time) types.Session {
	out := types.Session{
		ID:           connID,
		Shared:       s.Shared,
		State:        s.ctx.State().String(),
		Cursor:       s.ctx.Cursor(),
		MaxPositions: s.ctx.MaxPositions(),
		QueueLen:     len(s.queueCh),
		Busy:         len(s.genCh) > 0,
		CreatedUnix:  s.Created.Unix(),
		LastUsedUnix: lastUsed.Unix(),
	}
	if start, end, ok := s.ctx.Anchor(); ok {
		out.AnchorStart, out.AnchorEnd = &start, &end
	}
	return out
}
