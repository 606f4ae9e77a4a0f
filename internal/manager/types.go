package manager

import (
	"context"
	"time"

	"qllmd/internal/modelcache"
	"qllmd/internal/session"
)

// State represents the lifecycle state of the manager.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
	StateClosed  State = "closed"
)

// Session is one context bound to one or more connection ids (more than one
// only in shared mode).
type Session struct {
	ID      string
	Shared  bool
	Created time.Time

	ctx    *session.Context
	handle *modelcache.Handle

	// Queueing primitives
	genCh   chan struct{} // size 1: single in-flight turn
	queueCh chan struct{} // buffered: queue slots

	// guarded by Manager.mu
	lastUsed   time.Time
	cancelTurn context.CancelFunc
	pinned     bool
}

// idle reports whether no turn holds or waits for the session.
func (s *Session) idle() bool { return len(s.genCh) == 0 && len(s.queueCh) == 0 }
