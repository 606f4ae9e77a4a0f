package manager

import (
	"context"
	"time"

	"qllmd/internal/metrics"
)

// beginTurn reserves a queue slot and then the single in-flight slot of s.
// Returns a release func to be deferred.
func (m *Manager) beginTurn(ctx context.Context, s *Session) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	// Try to reserve a queue slot with timeout
	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case s.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		metrics.BackpressureTotal.WithLabelValues("queue_full").Inc()
		return func() {}, tooBusyError{id: s.ID}
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-s.queueCh
		}
	}()
	// Check for cancellation again before blocking on gen slot
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(m.maxWait)
	defer timer2.Stop()
	select {
	case s.genCh <- struct{}{}:
		acquired = true
		m.mu.Lock()
		s.lastUsed = time.Now()
		m.mu.Unlock()
		return func() {
			m.mu.Lock()
			s.lastUsed = time.Now()
			m.mu.Unlock()
			<-s.genCh
			<-s.queueCh
		}, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		metrics.BackpressureTotal.WithLabelValues("wait_timeout").Inc()
		return func() {}, tooBusyError{id: s.ID}
	}
}
