package manager

import (
	"time"
)

// Close stops accepting sessions, waits up to the drain timeout for running
// and queued turns, then destroys every context including the shared one.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed
	close(m.stop)
	seen := make(map[*Session]bool)
	var all []*Session
	for _, s := range m.sessions {
		if !seen[s] {
			seen[s] = true
			all = append(all, s)
		}
	}
	if m.shared != nil && !seen[m.shared] {
		all = append(all, m.shared)
	}
	m.sessions = make(map[string]*Session)
	m.shared = nil
	m.mu.Unlock()
	m.publish(Event{Name: "drain_start", Fields: map[string]any{"sessions": len(all)}})

	deadline := time.Now().Add(m.drainTimeout)
	for _, s := range all {
		for !s.idle() {
			if time.Now().After(deadline) {
				m.publish(Event{Name: "drain_timeout", SessionID: s.ID, Fields: map[string]any{"queue": len(s.queueCh)}})
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		m.closeSession(s, "shutdown")
	}
	m.publish(Event{Name: "drain_done"})
	return nil
}
