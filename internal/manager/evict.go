package manager

import "time"

// makeRoom evicts the least recently used idle session when the
// per-connection session count is at MaxSessions. It fails with tooBusyError
// when every session is busy or pinned.
func (m *Manager) makeRoom() error {
	if m.maxSessions <= 0 {
		return nil
	}
	m.mu.Lock()
	n := 0
	var lru *Session
	var lruID string
	for id, s := range m.sessions {
		if s.Shared {
			continue
		}
		n++
		if s.pinned || !s.idle() {
			continue
		}
		if lru == nil || s.lastUsed.Before(lru.lastUsed) {
			lru, lruID = s, id
		}
	}
	if n < m.maxSessions {
		m.mu.Unlock()
		return nil
	}
	if lru == nil {
		m.mu.Unlock()
		return tooBusyError{id: "max_sessions"}
	}
	delete(m.sessions, lruID)
	m.evictions++
	m.mu.Unlock()
	m.closeSession(lru, "capacity")
	return nil
}

// evictIdle destroys per-connection sessions idle for longer than the TTL
// and returns how many it destroyed. Shared bindings are never evicted.
func (m *Manager) evictIdle(now time.Time) int {
	if m.sessionTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if s.Shared || s.pinned || !s.idle() || now.Sub(s.lastUsed) <= m.sessionTTL {
			continue
		}
		delete(m.sessions, id)
		victims = append(victims, s)
	}
	m.evictions += uint64(len(victims))
	m.mu.Unlock()
	for _, s := range victims {
		m.closeSession(s, "idle")
	}
	return len(victims)
}

func (m *Manager) janitor(every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			if n := m.evictIdle(now); n > 0 {
				m.log.Info().Int("sessions", n).Msg("idle sessions evicted")
			}
		}
	}
}
