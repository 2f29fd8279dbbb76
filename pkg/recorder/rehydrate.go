package recorder

import "context"

// CurrentSessionID returns the session id the manager is holding in memory.
// It is empty right after a restart, before any upload-path operation has
// rehydrated the pointer, and empty forever on a store that never recorded
// a session.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// resolveSession returns the session id upload paths should serve. When the
// in-memory pointer was lost to a process restart it falls back to the
// last-active-session pointer persisted at InitSession time and adopts it.
//
// Rehydration restores chunk addressability and nothing else: the timeline
// stays inactive and the subject id stays unknown, so producer operations
// keep failing until the next InitSession. An empty result with a nil error
// means no session was ever recorded.
func (m *Manager) resolveSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return m.sessionID, nil
	}
	last, err := m.store.LastSession(ctx)
	if err != nil {
		return "", err
	}
	if last == "" {
		return "", nil
	}
	m.sessionID = last
	m.logger.Info("session pointer rehydrated", "session_id", last)
	return last, nil
}
