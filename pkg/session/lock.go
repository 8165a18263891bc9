package session

import (
	"context"
)

// sessionLock is a keyed lock with a FIFO wait queue. refs tracks waiters so
// the entry can be removed from the map when the last holder releases.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// Acquire blocks until the caller holds the session's lock or the context
// ends. Waiters are served in FIFO order of their channel receives. Used by
// the dispatcher to serialize turns on one session.
func (m *Manager) Acquire(ctx context.Context, sessionID string) error {
	lk := m.ref(sessionID)
	select {
	case lk.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(sessionID)
		return ctx.Err()
	}
}

// TryAcquire attempts the lock without blocking. Returns false when another
// dispatch holds it (the "busy" path for web/cli sources).
func (m *Manager) TryAcquire(sessionID string) bool {
	lk := m.ref(sessionID)
	select {
	case lk.ch <- struct{}{}:
		return true
	default:
		m.unref(sessionID)
		return false
	}
}

// Release frees the session's lock.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	lk, ok := m.locks[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-lk.ch
	m.unref(sessionID)
}

func (m *Manager) ref(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[sessionID]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = lk
	}
	lk.refs++
	return lk
}

func (m *Manager) unref(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[sessionID]
	if !ok {
		return
	}
	lk.refs--
	if lk.refs <= 0 && len(lk.ch) == 0 {
		delete(m.locks, sessionID)
	}
}
