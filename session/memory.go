package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Restarting the process drops every
// session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		locks:    make(map[string]*keyLock),
	}
}

// Get returns a copy of the session, or ErrNotFound when missing or expired.
func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Expired(time.Now()) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	return sess.clone(), nil
}

// Save stores or replaces a session.
func (m *MemoryStore) Save(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess.clone()
	return nil
}

// Update runs fn against the stored session while holding that session's lock.
// The change is discarded when fn returns an error.
func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	unlock := m.lock(id)
	defer unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if err := fn(&sess); err != nil {
		return Session{}, err
	}
	if err := m.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictExpired drops every session past its expiry and returns how many went.
func (m *MemoryStore) EvictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if sess.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// StartJanitor evicts expired sessions every interval until stop is closed.
func (m *MemoryStore) StartJanitor(interval time.Duration, stop <-chan struct{}, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.EvictExpired(time.Now()); n > 0 {
					logger.Debug("evicted expired sessions", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (m *MemoryStore) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &keyLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}
