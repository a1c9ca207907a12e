package verify

import "sync"

// userLocks hands out at most one token per user. Acquisition never blocks:
// a second request for a user that already holds a token is turned away.
type userLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{held: make(map[string]struct{})}
}

// tryAcquire takes the token for key and reports whether it succeeded
func (l *userLocks) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *userLocks) release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
