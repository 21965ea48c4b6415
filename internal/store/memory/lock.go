package memory

import (
	"context"
	"sync"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// LockManager implements domain.LockManager with an in-process keyed mutex
// set. The TTL parameter exists to satisfy the interface (the redis
// implementation uses it to recover from crashed holders); in-process locks
// are always released by the unlock closure.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

// Acquire takes the lock for key, returning domain.ErrLockHeld when another
// caller holds it. The returned unlock is safe to call more than once.
func (lm *LockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.held[key] {
		return nil, domain.ErrLockHeld
	}
	lm.held[key] = true

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			delete(lm.held, key)
			lm.mu.Unlock()
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
