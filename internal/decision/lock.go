package decision

import (
	"context"
	"sync"
	"time"
)

// LockOutcome is the tri-state result of a lock acquisition. Callers
// can distinguish "nothing happened because of contention" from
// "nothing happened because the lock does not apply".
type LockOutcome int

const (
	// LockAcquired means the caller holds the lock and must release it.
	LockAcquired LockOutcome = iota

	// LockTimedOut means the bounded wait elapsed with the lock held
	// elsewhere. Nothing was mutated.
	LockTimedOut

	// LockNotApplicable means no lock exists for the given name.
	LockNotApplicable
)

// LockTable hands out named exclusive locks with a bounded wait. One
// table guards all campaigns of one engine instance.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]chan struct{})}
}

// Acquire takes the named lock, waiting up to wait. On LockAcquired the
// returned release function must be called exactly once; otherwise it
// is nil.
func (t *LockTable) Acquire(ctx context.Context, name string, wait time.Duration) (LockOutcome, func()) {
	if name == "" {
		return LockNotApplicable, nil
	}

	t.mu.Lock()
	ch, ok := t.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[name] = ch
	}
	t.mu.Unlock()

	release := func() { <-ch }

	select {
	case ch <- struct{}{}:
		return LockAcquired, release
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return LockAcquired, release
	case <-timer.C:
		return LockTimedOut, nil
	case <-ctx.Done():
		return LockTimedOut, nil
	}
}
