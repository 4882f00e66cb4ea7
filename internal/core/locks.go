package core

import "sync"

// LockTable is the named mutual-exclusion table serializing jobs across
// shared external resources (e.g. "prod-deploy"). It is the only
// cross-job shared mutable state outside the queue and pool, and every
// access goes through its mutex.
type LockTable struct {
	mu   sync.Mutex
	held map[string]string // lock name -> holding job ID
}

func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]string)}
}

// TryAcquire takes the named lock for jobID if it is free or already
// held by the same job. Returns false when another job holds it.
func (t *LockTable) TryAcquire(name, jobID string) bool {
	if name == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, ok := t.held[name]; ok {
		return holder == jobID
	}
	t.held[name] = jobID
	return true
}

// Release frees the named lock if jobID holds it. Releasing a lock held
// by someone else is a no-op.
func (t *LockTable) Release(name, jobID string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[name] == jobID {
		delete(t.held, name)
	}
}

// Holder returns the job currently holding the named lock.
func (t *LockTable) Holder(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.held[name]
	return holder, ok
}
