package dispatch

import (
	"fmt"
	"sync"
)

// Leases admits at most one git-mutating dispatch per branch handle.
// Both agents of a paired dispatch share their dispatch's lease.
type Leases struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewLeases creates an empty lease table.
func NewLeases() *Leases {
	return &Leases{holders: make(map[string]string)}
}

// Acquire grants branch to dispatchID. Re-acquiring by the holder is a no-op.
func (l *Leases) Acquire(branch, dispatchID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[branch]; ok && holder != dispatchID {
		return fmt.Errorf("%w: %s held by %s", ErrBranchBusy, branch, holder)
	}
	l.holders[branch] = dispatchID
	return nil
}

// Release frees branch if dispatchID holds it.
func (l *Leases) Release(branch, dispatchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[branch] == dispatchID {
		delete(l.holders, branch)
	}
}

// Holder returns the dispatch holding branch, if any.
func (l *Leases) Holder(branch string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.holders[branch]
	return id, ok
}
