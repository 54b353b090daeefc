package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter fans Brain notices out on a buffered channel. A slow reader
// loses notices rather than stalling event loops.
type Emitter struct {
	mu      sync.RWMutex
	ch      chan Notice
	closed  bool
	dropped atomic.Uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{ch: make(chan Notice, bufferSize)}
}

// Emit sends n, waiting up to 100ms for room before dropping it.
func (e *Emitter) Emit(n Notice) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- n:
		return
	default:
	}
	select {
	case e.ch <- n:
	case <-time.After(100 * time.Millisecond):
		count := e.dropped.Add(1)
		if count%10 == 1 {
			log.Printf("[brain] notice channel full, dropped %d so far: type=%s event=%s", count, n.Type, n.EventID)
		}
	}
}

// Dropped returns how many notices were dropped.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Notices returns the receive side.
func (e *Emitter) Notices() <-chan Notice {
	return e.ch
}

// Close closes the channel. Later Emit calls are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
