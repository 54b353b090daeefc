// Package deferral parks events that are waiting on an external process
// and wakes them later. It bounds how long and how often an event may
// sleep for the same reason.
package deferral

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// ConsecutiveLimit is how many times an event may defer in a row for the
// same reason. The next attempt becomes a forced verification dispatch.
const ConsecutiveLimit = 2

// Category default delays, used when a caller passes no delay.
const (
	DelayCI    = 300 * time.Second
	DelaySync  = 180 * time.Second
	DelayQuick = 60 * time.Second
)

// DefaultMaxDelay bounds every deferral.
const DefaultMaxDelay = 15 * time.Minute

// MinDelay keeps a deferral from collapsing into a busy loop.
const MinDelay = time.Second

// ErrDeferralLimit is returned instead of a third consecutive deferral.
var ErrDeferralLimit = errors.New("deferral limit reached")

// Category names a class of external wait.
type Category string

const (
	CategoryCI    Category = "ci"
	CategorySync  Category = "sync"
	CategoryQuick Category = "quick"
)

// Categorize infers the category from a deferral reason.
func Categorize(reason string) Category {
	lower := strings.ToLower(reason)
	words := strings.FieldsFunc(lower, func(r rune) bool { return r < 'a' || r > 'z' })
	hasWord := func(w string) bool {
		for _, f := range words {
			if f == w {
				return true
			}
		}
		return false
	}
	switch {
	case hasWord("ci"), strings.Contains(lower, "pipeline"),
		strings.Contains(lower, "build"), strings.Contains(lower, "workflow"):
		return CategoryCI
	case strings.Contains(lower, "sync"), strings.Contains(lower, "argo"),
		strings.Contains(lower, "rollout"), strings.Contains(lower, "propagat"):
		return CategorySync
	default:
		return CategoryQuick
	}
}

// Clock abstracts time so tests can drive wakes deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config tunes the scheduler.
type Config struct {
	MaxDelay   time.Duration
	CIDelay    time.Duration
	SyncDelay  time.Duration
	QuickDelay time.Duration
}

// DefaultConfig returns the built-in delays.
func DefaultConfig() Config {
	return Config{
		MaxDelay:   DefaultMaxDelay,
		CIDelay:    DelayCI,
		SyncDelay:  DelaySync,
		QuickDelay: DelayQuick,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler owns wake timers. It does not own deferral records: Plan is
// pure and the caller persists what it returns.
type Scheduler struct {
	cfg    Config
	clock  Clock
	mu     sync.Mutex
	timers map[string]Timer
	onWake func(eventID string)
}

// New creates a Scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.CIDelay <= 0 {
		cfg.CIDelay = def.CIDelay
	}
	if cfg.SyncDelay <= 0 {
		cfg.SyncDelay = def.SyncDelay
	}
	if cfg.QuickDelay <= 0 {
		cfg.QuickDelay = def.QuickDelay
	}
	s := &Scheduler{
		cfg:    cfg,
		clock:  realClock{},
		timers: make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnWake registers the function called when a timer fires. It must be
// set before any deferral is armed.
func (s *Scheduler) OnWake(f func(eventID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWake = f
}

// Now returns the scheduler clock's time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Delay resolves the effective delay: the category default when requested
// is zero, then clamped to [MinDelay, MaxDelay].
func (s *Scheduler) Delay(reason string, requested time.Duration) time.Duration {
	d := requested
	if d <= 0 {
		switch Categorize(reason) {
		case CategoryCI:
			d = s.cfg.CIDelay
		case CategorySync:
			d = s.cfg.SyncDelay
		default:
			d = s.cfg.QuickDelay
		}
	}
	if d < MinDelay {
		d = MinDelay
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

// Plan computes the next deferral record for an event given the previous
// one. A repeat of the previous reason increments the count; a new reason
// starts over. When the count for the same reason is already at the limit
// it returns ErrDeferralLimit wrapped in a liveness fault.
func (s *Scheduler) Plan(prev *models.Deferral, eventID, reason string, requested time.Duration) (*models.Deferral, error) {
	count := 1
	if prev != nil && prev.Reason == reason {
		if prev.Count >= ConsecutiveLimit {
			return nil, models.NewFault(models.FaultLiveness, "defer",
				fmt.Errorf("%w: %d consecutive deferrals for %q", ErrDeferralLimit, prev.Count, reason))
		}
		count = prev.Count + 1
	}
	return &models.Deferral{
		EventID: eventID,
		Reason:  reason,
		WakeAt:  s.clock.Now().Add(s.Delay(reason, requested)),
		Count:   count,
	}, nil
}

// Arm schedules the wake for d, replacing any timer for the same event.
// A wake time in the past fires immediately.
func (s *Scheduler) Arm(d *models.Deferral) {
	delay := d.WakeAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	eventID := d.EventID

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
	}
	var timer Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		// A timer replaced or disarmed after it started firing must not wake.
		if s.timers[eventID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, eventID)
		wake := s.onWake
		s.mu.Unlock()
		if wake != nil {
			wake(eventID)
		}
	})
	s.timers[eventID] = timer
}

// Disarm cancels the pending wake for an event, if any.
func (s *Scheduler) Disarm(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
}

// Armed reports whether a wake is pending for the event.
func (s *Scheduler) Armed(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[eventID]
	return ok
}

// Restore re-arms timers from persisted deferrals after a restart.
func (s *Scheduler) Restore(deferrals []*models.Deferral) {
	for _, d := range deferrals {
		s.Arm(d)
	}
}

// Stop cancels every pending wake.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
