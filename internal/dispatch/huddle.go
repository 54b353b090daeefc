package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// ErrReplyPending tells the coordinator a responder has handed the huddle
// to someone who will answer later through Coordinator.Answer.
var ErrReplyPending = errors.New("huddle reply pending")

type openHuddle struct {
	Huddle
	deadline time.Time
	reply    chan string
	expired  chan struct{}
	answered bool
	done     bool
	onExpire func(*models.Fault)
}

// huddleBoard tracks outstanding huddles. Every huddle ends in exactly
// one of: one reply delivered, or expiry.
type huddleBoard struct {
	mu      sync.Mutex
	open    map[string]*openHuddle
	timeout time.Duration
	now     func() time.Time
	faults  chan FaultReport
	logger  Logger
}

func newHuddleBoard(timeout time.Duration, now func() time.Time, faults chan FaultReport, logger Logger) *huddleBoard {
	return &huddleBoard{
		open:    make(map[string]*openHuddle),
		timeout: timeout,
		now:     now,
		faults:  faults,
		logger:  logger,
	}
}

func (b *huddleBoard) add(h Huddle, onExpire func(*models.Fault)) *openHuddle {
	oh := &openHuddle{
		Huddle:   h,
		deadline: h.AskedAt.Add(b.timeout),
		reply:    make(chan string, 1),
		expired:  make(chan struct{}),
		onExpire: onExpire,
	}
	b.mu.Lock()
	b.open[h.ID] = oh
	b.mu.Unlock()
	return oh
}

// answer delivers the one reply to a huddle.
func (b *huddleBoard) answer(id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	oh, ok := b.open[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHuddle, id)
	}
	if oh.answered {
		return fmt.Errorf("%w: %s", ErrHuddleAnswered, id)
	}
	if oh.done {
		return fmt.Errorf("%w: %s expired", ErrHuddleUnanswered, id)
	}
	oh.answered = true
	oh.done = true
	oh.reply <- text
	return nil
}

// expire ends an unanswered huddle and surfaces a liveness fault.
func (b *huddleBoard) expire(id string, cause error) {
	b.mu.Lock()
	oh, ok := b.open[id]
	if !ok || oh.done {
		b.mu.Unlock()
		return
	}
	oh.done = true
	close(oh.expired)
	b.mu.Unlock()

	fault := models.NewFault(models.FaultLiveness, "huddle "+id, fmt.Errorf("%w: %v", ErrHuddleUnanswered, cause))
	b.logger.Log("[dispatch] huddle %s from %s on %s expired: %v", id, oh.From, oh.EventID, cause)
	if oh.onExpire != nil {
		oh.onExpire(fault)
	}
	select {
	case b.faults <- FaultReport{EventID: oh.EventID, DispatchID: oh.DispatchID, HuddleID: id, Fault: fault}:
	default:
		b.logger.Log("[dispatch] fault channel full, dropped report for huddle %s", id)
	}
}

// remove forgets a huddle once its waiter has returned.
func (b *huddleBoard) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, id)
}

// sweep expires every huddle past its deadline. Called once per tick.
func (b *huddleBoard) sweep() {
	now := b.now()
	b.mu.Lock()
	var late []string
	for id, oh := range b.open {
		if !oh.done && now.After(oh.deadline) {
			late = append(late, id)
		}
	}
	b.mu.Unlock()

	for _, id := range late {
		b.expire(id, errors.New("no reply before deadline"))
	}
}

// pending returns the open huddles for an event.
func (b *huddleBoard) pending(eventID string) []Huddle {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Huddle
	for _, oh := range b.open {
		if oh.EventID == eventID && !oh.done {
			out = append(out, oh.Huddle)
		}
	}
	return out
}
