package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/internal/classify"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/internal/registry"
	"github.com/ShayCichocki/opsbrain/internal/state"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

var (
	// ErrUnknownEvent is returned for an id the Brain has never seen.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrEventClosed is returned for operations on a closed event.
	ErrEventClosed = errors.New("event closed")
	// ErrDuplicateEvent is returned when ingesting an id that already exists.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrInvalidTransition is returned for an operation the current state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidInbound is returned for an inbound event that fails validation.
	ErrInvalidInbound = errors.New("invalid inbound event")
	// ErrNoEscalation is returned when acknowledging an event with nothing open.
	ErrNoEscalation = errors.New("no open escalation")
	// ErrNotPrimary is returned when only the primary authority may act.
	ErrNotPrimary = errors.New("participant is not the primary authority")
	// ErrEventHalted is returned after an internal error until the escalation is acknowledged.
	ErrEventHalted = errors.New("event halted after internal error")
	// ErrDispatchBudget is wrapped when an event used up its automatic dispatches.
	ErrDispatchBudget = errors.New("dispatch budget exhausted")
	// ErrBrainClosed is returned after Close.
	ErrBrainClosed = errors.New("brain closed")
)

// DefaultMaxDispatches bounds automatic dispatches between human inputs.
const DefaultMaxDispatches = 8

// Notifier is the fire-and-forget notification channel.
type Notifier interface {
	Notify(ctx context.Context, participant, message string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) error { return nil }

// InboundParticipant is a participant as named by the ingesting source.
type InboundParticipant struct {
	ID string `json:"id"`
	// Channel defaults to the event source.
	Channel string `json:"channel,omitempty"`
	// Primary claims primary authority. Conflicting claims are settled by
	// the Authority Resolver.
	Primary bool `json:"primary,omitempty"`
}

// Inbound is an event as received from a source.
type Inbound struct {
	// ID is optional; one is generated when empty.
	ID           string               `json:"id,omitempty"`
	Source       string               `json:"source"`
	Content      string               `json:"content"`
	Participants []InboundParticipant `json:"participants,omitempty"`
}

// Brain drives events through their lifecycle. It is safe for concurrent use.
type Brain struct {
	store      state.Store
	coord      *dispatch.Coordinator
	classifier *classify.Classifier
	registry   *registry.Registry
	selector   *registry.Selector
	resolver   *authority.Resolver
	scheduler  *deferral.Scheduler
	oracle     oracle.Oracle
	notifier   Notifier
	logger     *DebugLogger
	emitter    *Emitter
	now        func() time.Time

	maxDispatches int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loops  map[string]*eventLoop
	closed bool
	wg     sync.WaitGroup
}

// New creates a Brain and starts its background goroutines: the huddle
// watchdog and the fault pump. Call Restore to resume persisted events.
func New(req RequiredConfig, opts ...Option) (*Brain, error) {
	if req.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if req.Coordinator == nil {
		return nil, errors.New("orchestrator: coordinator is required")
	}

	o := brainOptions{
		maxDispatches: DefaultMaxDispatches,
		noticeBuffer:  256,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.classifier == nil {
		o.classifier = classify.New()
	}
	if o.registry == nil {
		o.registry = registry.Default()
	}
	if o.scheduler == nil {
		o.scheduler = deferral.New(deferral.DefaultConfig())
	}
	if o.oracle == nil {
		o.oracle = oracle.NewPolicy(o.classifier)
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.maxDispatches <= 0 {
		o.maxDispatches = DefaultMaxDispatches
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Brain{
		store:         req.Store,
		coord:         req.Coordinator,
		classifier:    o.classifier,
		registry:      o.registry,
		selector:      registry.NewSelector(o.registry),
		resolver:      authority.NewResolver(o.maintainer),
		scheduler:     o.scheduler,
		oracle:        oracle.NewGuard(o.oracle, o.registry),
		notifier:      o.notifier,
		logger:        o.logger,
		emitter:       NewEmitter(o.noticeBuffer),
		now:           o.now,
		maxDispatches: o.maxDispatches,
		ctx:           ctx,
		cancel:        cancel,
		loops:         make(map[string]*eventLoop),
	}

	b.scheduler.OnWake(func(eventID string) {
		if err := b.Wake(eventID); err != nil && !errors.Is(err, ErrBrainClosed) {
			b.logger.Log("[brain] wake %s: %v", eventID, err)
		}
	})

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.coord.Run(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.pumpFaults()
	}()
	return b, nil
}

// pumpFaults routes liveness faults raised outside agent turns, such as
// an expired huddle, to the owning event's loop.
func (b *Brain) pumpFaults() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case rep := <-b.coord.Faults():
			b.mu.Lock()
			l := b.loops[rep.EventID]
			b.mu.Unlock()
			if l != nil {
				l.post(signal{kind: sigFault, fault: rep.Fault, text: rep.HuddleID})
			}
		}
	}
}

// Notices returns the progress notice stream. It is closed by Close.
func (b *Brain) Notices() <-chan Notice {
	return b.emitter.Notices()
}

// Ingest validates and records a new event, then hands it to its control
// loop for classification and the first dispatch. It returns the event id
// once the event is durable.
func (b *Brain) Ingest(ctx context.Context, in Inbound) (string, error) {
	source, err := models.ParseSource(strings.TrimSpace(in.Source))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInbound, err)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidInbound)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = fmt.Sprintf("evt-%s", uuid.New().String()[:8])
	}

	now := b.now()
	e := &models.Event{
		ID:           id,
		Source:       source,
		Content:      content,
		Domain:       models.DomainUndetermined,
		State:        models.StateNew,
		Participants: make(map[string]*models.Participant),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, p := range in.Participants {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			return "", fmt.Errorf("%w: participant without id", ErrInvalidInbound)
		}
		if _, dup := e.Participants[pid]; dup {
			continue
		}
		channel := p.Channel
		if channel == "" {
			channel = string(source)
		}
		role := models.ParticipantCollaborator
		if p.Primary {
			role = models.ParticipantPrimary
		}
		e.Participants[pid] = &models.Participant{
			ID:       pid,
			Channel:  channel,
			Role:     role,
			JoinedAt: now.Add(time.Duration(i)),
		}
	}
	e.AppendTurn(now, models.TurnIngest, string(source), content)

	res, err := b.resolver.Resolve(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInbound, err)
	}
	if len(res.Contested) > 0 {
		e.AppendTurn(now, models.TurnReply, "brain",
			fmt.Sprintf("primary claims by %s overruled; %s holds authority", strings.Join(res.Contested, ", "), res.Primary.ID))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBrainClosed
	}
	if _, running := b.loops[id]; running {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	existing, err := b.store.GetEvent(id)
	if err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("check event %s: %w", id, err)
	}
	if existing != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	if err := b.store.SaveEvent(e); err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("save event %s: %w", id, err)
	}
	l := b.startLoopLocked(e)
	b.mu.Unlock()

	b.logger.Log("[brain] ingested %s from %s, primary %s", id, source, res.Primary.ID)
	b.emit(Notice{Type: NoticeIngested, EventID: id, State: e.State, Message: content})
	l.post(signal{kind: sigStart})
	return id, nil
}

// Get returns a snapshot of the event.
func (b *Brain) Get(id string) (*models.Event, error) {
	b.mu.Lock()
	l := b.loops[id]
	b.mu.Unlock()
	if l != nil {
		return l.snapshot(), nil
	}
	e, err := b.store.GetEvent(id)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return e, nil
}

// List returns persisted events matching filter. Loops persist after
// every change, so the store is current.
func (b *Brain) List(filter state.EventFilter) ([]*models.Event, error) {
	return b.store.ListEvents(filter)
}

// PendingHuddles lists open huddles for an event.
func (b *Brain) PendingHuddles(id string) []dispatch.Huddle {
	return b.coord.PendingHuddles(id)
}

// Restore resumes every open event after a restart. Deferred events get
// their wake timers back, past-due ones fire at once. Active events whose
// dispatch was interrupted are verified before anything else happens.
func (b *Brain) Restore(ctx context.Context) error {
	events, err := b.store.OpenEvents()
	if err != nil {
		return fmt.Errorf("load open events: %w", err)
	}

	var started []*eventLoop
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrainClosed
	}
	for _, e := range events {
		if _, running := b.loops[e.ID]; running {
			continue
		}
		started = append(started, b.startLoopLocked(e))
	}
	b.mu.Unlock()

	for _, l := range started {
		l.post(signal{kind: sigRestore})
	}

	deferrals, err := b.store.PendingDeferrals()
	if err != nil {
		return fmt.Errorf("load deferrals: %w", err)
	}
	b.scheduler.Restore(deferrals)
	b.logger.Log("[brain] restored %d open events, %d deferrals", len(started), len(deferrals))
	return ctx.Err()
}

// Close stops every loop, cancelling in-flight dispatches, and waits for
// them to exit. Event state is already durable.
func (b *Brain) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.scheduler.Stop()
	b.cancel()
	b.wg.Wait()
	b.emitter.Close()
	return nil
}

func (b *Brain) startLoopLocked(e *models.Event) *eventLoop {
	l := newEventLoop(b, e)
	b.loops[e.ID] = l
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		l.run()
		b.mu.Lock()
		if b.loops[e.ID] == l {
			delete(b.loops, e.ID)
		}
		b.mu.Unlock()
	}()
	return l
}

// loopFor returns the running loop for id, adopting a persisted open
// event that has no loop yet.
func (b *Brain) loopFor(id string) (*eventLoop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrainClosed
	}
	if l, ok := b.loops[id]; ok {
		return l, nil
	}
	e, err := b.store.GetEvent(id)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	if e.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrEventClosed, id)
	}
	return b.startLoopLocked(e), nil
}

// send queues s on the event's loop and waits for its response.
func (b *Brain) send(ctx context.Context, id string, s signal) response {
	l, err := b.loopFor(id)
	if err != nil {
		return response{err: err}
	}
	s.reply = make(chan response, 1)
	select {
	case l.signals <- s:
	case <-l.done:
		return response{err: fmt.Errorf("%w: %s", ErrEventClosed, id)}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case resp := <-s.reply:
		return resp
	case <-l.done:
		select {
		case resp := <-s.reply:
			return resp
		default:
			return response{err: ErrBrainClosed}
		}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

func (b *Brain) emit(n Notice) {
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}
	b.emitter.Emit(n)
}
