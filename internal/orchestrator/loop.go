package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

type signalKind int

const (
	sigStart signalKind = iota
	sigRestore
	sigWake
	sigReply
	sigClose
	sigAnswer
	sigDefer
	sigAck
	sigHuddleAsked
	sigFault
)

// signal is one request queued to an event loop.
type signal struct {
	kind        signalKind
	participant string
	verdict     Verdict
	text        string
	huddleID    string
	delay       time.Duration
	huddle      dispatch.Huddle
	fault       *models.Fault
	reply       chan response
}

type response struct {
	err      error
	decision authority.Decision
	deferral *models.Deferral
}

// purpose says why a dispatch was started, which decides how its
// outcome is read.
type purpose string

const (
	purposeWork      purpose = "work"
	purposeStabilize purpose = "stabilize"
	purposeProbe     purpose = "probe"
	purposeVerify    purpose = "verify"
	// purposeForced is the verification injected in place of a third deferral.
	purposeForced purpose = "forced-verify"
)

type inflight struct {
	id      string
	plan    models.DispatchPlan
	purpose purpose
	cancel  context.CancelFunc
}

type dispatchResult struct {
	id      string
	purpose purpose
	out     dispatch.Outcome
	err     error
}

// eventLoop owns one event. Only its goroutine touches event.
type eventLoop struct {
	b       *Brain
	id      string
	event   *models.Event
	signals chan signal
	results chan dispatchResult
	done    chan struct{}
	snap    atomic.Pointer[models.Event]

	inflight *inflight
	// prescribed is the known-fix plan from the latest classification.
	prescribed *models.DispatchPlan
	// guidance is carried into the next dispatch.
	guidance string
	// lastResults is handed to a follow-up dispatch as context.
	lastResults []models.TurnResult
	// dispatches counts automatic dispatches since the last human input.
	dispatches int
	halted     bool
}

func newEventLoop(b *Brain, e *models.Event) *eventLoop {
	l := &eventLoop{
		b:       b,
		id:      e.ID,
		event:   e,
		signals: make(chan signal, 16),
		results: make(chan dispatchResult, 1),
		done:    make(chan struct{}),
	}
	if e.Signature != "" {
		l.prescribed = b.signaturePlan(e.Signature)
	}
	l.snap.Store(e.Clone())
	return l
}

func (l *eventLoop) snapshot() *models.Event {
	return l.snap.Load().Clone()
}

// post queues s without waiting for a response.
func (l *eventLoop) post(s signal) {
	select {
	case l.signals <- s:
	case <-l.done:
	case <-l.b.ctx.Done():
	}
}

// run is the control loop. It exits once the event is closed and no
// dispatch is in flight, or when the Brain shuts down.
func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.b.ctx.Done():
			if l.inflight != nil {
				l.inflight.cancel()
			}
			return
		case s := <-l.signals:
			l.handleSignal(s)
		case r := <-l.results:
			// Signals queued during the dispatch, such as huddles, are
			// logged before its outcome.
			l.drainSignals()
			l.handleResult(r)
		}
		if l.event.State.Terminal() && l.inflight == nil {
			l.b.logger.Log("[brain] %s closed, loop exiting", l.id)
			return
		}
	}
}

func (l *eventLoop) drainSignals() {
	for {
		select {
		case s := <-l.signals:
			l.handleSignal(s)
		default:
			return
		}
	}
}

func (l *eventLoop) handleSignal(s signal) {
	resp := response{err: ErrEventHalted}
	defer func() {
		if s.reply != nil {
			s.reply <- resp
		}
	}()
	defer l.recoverPanic()

	if l.halted && s.kind != sigAck && s.kind != sigFault && s.kind != sigHuddleAsked {
		return
	}
	resp = l.handle(s)
	l.persist()
}

func (l *eventLoop) handleResult(r dispatchResult) {
	defer l.recoverPanic()
	l.onResult(r)
	l.persist()
}

// recoverPanic turns a panic into a core escalation on this event only
// and halts it until acknowledged.
func (l *eventLoop) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	l.b.logger.Log("[brain] panic on %s: %v\n%s", l.id, r, debug.Stack())
	l.halted = true
	if l.inflight != nil {
		l.inflight.cancel()
		l.inflight = nil
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.b.logger.Log("[brain] escalation for %s failed: %v", l.id, r)
			}
		}()
		l.escalate(models.EscalationCore, fmt.Sprintf("internal error: %v", r))
	}()
	l.persist()
}

func (l *eventLoop) handle(s signal) response {
	e := l.event
	switch s.kind {
	case sigStart:
		if e.State == models.StateNew {
			l.classifyAndStart()
		}
		return response{}

	case sigRestore:
		l.restore()
		return response{}

	case sigWake:
		if e.State != models.StateDeferred {
			l.b.logger.Log("[brain] wake for %s ignored in state %s", l.id, e.State)
			return response{}
		}
		l.b.scheduler.Disarm(l.id)
		reason := ""
		if e.Deferral != nil {
			reason = e.Deferral.Reason
		}
		l.turn(models.TurnWake, "scheduler", fmt.Sprintf("woke after deferral for %q", reason))
		l.transition(models.StateActive, "wake")
		l.dispatch(l.b.selector.VerificationPlan(e), purposeVerify, nil)
		return response{}

	case sigReply:
		return l.onReply(s)

	case sigClose:
		return l.onClose(s.participant)

	case sigAnswer:
		if err := l.requirePrimary(s.participant); err != nil {
			return response{err: err}
		}
		if err := l.b.coord.Answer(s.huddleID, s.text); err != nil {
			return response{err: err}
		}
		l.turn(models.TurnReply, s.participant, fmt.Sprintf("huddle %s: %s", s.huddleID, s.text))
		return response{}

	case sigDefer:
		return l.onDefer(s.text, s.delay)

	case sigAck:
		return l.onAcknowledge(s.participant)

	case sigHuddleAsked:
		h := s.huddle
		l.turn(models.TurnDispatch, string(h.From), fmt.Sprintf("huddle %s: %s", h.ID, h.Question))
		l.b.emit(Notice{Type: NoticeHuddle, EventID: l.id, State: e.State, Message: h.Question})
		return response{}

	case sigFault:
		l.turn(models.TurnEscalation, "coordinator", fmt.Sprintf("%s (huddle %s)", s.fault.Error(), s.text))
		l.b.emit(Notice{Type: NoticeFault, EventID: l.id, State: e.State, Message: s.text, Err: s.fault})
		return response{}
	}
	return response{err: fmt.Errorf("unknown signal %d", s.kind)}
}

// restore re-enters the lifecycle after a process restart.
func (l *eventLoop) restore() {
	e := l.event
	switch e.State {
	case models.StateNew:
		l.classifyAndStart()
	case models.StateActive:
		if e.ActiveDispatch != "" {
			l.turn(models.TurnDispatch, "brain", fmt.Sprintf("dispatch %s interrupted by restart", e.ActiveDispatch))
			e.ActiveDispatch = ""
		}
		if e.Escalation == nil {
			if e.Domain == models.DomainUndetermined {
				l.classifyAndStart()
				return
			}
			l.dispatch(l.b.selector.VerificationPlan(e), purposeVerify, nil)
		}
	}
}

func (l *eventLoop) onReply(s signal) response {
	e := l.event
	p := l.participant(s.participant)

	if s.verdict == VerdictGuidance {
		l.guidance = s.text
		l.turn(models.TurnReply, p.ID, "guidance: "+s.text)
		return response{decision: authority.Allowed}
	}
	if s.verdict == VerdictConfirm {
		return l.onClose(p.ID)
	}

	decision, err := l.b.resolver.Authorize(e, p.ID, authority.ActionApprove)
	if err != nil {
		return response{err: err}
	}
	if decision == authority.NeedsConfirmation {
		l.forwardToPrimary(p.ID, fmt.Sprintf("%s would %s event %s: %s", p.ID, s.verdict, e.ID, s.text))
		return response{decision: decision}
	}

	l.turn(models.TurnReply, p.ID, fmt.Sprintf("%s: %s", s.verdict, s.text))
	l.dispatches = 0
	switch {
	case s.verdict == VerdictApprove && e.State == models.StateWaitingApproval:
		e.PendingQuestion = ""
		l.settleEscalation(p.ID)
		l.transition(models.StateActive, "approved by "+p.ID)
		l.continueWork(joinGuidance("Approved by the primary.", s.text))
	case s.verdict == VerdictReject && e.State == models.StateWaitingApproval:
		e.PendingQuestion = ""
		l.settleEscalation(p.ID)
		l.transition(models.StateActive, "rejected by "+p.ID)
		l.selectAndDispatch(joinGuidance("The primary rejected the proposal; find another way.", s.text), l.lastResults)
	case s.verdict == VerdictReject && e.State == models.StateResolved:
		e.PendingConfirmation = ""
		e.Verified = false
		l.settleEscalation(p.ID)
		l.transition(models.StateActive, "resolution rejected by "+p.ID)
		l.selectAndDispatch(joinGuidance("The primary says the problem is not fixed.", s.text), nil)
	default:
		return response{err: fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, s.verdict, e.State)}
	}
	return response{decision: authority.Allowed}
}

func (l *eventLoop) onClose(participant string) response {
	e := l.event
	p := l.participant(participant)
	decision, err := l.b.resolver.Authorize(e, p.ID, authority.ActionClose)
	if err != nil {
		return response{err: err}
	}
	if e.State != models.StateResolved {
		return response{err: fmt.Errorf("%w: close requested in state %s", ErrInvalidTransition, e.State)}
	}
	if decision == authority.NeedsConfirmation {
		l.turn(models.TurnReply, p.ID, "requested close")
		l.forwardToPrimary(p.ID, fmt.Sprintf("%s asked to close event %s. Reply confirm to close it.", p.ID, e.ID))
		if primary := e.Primary(); primary != nil {
			e.PendingConfirmation = primary.ID
		}
		return response{decision: decision}
	}
	l.turn(models.TurnReply, p.ID, "confirmed close")
	l.close("confirmed by " + p.ID)
	return response{decision: authority.Allowed}
}

func (l *eventLoop) onDefer(reason string, delay time.Duration) response {
	e := l.event
	if e.State != models.StateActive {
		return response{err: fmt.Errorf("%w: defer in state %s", ErrInvalidTransition, e.State)}
	}
	if l.inflight != nil {
		if len(e.Resume) == 0 && l.inflight.purpose == purposeWork {
			e.Resume = append([]models.AgentStep(nil), l.inflight.plan.Steps...)
		}
		l.turn(models.TurnDispatch, "brain", fmt.Sprintf("dispatch %s cancelled by deferral, in-flight work discarded", l.inflight.id))
		l.inflight.cancel()
		l.inflight = nil
		e.ActiveDispatch = ""
	}

	d, err := l.b.scheduler.Plan(e.Deferral, e.ID, reason, delay)
	if err != nil {
		if errors.Is(err, deferral.ErrDeferralLimit) {
			l.turn(models.TurnDefer, "operator", err.Error()+"; verifying instead")
			l.dispatch(l.b.selector.VerificationPlan(e), purposeForced, nil)
		}
		return response{err: err}
	}
	l.enterDeferred(d, "operator")
	return response{deferral: d}
}

func (l *eventLoop) onAcknowledge(participant string) response {
	e := l.event
	if e.Escalation == nil {
		return response{err: fmt.Errorf("%w: %s", ErrNoEscalation, e.ID)}
	}
	if participant != l.b.resolver.Maintainer() {
		if err := l.requirePrimary(participant); err != nil {
			return response{err: err}
		}
	}

	if l.halted {
		fresh, err := l.b.store.GetEvent(e.ID)
		if err != nil || fresh == nil {
			return response{err: fmt.Errorf("reload %s after internal error: %v", e.ID, err)}
		}
		l.event, e = fresh, fresh
		l.halted = false
		// A wake that fired while halted was dropped.
		if e.State == models.StateDeferred && e.Deferral != nil {
			l.b.scheduler.Arm(e.Deferral)
		}
	}

	l.turn(models.TurnReply, participant, fmt.Sprintf("acknowledged %s escalation: %s", e.Escalation.Kind, e.Escalation.Reason))
	e.Escalation = nil
	l.dispatches = 0

	if e.State != models.StateActive || l.inflight != nil {
		return response{}
	}
	switch {
	case e.Domain == models.DomainUndetermined:
		l.classify(nil)
		l.selectAndDispatch("", nil)
	default:
		l.continueWork("")
	}
	return response{}
}

// participant returns the named participant, joining unknown ids as
// collaborators on the event's source channel.
func (l *eventLoop) participant(id string) *models.Participant {
	if p, ok := l.event.Participants[id]; ok {
		return p
	}
	p := l.b.resolver.Join(l.event, id, string(l.event.Source))
	l.turn(models.TurnReply, id, "joined as collaborator")
	return p
}

func (l *eventLoop) requirePrimary(participant string) error {
	primary := l.event.Primary()
	if primary == nil || primary.ID != participant {
		return fmt.Errorf("%w: %s", ErrNotPrimary, participant)
	}
	return nil
}

func (l *eventLoop) forwardToPrimary(from, message string) {
	primary := l.event.Primary()
	if primary == nil || primary.ID == from {
		return
	}
	l.notify(primary.ID, message)
}

func joinGuidance(prefix, text string) string {
	if text == "" {
		return prefix
	}
	return prefix + " " + text
}
