package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

const notifyTimeout = 30 * time.Second

// classifyAndStart runs new -> active: classify, then the first dispatch.
// A failed classification still activates the event, undetermined and
// escalated, since classification never blocks by itself.
func (l *eventLoop) classifyAndStart() {
	ok := l.classify(nil)
	if l.event.State == models.StateNew {
		l.transition(models.StateActive, "classified "+string(l.event.Domain))
	}
	if ok {
		l.selectAndDispatch("", nil)
	}
}

// classify asks the oracle for the event's domain. probe is set when
// reclassifying after a Disorder probe.
func (l *eventLoop) classify(probe *models.TurnResult) bool {
	e := l.event
	d, err := l.b.oracle.Decide(l.b.ctx, oracle.Query{Kind: oracle.KindClassify, Event: e.Clone(), Probe: probe})
	if err != nil {
		l.escalateFault(err)
		return false
	}

	local := l.b.classifier.Classify(e)
	if probe != nil {
		local = l.b.classifier.Reclassify(e, *probe)
	}
	e.Signature = ""
	if local.Domain == d.Domain {
		e.Signature = local.Signature
	}
	e.Domain = d.Domain
	l.prescribed = d.Plan

	text := string(d.Domain)
	if e.Signature != "" {
		text += " via " + e.Signature
	}
	if probe != nil {
		text = "reclassified after probe: " + text
	}
	l.turn(models.TurnClassify, "classifier", text)
	l.b.emit(Notice{Type: NoticeClassified, EventID: e.ID, State: e.State, Message: text})
	return true
}

// selectAndDispatch picks the next plan: domain gating and the selector's
// precedence rules first, then an optional oracle override.
func (l *eventLoop) selectAndDispatch(guidance string, ctxResults []models.TurnResult) {
	e := l.event
	sel, err := l.b.selector.Select(e, e.Domain, l.prescribed)
	if err != nil {
		l.escalateFault(err)
		return
	}
	plan := sel.Plan
	if sel.Rule != 0 {
		d, err := l.b.oracle.Decide(l.b.ctx, oracle.Query{Kind: oracle.KindPlan, Event: e.Clone()})
		if err != nil {
			l.escalateFault(err)
			return
		}
		if d.Plan != nil {
			plan = *d.Plan
			sel.Reason = "oracle override"
		}
	}

	p := purposeWork
	switch {
	case e.Domain == models.DomainDisorder:
		p = purposeProbe
	case plan.Kind == models.PlanSingle && plan.Steps[0].Mode == models.ModeRollback:
		p = purposeStabilize
	}
	if guidance != "" {
		l.guidance = joinGuidance(l.guidance, guidance)
	}
	l.turn(models.TurnDispatch, "selector", fmt.Sprintf("%s (rule %d: %s)", plan, sel.Rule, sel.Reason))
	l.dispatch(plan, p, ctxResults)
}

// continueWork resumes interrupted steps when there are any, otherwise
// reruns the last plan, otherwise selects afresh.
func (l *eventLoop) continueWork(guidance string) {
	e := l.event
	if guidance != "" {
		l.guidance = joinGuidance(l.guidance, guidance)
	}
	if len(e.Resume) > 0 {
		steps := e.Resume
		e.Resume = nil
		l.dispatch(planFor(steps), purposeWork, l.lastResults)
		return
	}
	if n := len(e.History); n > 0 {
		l.dispatch(e.History[n-1].Plan, purposeWork, l.lastResults)
		return
	}
	l.selectAndDispatch("", nil)
}

func planFor(steps []models.AgentStep) models.DispatchPlan {
	if len(steps) == 1 {
		return models.Single(steps[0].Role, steps[0].Mode)
	}
	return models.Sequential(steps...)
}

// dispatch starts plan in a child goroutine. Its outcome comes back on
// the loop's results channel.
func (l *eventLoop) dispatch(plan models.DispatchPlan, p purpose, ctxResults []models.TurnResult) {
	e := l.event
	if l.inflight != nil {
		l.escalate(models.EscalationCore, fmt.Sprintf("dispatch requested while %s is in flight", l.inflight.id))
		return
	}
	if !plan.ReadOnly() && e.Domain == models.DomainDisorder {
		l.escalateFault(models.NewFault(models.FaultConfiguration, "dispatch",
			fmt.Errorf("mutating plan %s before reclassification", plan)))
		return
	}
	if l.dispatches >= l.b.maxDispatches {
		l.escalateFault(models.NewFault(models.FaultLiveness, "dispatch",
			fmt.Errorf("%w: %d dispatches without a human response", ErrDispatchBudget, l.dispatches)))
		return
	}
	l.dispatches++

	id := fmt.Sprintf("dsp-%s", uuid.New().String()[:8])
	guidance := l.guidance
	l.guidance = ""
	e.ActiveDispatch = id
	l.turn(models.TurnDispatch, "brain", fmt.Sprintf("%s %s [%s]", id, plan, p))
	l.b.emit(Notice{Type: NoticeDispatchStarted, EventID: e.ID, State: e.State, Message: plan.String()})
	l.persist()

	ctx, cancel := context.WithCancel(l.b.ctx)
	l.inflight = &inflight{id: id, plan: plan, purpose: p, cancel: cancel}
	d := dispatch.Dispatch{
		ID:       id,
		EventID:  e.ID,
		Content:  e.Content,
		Plan:     plan,
		Guidance: guidance,
		Context:  ctxResults,
	}
	opts := dispatch.Options{
		RetryAvailable: !e.RetryUsed,
		Responder:      l.responder(e.Clone()),
	}

	go func() {
		r := dispatchResult{id: id, purpose: p}
		defer func() {
			if rec := recover(); rec != nil {
				r.err = models.NewFault(models.FaultConfiguration, "dispatch", fmt.Errorf("panic: %v", rec))
			}
			select {
			case l.results <- r:
			case <-l.done:
			}
		}()
		r.out, r.err = l.b.coord.Execute(ctx, d, opts)
	}()
}

// responder answers huddles for one dispatch. Chat and Slack requesters
// are asked directly and answer through AnswerHuddle; otherwise, or when
// the requester cannot be reached, the oracle replies.
func (l *eventLoop) responder(snapshot *models.Event) dispatch.HuddleResponder {
	return dispatch.HuddleResponderFunc(func(ctx context.Context, h dispatch.Huddle) (string, error) {
		l.post(signal{kind: sigHuddleAsked, huddle: h})
		if !snapshot.Source.Autonomous() {
			if p := snapshot.Primary(); p != nil {
				msg := fmt.Sprintf("%s on event %s asks (huddle %s): %s", h.From, h.EventID, h.ID, h.Question)
				if err := l.b.notifier.Notify(ctx, p.ID, msg); err == nil {
					return "", dispatch.ErrReplyPending
				}
			}
		}
		d, err := l.b.oracle.Decide(ctx, oracle.Query{
			Kind:     oracle.KindReply,
			Event:    snapshot,
			Question: h.Question,
			From:     h.From,
		})
		if err != nil {
			return "", err
		}
		return d.Reply, nil
	})
}

func (l *eventLoop) onResult(r dispatchResult) {
	e := l.event
	if l.inflight == nil || l.inflight.id != r.id {
		l.b.logger.Log("[brain] discarded result of cancelled dispatch %s on %s", r.id, l.id)
		return
	}
	plan := l.inflight.plan
	l.inflight.cancel()
	l.inflight = nil
	e.ActiveDispatch = ""

	if r.err != nil {
		if l.b.ctx.Err() != nil {
			return
		}
		if errors.Is(r.err, dispatch.ErrBranchBusy) {
			r.err = models.NewFault(models.FaultConflict, "dispatch "+r.id, r.err)
		}
		l.turn(models.TurnOutcome, "coordinator", fmt.Sprintf("%s failed to run: %v", r.id, r.err))
		l.escalateFault(r.err)
		return
	}

	out := r.out
	e.History = append(e.History, models.DispatchRecord{
		ID:         r.id,
		Plan:       plan,
		Branch:     out.Branch,
		Outcome:    out.Status,
		Summary:    out.Summary(),
		CommitSHAs: out.CommitSHAs,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	})
	if out.RetryUsed {
		e.RetryUsed = true
	}
	if out.Status != models.TurnPendingExternal {
		e.Deferral = nil
	}
	l.lastResults = out.Results
	l.turn(models.TurnOutcome, "coordinator", fmt.Sprintf("%s %s", r.id, out.Summary()))
	l.b.emit(Notice{Type: NoticeDispatchFinished, EventID: e.ID, State: e.State, Message: out.Summary()})

	switch {
	case out.Status == models.TurnBlocked:
		l.onBlocked(out, r.purpose)
	case out.Status == models.TurnPendingExternal:
		l.onPending(out, r.purpose)
	case out.NeedsDecision:
		l.awaitApproval(out.Question)
	case r.purpose == purposeProbe:
		probe := out.Results[len(out.Results)-1]
		if l.classify(&probe) {
			l.selectAndDispatch("", out.Results)
		}
	case r.purpose == purposeStabilize:
		l.selectAndDispatch("", out.Results)
	case len(e.Resume) > 0:
		steps := e.Resume
		e.Resume = nil
		l.dispatch(planFor(steps), purposeWork, out.Results)
	case out.Verified:
		l.resolve(true, "verified")
	default:
		l.verdict(plan, out)
	}
}

// onBlocked escalates. A liveness fault first gets a verification
// dispatch, unless it came from one.
func (l *eventLoop) onBlocked(out dispatch.Outcome, p purpose) {
	f := out.Fault
	if f != nil && f.Kind == models.FaultLiveness && p != purposeVerify && p != purposeForced {
		l.turn(models.TurnEscalation, "brain", f.Error()+"; verifying")
		l.dispatch(l.b.selector.VerificationPlan(l.event), purposeVerify, out.Results)
		return
	}
	if f != nil {
		l.escalate(models.EscalationKind(f.Kind), f.Error())
		return
	}
	l.escalate(models.EscalationBlocked, out.Summary())
}

// onPending defers. The third deferral for the same reason becomes a
// forced verification; a forced verification that is still pending
// escalates and the event stays active until acknowledged.
func (l *eventLoop) onPending(out dispatch.Outcome, p purpose) {
	e := l.event
	if len(out.Remaining) > 0 {
		e.Resume = append([]models.AgentStep(nil), out.Remaining...)
	}
	d, err := l.b.scheduler.Plan(e.Deferral, e.ID, out.WaitReason, out.WaitEstimate)
	if err == nil {
		l.enterDeferred(d, "coordinator")
		return
	}
	if !errors.Is(err, deferral.ErrDeferralLimit) {
		l.escalateFault(err)
		return
	}
	if p == purposeForced {
		l.turn(models.TurnDefer, "scheduler", fmt.Sprintf("still waiting on %q after forced verification", out.WaitReason))
		l.escalateFault(err)
		return
	}
	l.turn(models.TurnDefer, "scheduler", err.Error()+"; forcing verification")
	l.dispatch(l.b.selector.VerificationPlan(e), purposeForced, out.Results)
}

func (l *eventLoop) enterDeferred(d *models.Deferral, actor string) {
	e := l.event
	e.Deferral = d
	l.turn(models.TurnDefer, actor, fmt.Sprintf("%q #%d until %s", d.Reason, d.Count, d.WakeAt.Format(time.RFC3339)))
	l.transition(models.StateDeferred, d.Reason)
	l.persist()
	l.b.scheduler.Arm(d)
}

// verdict asks the oracle whether a completed, unverified dispatch
// resolved the event.
func (l *eventLoop) verdict(plan models.DispatchPlan, out dispatch.Outcome) {
	e := l.event
	d, err := l.b.oracle.Decide(l.b.ctx, oracle.Query{Kind: oracle.KindVerdict, Event: e.Clone(), Outcome: out.Summary()})
	if err != nil {
		l.escalateFault(err)
		return
	}
	if d.Verdict == oracle.VerdictResolve {
		l.resolve(false, "oracle verdict")
		return
	}
	switch {
	case d.Plan != nil:
		l.turn(models.TurnDispatch, "oracle", "continue with "+d.Plan.String())
		l.dispatch(*d.Plan, purposeWork, out.Results)
	case !plan.ReadOnly():
		l.dispatch(l.b.selector.VerificationPlan(e), purposeVerify, out.Results)
	default:
		l.selectAndDispatch("", out.Results)
	}
}

// resolve moves active -> resolved. Autonomous events with verified
// evidence close at once; everyone else waits for the primary.
func (l *eventLoop) resolve(verified bool, why string) {
	e := l.event
	e.Verified = verified
	l.transition(models.StateResolved, why)

	maintainer := l.b.resolver.Maintainer()
	if e.Source.Autonomous() && verified {
		if maintainer != "" {
			l.notify(maintainer, fmt.Sprintf("Event %s resolved with verified evidence and closed: %s", e.ID, e.Content))
		}
		l.close("verified evidence")
		return
	}

	primary := e.Primary()
	if primary == nil {
		l.escalate(models.EscalationCore, "resolved event has no primary to confirm")
		return
	}
	e.PendingConfirmation = primary.ID
	if maintainer != "" && maintainer != primary.ID {
		l.notify(maintainer, fmt.Sprintf("Event %s resolved, awaiting confirmation from %s.", e.ID, primary.ID))
	}
	l.notify(primary.ID, fmt.Sprintf("Event %s looks resolved: %s. Reply confirm to close it or reject to reopen.", e.ID, lastSummary(e)))
}

func (l *eventLoop) close(why string) {
	e := l.event
	e.PendingConfirmation = ""
	e.PendingQuestion = ""
	l.transition(models.StateClosed, why)
	l.b.scheduler.Disarm(e.ID)
}

func (l *eventLoop) awaitApproval(question string) {
	e := l.event
	e.PendingQuestion = question
	l.transition(models.StateWaitingApproval, "decision needed")
	if primary := e.Primary(); primary != nil {
		l.notify(primary.ID, fmt.Sprintf("Event %s needs your decision: %s Reply approve or reject.", e.ID, question))
	}
}

// settleEscalation clears an open escalation once the primary has taken
// a decision on the event.
func (l *eventLoop) settleEscalation(by string) {
	e := l.event
	if e.Escalation == nil {
		return
	}
	l.turn(models.TurnReply, by, fmt.Sprintf("%s escalation settled by decision: %s", e.Escalation.Kind, e.Escalation.Reason))
	e.Escalation = nil
}

func (l *eventLoop) escalateFault(err error) {
	f := models.FaultOf(err)
	if f == nil {
		f = models.NewFault(models.FaultConfiguration, "orchestrate", err)
	}
	l.escalate(models.EscalationKind(f.Kind), f.Error())
}

// escalate records an escalation and notifies the primary once. While
// one is open, further faults are only logged.
func (l *eventLoop) escalate(kind models.EscalationKind, reason string) {
	e := l.event
	if e.Escalation != nil {
		l.turn(models.TurnEscalation, "brain", fmt.Sprintf("%s (already escalated): %s", kind, reason))
		return
	}
	notified := ""
	if primary := e.Primary(); primary != nil {
		notified = primary.ID
	}
	e.Escalation = &models.Escalation{Kind: kind, Reason: reason, Notified: notified, At: l.b.now()}
	l.turn(models.TurnEscalation, "brain", fmt.Sprintf("%s: %s", kind, reason))
	l.b.emit(Notice{Type: NoticeEscalated, EventID: e.ID, State: e.State, Message: reason})
	if notified != "" {
		l.notify(notified, fmt.Sprintf("Event %s escalated (%s): %s. Acknowledge once handled.", e.ID, kind, reason))
	}
}

// transition applies one edge of the lifecycle. An illegal edge is a
// core fault: it means the loop's own bookkeeping is wrong.
func (l *eventLoop) transition(to models.State, why string) {
	e := l.event
	from := e.State
	if !models.CanTransition(from, to) {
		panic(fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, from, to))
	}
	e.State = to
	l.turn(models.TurnTransition, "brain", fmt.Sprintf("%s -> %s: %s", from, to, why))
	l.b.logger.Log("[brain] %s %s -> %s (%s)", e.ID, from, to, why)
	l.b.emit(Notice{Type: NoticeStateChanged, EventID: e.ID, State: to, Message: why})
}

func (l *eventLoop) turn(kind models.TurnKind, actor, text string) {
	l.event.AppendTurn(l.b.now(), kind, actor, text)
}

// notify is fire and forget: a failure is logged on the event and never
// stops it.
func (l *eventLoop) notify(participant, message string) {
	ctx, cancel := context.WithTimeout(l.b.ctx, notifyTimeout)
	defer cancel()
	if err := l.b.notifier.Notify(ctx, participant, message); err != nil {
		l.b.logger.Log("[brain] notify %s on %s failed: %v", participant, l.id, err)
		l.turn(models.TurnNotify, "brain", fmt.Sprintf("notify %s failed: %v", participant, err))
		return
	}
	l.turn(models.TurnNotify, "brain", fmt.Sprintf("notified %s", participant))
	l.b.emit(Notice{Type: NoticeNotified, EventID: l.id, State: l.event.State, Message: participant + ": " + message})
}

// persist saves the event and publishes a fresh snapshot. A store error
// is logged; the in-memory event stays authoritative for this process.
func (l *eventLoop) persist() {
	e := l.event
	e.UpdatedAt = l.b.now()
	if err := l.b.store.SaveEvent(e); err != nil {
		l.b.logger.Log("[brain] persist %s: %v", e.ID, err)
	}
	l.snap.Store(e.Clone())
}

func lastSummary(e *models.Event) string {
	if n := len(e.History); n > 0 {
		return e.History[n-1].Summary
	}
	return string(e.State)
}

// signaturePlan looks up the plan of a named known-fix signature.
func (b *Brain) signaturePlan(name string) *models.DispatchPlan {
	for _, sig := range b.classifier.Signatures() {
		if sig.Name != name {
			continue
		}
		plan, err := sig.DispatchPlan()
		if err != nil {
			return nil
		}
		return plan
	}
	return nil
}
