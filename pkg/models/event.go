package models

import (
	"fmt"
	"time"
)

// Source identifies where an event came from.
type Source string

const (
	// SourceChat is a request typed into the chat front end.
	SourceChat Source = "chat"
	// SourceSlack is a Slack message or thread.
	SourceSlack Source = "slack"
	// SourceAligner is the anomaly detector.
	SourceAligner Source = "aligner"
	// SourceHeadhunter is the repository-event feed.
	SourceHeadhunter Source = "headhunter"
)

// Valid returns true if the source is a known value.
func (s Source) Valid() bool {
	switch s {
	case SourceChat, SourceSlack, SourceAligner, SourceHeadhunter:
		return true
	default:
		return false
	}
}

// Autonomous reports whether the source has no human requester attached.
// Autonomous events may close themselves on verified evidence.
func (s Source) Autonomous() bool {
	return s == SourceAligner || s == SourceHeadhunter
}

// ParseSource converts a raw string to a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", NewFault(FaultConfiguration, "parse source", fmt.Errorf("unknown source %q", raw))
	}
	return s, nil
}

// Domain is the complexity class assigned to an event.
type Domain string

const (
	DomainUndetermined Domain = "undetermined"
	DomainClear        Domain = "clear"
	DomainComplicated  Domain = "complicated"
	DomainComplex      Domain = "complex"
	DomainChaotic      Domain = "chaotic"
	DomainDisorder     Domain = "disorder"
)

// Valid returns true if the domain is a known value.
func (d Domain) Valid() bool {
	switch d {
	case DomainUndetermined, DomainClear, DomainComplicated, DomainComplex, DomainChaotic, DomainDisorder:
		return true
	default:
		return false
	}
}

// ParseDomain converts a raw string to a Domain.
func ParseDomain(raw string) (Domain, error) {
	d := Domain(raw)
	if !d.Valid() {
		return "", NewFault(FaultConfiguration, "parse domain", fmt.Errorf("unknown domain %q", raw))
	}
	return d, nil
}

// State is a lifecycle position of an event.
type State string

const (
	StateNew             State = "new"
	StateActive          State = "active"
	StateWaitingApproval State = "waiting_approval"
	StateDeferred        State = "deferred"
	StateResolved        State = "resolved"
	StateClosed          State = "closed"
)

// Valid returns true if the state is a known value.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves this state.
func (s State) Terminal() bool {
	return s == StateClosed
}

// transitions lists every legal edge. closed has no outgoing edges and
// nothing reaches closed except resolved.
var transitions = map[State][]State{
	StateNew:             {StateActive},
	StateActive:          {StateWaitingApproval, StateDeferred, StateResolved},
	StateWaitingApproval: {StateActive},
	StateDeferred:        {StateActive},
	StateResolved:        {StateClosed, StateActive},
	StateClosed:          nil,
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParticipantRole is a participant's authority over an event.
type ParticipantRole string

const (
	// ParticipantPrimary has sole authority to approve and close.
	ParticipantPrimary ParticipantRole = "primary"
	// ParticipantCollaborator may contribute but not close.
	ParticipantCollaborator ParticipantRole = "collaborator"
)

// Valid returns true if the role is a known value.
func (r ParticipantRole) Valid() bool {
	return r == ParticipantPrimary || r == ParticipantCollaborator
}

// ChannelDashboard is the participant channel of a dashboard session.
// It is never an event source.
const ChannelDashboard = "dashboard"

// Participant is a human (or the maintainer) attached to an event.
type Participant struct {
	// ID identifies the person, e.g. a Slack user id.
	ID string `json:"id"`
	// Channel is where the participant talks to the Brain (chat, slack, dashboard).
	Channel string `json:"channel"`
	// Role is the participant's authority.
	Role ParticipantRole `json:"role"`
	// JoinedAt orders participants; the earliest primary wins on conflict.
	JoinedAt time.Time `json:"joined_at"`
}

// TurnKind labels an entry of the event log.
type TurnKind string

const (
	TurnIngest     TurnKind = "ingest"
	TurnClassify   TurnKind = "classify"
	TurnDispatch   TurnKind = "dispatch"
	TurnOutcome    TurnKind = "result"
	TurnDefer      TurnKind = "defer"
	TurnWake       TurnKind = "wake"
	TurnEscalation TurnKind = "escalation"
	TurnReply      TurnKind = "reply"
	TurnTransition TurnKind = "transition"
	TurnNotify     TurnKind = "notify"
)

// Turn is one ordered entry in an event's log.
type Turn struct {
	Seq   int       `json:"seq"`
	At    time.Time `json:"at"`
	Kind  TurnKind  `json:"kind"`
	Actor string    `json:"actor,omitempty"`
	Text  string    `json:"text"`
}

// Deferral is a scheduled pause waiting on an external process.
type Deferral struct {
	EventID string    `json:"event_id"`
	Reason  string    `json:"reason"`
	WakeAt  time.Time `json:"wake_at"`
	// Count is the number of consecutive deferrals for Reason.
	Count int `json:"count"`
}

// DispatchRecord is the durable summary of one finished dispatch.
type DispatchRecord struct {
	ID         string       `json:"id"`
	Plan       DispatchPlan `json:"plan"`
	Branch     string       `json:"branch"`
	Outcome    TurnStatus   `json:"outcome"`
	Summary    string       `json:"summary,omitempty"`
	CommitSHAs []string     `json:"commit_shas,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// EscalationKind names why a human was pulled in.
type EscalationKind string

const (
	EscalationBlocked EscalationKind = "blocked"
	EscalationCore    EscalationKind = "core"
)

// Escalation records an unacknowledged handoff to the primary authority.
type Escalation struct {
	Kind     EscalationKind `json:"kind"`
	Reason   string         `json:"reason"`
	Notified string         `json:"notified"`
	At       time.Time      `json:"at"`
}

// Event is the unit of work driven through the lifecycle.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Source is where the event came from.
	Source Source `json:"source"`
	// Content is the original request or alert text.
	Content string `json:"content"`
	// Domain is the current classification.
	Domain Domain `json:"domain"`
	// Signature is the known-fix template that matched, if any.
	Signature string `json:"signature,omitempty"`
	// State is the lifecycle position.
	State State `json:"state"`
	// Turns is the ordered event log.
	Turns []Turn `json:"turns,omitempty"`
	// Participants maps participant id to participant.
	Participants map[string]*Participant `json:"participants,omitempty"`
	// ActiveDispatch is the id of the in-flight dispatch, if any.
	ActiveDispatch string `json:"active_dispatch,omitempty"`
	// Deferral is set while the event is deferred and kept afterwards
	// so repeated deferrals for the same reason can be counted.
	Deferral *Deferral `json:"deferral,omitempty"`
	// History lists finished dispatches in order.
	History []DispatchRecord `json:"history,omitempty"`
	// PendingConfirmation is the participant whose close confirmation is awaited.
	PendingConfirmation string `json:"pending_confirmation,omitempty"`
	// PendingQuestion is the decision put to the primary in waiting_approval.
	PendingQuestion string `json:"pending_question,omitempty"`
	// Resume holds plan steps interrupted by a deferral.
	Resume []AgentStep `json:"resume,omitempty"`
	// RetryUsed is set once the event's single transient retry is spent.
	RetryUsed bool `json:"retry_used,omitempty"`
	// Verified is set when the latest dispatch produced verified evidence.
	Verified bool `json:"verified,omitempty"`
	// Escalation is the open escalation, if any.
	Escalation *Escalation `json:"escalation,omitempty"`
	// CreatedAt is when the event was ingested.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the time of the last persisted change.
	UpdatedAt time.Time `json:"updated_at"`
}

// Primary returns the participant holding primary authority, or nil.
func (e *Event) Primary() *Participant {
	var primary *Participant
	for _, p := range e.Participants {
		if p.Role != ParticipantPrimary {
			continue
		}
		if primary == nil || p.JoinedAt.Before(primary.JoinedAt) ||
			(p.JoinedAt.Equal(primary.JoinedAt) && p.ID < primary.ID) {
			primary = p
		}
	}
	return primary
}

// AppendTurn adds an entry to the event log with the next sequence number.
func (e *Event) AppendTurn(at time.Time, kind TurnKind, actor, text string) Turn {
	turn := Turn{
		Seq:   len(e.Turns) + 1,
		At:    at,
		Kind:  kind,
		Actor: actor,
		Text:  text,
	}
	e.Turns = append(e.Turns, turn)
	return turn
}

// Clone returns a deep copy safe to hand outside the owning control loop.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Turns = append([]Turn(nil), e.Turns...)
	c.History = append([]DispatchRecord(nil), e.History...)
	c.Resume = append([]AgentStep(nil), e.Resume...)
	if e.Participants != nil {
		c.Participants = make(map[string]*Participant, len(e.Participants))
		for id, p := range e.Participants {
			cp := *p
			c.Participants[id] = &cp
		}
	}
	if e.Deferral != nil {
		d := *e.Deferral
		c.Deferral = &d
	}
	if e.Escalation != nil {
		esc := *e.Escalation
		c.Escalation = &esc
	}
	return &c
}
