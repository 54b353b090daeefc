// Package dispatch runs dispatch plans against the agent execution backend.
//
// A dispatch is one plan for one event. Agents of a paired plan share a
// branch handle and coordinate through async notes and blocking huddles.
// Sequential plans hand each step's result to the next step.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

var (
	// ErrBranchBusy is returned when another mutating dispatch holds the branch.
	ErrBranchBusy = errors.New("branch handle busy")
	// ErrNoPartner is returned when a single-agent turn sends a note.
	ErrNoPartner = errors.New("no partner in this dispatch")
	// ErrHuddleUnanswered unblocks an agent whose huddle expired.
	ErrHuddleUnanswered = errors.New("huddle unanswered")
	// ErrHuddleAnswered is returned for a second reply to the same huddle.
	ErrHuddleAnswered = errors.New("huddle already answered")
	// ErrUnknownHuddle is returned for a reply to a huddle that does not exist.
	ErrUnknownHuddle = errors.New("unknown huddle")
	// ErrRebaseConflict is returned by Git when a rebase cannot apply cleanly.
	ErrRebaseConflict = errors.New("rebase conflict")
	// ErrPushRejected is returned by Git when the remote moved underneath a push.
	ErrPushRejected = errors.New("push rejected")
)

// BranchPrefix namespaces branch handles.
const BranchPrefix = "brain/"

// BranchFor returns the branch handle for an event.
func BranchFor(eventID string) string {
	return BranchPrefix + eventID
}

// Dispatch is one plan to run for one event.
type Dispatch struct {
	ID      string
	EventID string
	// Content is the event text handed to every agent.
	Content string
	Plan    models.DispatchPlan
	// Guidance is human or oracle direction carried into the first turn.
	Guidance string
	// Context holds results from earlier dispatches, e.g. a probe.
	Context []models.TurnResult
}

// Message is an async note between the agents of a dispatch.
type Message struct {
	From models.Role `json:"from"`
	To   models.Role `json:"to"`
	Text string      `json:"text"`
	At   time.Time   `json:"at"`
}

// TurnRequest is everything the backend needs to run one agent turn.
type TurnRequest struct {
	EventID    string
	DispatchID string
	Content    string
	Branch     string
	Step       models.AgentStep
	// Context is a snapshot of finished results this turn builds on.
	Context []models.TurnResult
	// Inbox holds notes queued for this agent since its last turn.
	Inbox []Message
	// Guidance is the single reply to the huddle this turn resumes from.
	Guidance string
	// Resume counts how many times this step has been resumed.
	Resume int
}

// Backend runs agent turns. Implementations must honor ctx cancellation.
type Backend interface {
	RunTurn(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error)
}

// Session is the handle an agent uses to reach the coordinator mid-turn.
type Session interface {
	Role() models.Role
	Partner() (models.Role, bool)
	Branch() string
	// Note queues a message for the partner's next turn.
	Note(text string) error
	// Huddle blocks until exactly one reply arrives or the huddle expires.
	Huddle(ctx context.Context, question string) (string, error)
	// Sync rebases the agent's workspace onto the remote branch.
	Sync(ctx context.Context) (string, error)
	// Publish rebases then pushes, retrying once on conflict.
	Publish(ctx context.Context) (string, error)
	// PartnerHead returns the partner's last pushed head and whether this
	// agent has rebased since, which is what makes it authoritative.
	PartnerHead() (string, bool)
	// Mutate applies a change through the GitOps backend.
	Mutate(ctx context.Context, req MutateRequest) (string, error)
}

// Workspace identifies one agent's checkout of a branch handle.
type Workspace struct {
	Branch string
	Agent  models.Role
}

// Git performs the branch operations behind Sync and Publish.
type Git interface {
	Rebase(ctx context.Context, ws Workspace) (string, error)
	Push(ctx context.Context, ws Workspace) (string, error)
}

// MutateRequest is a GitOps change.
type MutateRequest struct {
	Repo    string
	Path    string
	Diff    string
	Message string
}

// Mutator applies GitOps changes and returns the resulting commit sha.
type Mutator interface {
	Mutate(ctx context.Context, req MutateRequest) (string, error)
}

// Huddle is a blocking question from an agent.
type Huddle struct {
	ID         string
	EventID    string
	DispatchID string
	From       models.Role
	Question   string
	AskedAt    time.Time
}

// HuddleResponder produces the one reply to a huddle.
type HuddleResponder interface {
	Respond(ctx context.Context, h Huddle) (string, error)
}

// HuddleResponderFunc adapts a function to HuddleResponder.
type HuddleResponderFunc func(ctx context.Context, h Huddle) (string, error)

// Respond calls f.
func (f HuddleResponderFunc) Respond(ctx context.Context, h Huddle) (string, error) {
	return f(ctx, h)
}

// FaultReport surfaces a fault raised outside the agent's own turn.
type FaultReport struct {
	EventID    string
	DispatchID string
	HuddleID   string
	Fault      *models.Fault
}

// Logger is the coordinator's logging dependency.
type Logger interface {
	Log(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Log(string, ...interface{}) {}

// Options tune one Execute call.
type Options struct {
	// RetryAvailable is true while the event's single transient retry is unspent.
	RetryAvailable bool
	// Responder answers huddles for this dispatch.
	Responder HuddleResponder
}

// Outcome is the reduced result of a dispatch.
type Outcome struct {
	DispatchID string
	Plan       models.DispatchPlan
	Branch     string
	// Status is completed, blocked or pending-external.
	Status  models.TurnStatus
	Results []models.TurnResult
	// WaitEstimate and WaitReason are set for pending-external.
	WaitEstimate  time.Duration
	WaitReason    string
	Verified      bool
	NeedsDecision bool
	Question      string
	CommitSHAs    []string
	// Remaining lists plan steps that did not run because of a deferral.
	Remaining []models.AgentStep
	// Fault is the most severe fault raised during the dispatch.
	Fault *models.Fault
	// RetryUsed reports that the event's transient retry was consumed.
	RetryUsed bool
	// Discarded lists agents cancelled before they finished.
	Discarded   []models.Role
	Undelivered []Message
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Summary is a one-line description of the outcome.
func (o Outcome) Summary() string {
	if len(o.Results) == 0 {
		return string(o.Status)
	}
	last := o.Results[len(o.Results)-1]
	if last.Content == "" {
		return string(o.Status)
	}
	return string(o.Status) + ": " + last.Content
}
