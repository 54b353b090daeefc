package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/ingest"
	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
	"github.com/ShayCichocki/opsbrain/internal/state"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

const defaultTurns = 20

// Handlers provides the business logic for MCP tool handlers.
// Errors are reported in the tool output, never as protocol errors.
type Handlers struct {
	brain ingest.Brain
}

// NewHandlers creates Handlers over brain.
func NewHandlers(brain ingest.Brain) *Handlers {
	return &Handlers{brain: brain}
}

// IngestEvent hands a new event to the Brain.
func (h *Handlers) IngestEvent(ctx context.Context, input IngestEventInput) IngestEventOutput {
	in := orchestrator.Inbound{ID: input.ID, Source: input.Source, Content: input.Content}
	for _, p := range input.Participants {
		in.Participants = append(in.Participants, orchestrator.InboundParticipant{
			ID:      p.ID,
			Channel: p.Channel,
			Primary: p.Primary,
		})
	}
	id, err := h.brain.Ingest(ctx, in)
	if err != nil {
		return IngestEventOutput{Error: err.Error()}
	}
	return IngestEventOutput{ID: id, Success: true}
}

// ListEvents returns compact summaries of matching events.
func (h *Handlers) ListEvents(ctx context.Context, input ListEventsInput) ListEventsOutput {
	filter := state.EventFilter{Source: models.Source(input.Source), Limit: input.Limit}
	if filter.Source != "" && !filter.Source.Valid() {
		return ListEventsOutput{Error: fmt.Sprintf("unknown source %q", input.Source)}
	}
	for _, raw := range input.States {
		st := models.State(strings.TrimSpace(raw))
		if !st.Valid() {
			return ListEventsOutput{Error: fmt.Sprintf("unknown state %q", raw)}
		}
		filter.States = append(filter.States, st)
	}
	events, err := h.brain.List(filter)
	if err != nil {
		return ListEventsOutput{Error: err.Error()}
	}
	out := ListEventsOutput{Events: make([]EventSummary, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, summarize(e))
	}
	return out
}

// GetEvent returns one event with its latest turns and open huddles.
func (h *Handlers) GetEvent(ctx context.Context, input GetEventInput) GetEventOutput {
	e, err := h.brain.Get(input.ID)
	if err != nil {
		return GetEventOutput{Error: err.Error()}
	}
	s := summarize(e)
	out := GetEventOutput{Event: &s}

	n := input.Turns
	if n <= 0 {
		n = defaultTurns
	}
	turns := e.Turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	for _, t := range turns {
		out.Turns = append(out.Turns, TurnView{
			Seq:   t.Seq,
			At:    t.At.Format(time.RFC3339),
			Kind:  string(t.Kind),
			Actor: t.Actor,
			Text:  t.Text,
		})
	}
	for _, hd := range h.brain.PendingHuddles(e.ID) {
		out.Huddles = append(out.Huddles, HuddleView{ID: hd.ID, From: string(hd.From), Question: hd.Question})
	}
	return out
}

// Reply delivers a participant's verdict.
func (h *Handlers) Reply(ctx context.Context, input ReplyInput) DecisionOutput {
	d, err := h.brain.Reply(ctx, input.ID, input.Participant, orchestrator.Reply{
		Verdict: orchestrator.Verdict(input.Verdict),
		Text:    input.Text,
	})
	if err != nil {
		return DecisionOutput{Error: err.Error()}
	}
	return DecisionOutput{Decision: string(d), Success: true}
}

// RequestClose asks to close a resolved event.
func (h *Handlers) RequestClose(ctx context.Context, input RequestCloseInput) DecisionOutput {
	d, err := h.brain.RequestClose(ctx, input.ID, input.Participant)
	if err != nil {
		return DecisionOutput{Error: err.Error()}
	}
	return DecisionOutput{Decision: string(d), Success: true}
}

// AnswerHuddle answers an agent's open question.
func (h *Handlers) AnswerHuddle(ctx context.Context, input AnswerHuddleInput) ResultOutput {
	return result(h.brain.AnswerHuddle(ctx, input.ID, input.HuddleID, input.Participant, input.Text))
}

// DeferEvent suspends an active event.
func (h *Handlers) DeferEvent(ctx context.Context, input DeferEventInput) DeferEventOutput {
	var delay time.Duration
	if input.Delay != "" {
		d, err := time.ParseDuration(input.Delay)
		if err != nil {
			return DeferEventOutput{Error: fmt.Sprintf("invalid delay %q: %v", input.Delay, err)}
		}
		delay = d
	}
	d, err := h.brain.Defer(ctx, input.ID, input.Reason, delay)
	if err != nil {
		return DeferEventOutput{Error: err.Error()}
	}
	return DeferEventOutput{WakeAt: d.WakeAt.Format(time.RFC3339), Count: d.Count, Success: true}
}

// Acknowledge clears an open escalation.
func (h *Handlers) Acknowledge(ctx context.Context, input AcknowledgeInput) ResultOutput {
	return result(h.brain.Acknowledge(ctx, input.ID, input.Participant))
}

// WakeEvent wakes a deferred event early.
func (h *Handlers) WakeEvent(ctx context.Context, input WakeEventInput) ResultOutput {
	return result(h.brain.Wake(input.ID))
}

func result(err error) ResultOutput {
	if err != nil {
		return ResultOutput{Error: err.Error()}
	}
	return ResultOutput{Success: true}
}

func summarize(e *models.Event) EventSummary {
	s := EventSummary{
		ID:                  e.ID,
		Source:              string(e.Source),
		State:               string(e.State),
		Domain:              string(e.Domain),
		Signature:           e.Signature,
		Content:             e.Content,
		PendingConfirmation: e.PendingConfirmation,
		PendingQuestion:     e.PendingQuestion,
		Dispatches:          len(e.History),
		UpdatedAt:           e.UpdatedAt.Format(time.RFC3339),
	}
	if p := e.Primary(); p != nil {
		s.Primary = p.ID
	}
	if e.Escalation != nil {
		s.Escalation = fmt.Sprintf("%s: %s", e.Escalation.Kind, e.Escalation.Reason)
	}
	if e.State == models.StateDeferred && e.Deferral != nil {
		s.WakeAt = e.Deferral.WakeAt.Format(time.RFC3339)
	}
	return s
}
