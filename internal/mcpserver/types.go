// Package mcpserver exposes the Brain's ingestion and control operations
// as MCP (Model Context Protocol) tools.
package mcpserver

// ParticipantInput names one participant of an ingested event.
type ParticipantInput struct {
	ID      string `json:"id" jsonschema:"Participant id, e.g. a Slack user id"`
	Channel string `json:"channel,omitempty" jsonschema:"Channel the participant talks on (default: the event source)"`
	Primary bool   `json:"primary,omitempty" jsonschema:"Claim primary authority over the event"`
}

// IngestEventInput defines parameters for ingesting an event.
type IngestEventInput struct {
	ID           string             `json:"id,omitempty" jsonschema:"Optional event id (generated when empty)"`
	Source       string             `json:"source" jsonschema:"Event source: chat, slack, aligner or headhunter"`
	Content      string             `json:"content" jsonschema:"The request or alert text"`
	Participants []ParticipantInput `json:"participants,omitempty" jsonschema:"Participants; chat and slack events need at least the requester"`
}

// IngestEventOutput contains the id of the new event.
type IngestEventOutput struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListEventsInput defines parameters for listing events.
type ListEventsInput struct {
	States []string `json:"states,omitempty" jsonschema:"Only events in these states (new, active, waiting_approval, deferred, resolved, closed)"`
	Source string   `json:"source,omitempty" jsonschema:"Only events from this source"`
	Limit  int      `json:"limit,omitempty" jsonschema:"Maximum number of events (default: all)"`
}

// EventSummary is the compact view of an event.
type EventSummary struct {
	ID                  string `json:"id"`
	Source              string `json:"source"`
	State               string `json:"state"`
	Domain              string `json:"domain"`
	Signature           string `json:"signature,omitempty"`
	Primary             string `json:"primary,omitempty"`
	Content             string `json:"content"`
	PendingConfirmation string `json:"pending_confirmation,omitempty"`
	PendingQuestion     string `json:"pending_question,omitempty"`
	Escalation          string `json:"escalation,omitempty"`
	WakeAt              string `json:"wake_at,omitempty"`
	Dispatches          int    `json:"dispatches"`
	UpdatedAt           string `json:"updated_at"`
}

// ListEventsOutput contains matching events.
type ListEventsOutput struct {
	Events []EventSummary `json:"events"`
	Error  string         `json:"error,omitempty"`
}

// GetEventInput defines parameters for reading one event.
type GetEventInput struct {
	ID    string `json:"id" jsonschema:"Event id"`
	Turns int    `json:"turns,omitempty" jsonschema:"How many of the latest log turns to include (default: 20)"`
}

// TurnView is one entry of the event log.
type TurnView struct {
	Seq   int    `json:"seq"`
	At    string `json:"at"`
	Kind  string `json:"kind"`
	Actor string `json:"actor,omitempty"`
	Text  string `json:"text"`
}

// HuddleView is an open question from an agent.
type HuddleView struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Question string `json:"question"`
}

// GetEventOutput contains the event, its latest turns and open huddles.
type GetEventOutput struct {
	Event   *EventSummary `json:"event,omitempty"`
	Turns   []TurnView    `json:"turns,omitempty"`
	Huddles []HuddleView  `json:"huddles,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ReplyInput defines parameters for a participant verdict.
type ReplyInput struct {
	ID          string `json:"id" jsonschema:"Event id"`
	Participant string `json:"participant" jsonschema:"Who is replying"`
	Verdict     string `json:"verdict" jsonschema:"approve, reject, confirm or guidance"`
	Text        string `json:"text,omitempty" jsonschema:"Free text carried into the next dispatch"`
}

// RequestCloseInput defines parameters for closing an event.
type RequestCloseInput struct {
	ID          string `json:"id" jsonschema:"Event id"`
	Participant string `json:"participant" jsonschema:"Who asks to close"`
}

// DecisionOutput reports whether an operation took effect or was
// forwarded to the primary authority for confirmation.
type DecisionOutput struct {
	Decision string `json:"decision,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// AnswerHuddleInput defines parameters for a human huddle reply.
type AnswerHuddleInput struct {
	ID          string `json:"id" jsonschema:"Event id"`
	HuddleID    string `json:"huddle_id" jsonschema:"Huddle id from get_event"`
	Participant string `json:"participant" jsonschema:"Must be the primary authority"`
	Text        string `json:"text" jsonschema:"The answer handed to the asking agent"`
}

// DeferEventInput defines parameters for an operator deferral.
type DeferEventInput struct {
	ID     string `json:"id" jsonschema:"Event id"`
	Reason string `json:"reason" jsonschema:"What the event waits on, e.g. 'ci pipeline' or 'argo sync'"`
	Delay  string `json:"delay,omitempty" jsonschema:"Go duration such as 3m (default: by reason category)"`
}

// DeferEventOutput describes the scheduled wake.
type DeferEventOutput struct {
	WakeAt  string `json:"wake_at,omitempty"`
	Count   int    `json:"count,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AcknowledgeInput defines parameters for acknowledging an escalation.
type AcknowledgeInput struct {
	ID          string `json:"id" jsonschema:"Event id"`
	Participant string `json:"participant" jsonschema:"Primary authority or the maintainer"`
}

// WakeEventInput defines parameters for waking a deferred event early.
type WakeEventInput struct {
	ID string `json:"id" jsonschema:"Event id"`
}

// ResultOutput is a plain success report.
type ResultOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
