// Package authority decides which participant speaks for an event.
//
// The requester on chat or Slack is primary. Events from autonomous
// sources have no requester, so the configured maintainer is primary.
// Anyone joining later, including dashboard sessions, is a collaborator.
// If more than one primary is claimed the earliest claim wins and the
// conflict is reported so it can be logged.
package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// ErrNoPrimary is returned when an event has no one to hold authority.
var ErrNoPrimary = errors.New("no primary authority")

// ErrUnknownParticipant is returned for actions by someone not on the event.
var ErrUnknownParticipant = errors.New("unknown participant")

// Action is something a participant asks to do to an event.
type Action string

const (
	ActionClose   Action = "close"
	ActionApprove Action = "approve"
	ActionReply   Action = "reply"
)

// Decision is the outcome of authorizing an action.
type Decision string

const (
	// Allowed means the action takes effect.
	Allowed Decision = "allowed"
	// NeedsConfirmation means the primary must confirm first.
	NeedsConfirmation Decision = "needs_confirmation"
)

// Resolution reports who holds authority and whether it was contested.
type Resolution struct {
	Primary *models.Participant
	// Contested lists other participants that claimed primary.
	Contested []string
}

// Resolver assigns participant roles.
type Resolver struct {
	maintainer string
	now        func() time.Time
}

// NewResolver creates a Resolver. maintainer is the notified user that
// holds authority over aligner and headhunter events.
func NewResolver(maintainer string) *Resolver {
	return &Resolver{maintainer: maintainer, now: time.Now}
}

// Maintainer returns the configured maintainer id.
func (r *Resolver) Maintainer() string {
	return r.maintainer
}

// Resolve settles the participant map of a freshly ingested event. It
// mutates event.Participants so exactly one primary remains.
func (r *Resolver) Resolve(event *models.Event) (Resolution, error) {
	if event.Participants == nil {
		event.Participants = make(map[string]*models.Participant)
	}

	// Dashboard sessions never hold authority.
	for _, p := range event.Participants {
		if p.Channel == models.ChannelDashboard {
			p.Role = models.ParticipantCollaborator
		}
	}

	if event.Primary() == nil {
		if event.Source.Autonomous() {
			if r.maintainer == "" {
				return Resolution{}, models.NewFault(models.FaultConfiguration, "resolve authority",
					fmt.Errorf("%w: %s event and no maintainer configured", ErrNoPrimary, event.Source))
			}
			if _, ok := event.Participants[r.maintainer]; !ok {
				event.Participants[r.maintainer] = &models.Participant{
					ID:       r.maintainer,
					Channel:  string(models.SourceSlack),
					JoinedAt: r.now(),
				}
			}
			event.Participants[r.maintainer].Role = models.ParticipantPrimary
		} else {
			requester := r.earliestOnChannel(event, string(event.Source))
			if requester == nil {
				return Resolution{}, fmt.Errorf("%w: %s event has no requester", ErrNoPrimary, event.Source)
			}
			requester.Role = models.ParticipantPrimary
		}
	}

	primary := event.Primary()
	res := Resolution{Primary: primary}
	for id, p := range event.Participants {
		if id == primary.ID {
			continue
		}
		if p.Role == models.ParticipantPrimary {
			res.Contested = append(res.Contested, id)
		}
		p.Role = models.ParticipantCollaborator
	}
	return res, nil
}

func (r *Resolver) earliestOnChannel(event *models.Event, channel string) *models.Participant {
	var found *models.Participant
	for _, p := range event.Participants {
		if p.Channel != channel {
			continue
		}
		if found == nil || p.JoinedAt.Before(found.JoinedAt) ||
			(p.JoinedAt.Equal(found.JoinedAt) && p.ID < found.ID) {
			found = p
		}
	}
	return found
}

// Join adds a participant after ingestion. Late joiners are always
// collaborators; an existing participant keeps its role.
func (r *Resolver) Join(event *models.Event, id, channel string) *models.Participant {
	if event.Participants == nil {
		event.Participants = make(map[string]*models.Participant)
	}
	if p, ok := event.Participants[id]; ok {
		return p
	}
	p := &models.Participant{
		ID:       id,
		Channel:  channel,
		Role:     models.ParticipantCollaborator,
		JoinedAt: r.now(),
	}
	event.Participants[id] = p
	return p
}

// Authorize decides whether participant may perform action. A close or
// approval from a non-primary participant is turned into a confirmation
// request to the primary instead of being refused outright.
func (r *Resolver) Authorize(event *models.Event, participant string, action Action) (Decision, error) {
	p, ok := event.Participants[participant]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, participant)
	}
	if p.Role == models.ParticipantPrimary {
		return Allowed, nil
	}
	switch action {
	case ActionClose, ActionApprove:
		return NeedsConfirmation, nil
	default:
		return Allowed, nil
	}
}
