package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// session is one agent's handle on its dispatch.
type session struct {
	run  *run
	role models.Role
}

var _ Session = (*session)(nil)

func (s *session) Role() models.Role { return s.role }

func (s *session) Partner() (models.Role, bool) { return s.run.partnerOf(s.role) }

func (s *session) Branch() string { return s.run.branch }

func (s *session) Note(text string) error {
	partner, ok := s.run.partnerOf(s.role)
	if !ok {
		return ErrNoPartner
	}
	s.run.enqueue(Message{From: s.role, To: partner, Text: text, At: s.run.c.now()})
	return nil
}

// Huddle registers the question, asks the responder in the background and
// blocks until the single reply arrives or the huddle expires.
func (s *session) Huddle(ctx context.Context, question string) (string, error) {
	r := s.run
	h := Huddle{
		ID:         fmt.Sprintf("hd-%s", uuid.New().String()[:8]),
		EventID:    r.d.EventID,
		DispatchID: r.d.ID,
		From:       s.role,
		Question:   question,
		AskedAt:    r.c.now(),
	}
	board := r.c.huddles
	oh := board.add(h, r.setFault)
	defer board.remove(h.ID)
	r.c.logger.Log("[dispatch] %s huddle %s on %s: %s", s.role, h.ID, h.EventID, question)

	responder := r.opts.Responder
	if responder == nil {
		board.expire(h.ID, errors.New("no responder configured"))
	} else {
		go func() {
			rctx, cancel := context.WithTimeout(ctx, r.c.cfg.HuddleTimeout)
			defer cancel()
			reply, err := responder.Respond(rctx, h)
			switch {
			case errors.Is(err, ErrReplyPending):
				// Someone answers later through Coordinator.Answer.
			case err != nil:
				board.expire(h.ID, err)
			default:
				if aerr := board.answer(h.ID, reply); aerr != nil {
					r.c.logger.Log("[dispatch] reply to huddle %s dropped: %v", h.ID, aerr)
				}
			}
		}()
	}

	select {
	case reply := <-oh.reply:
		return reply, nil
	case <-oh.expired:
		return "", fmt.Errorf("%w: %s", ErrHuddleUnanswered, h.ID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *session) Sync(ctx context.Context) (string, error) {
	if s.run.guard == nil {
		return "", errors.New("no git backend configured")
	}
	return s.run.guard.sync(ctx, s.role)
}

func (s *session) Publish(ctx context.Context) (string, error) {
	if s.run.guard == nil {
		return "", errors.New("no git backend configured")
	}
	sha, err := s.run.guard.publish(ctx, s.role)
	if err != nil {
		if f := models.FaultOf(err); f != nil {
			s.run.setFault(f)
		}
		return "", err
	}
	s.run.addCommits(sha)
	return sha, nil
}

func (s *session) PartnerHead() (string, bool) {
	partner, ok := s.run.partnerOf(s.role)
	if !ok || s.run.guard == nil {
		return "", false
	}
	return s.run.guard.partnerHead(s.role, partner)
}

func (s *session) Mutate(ctx context.Context, req MutateRequest) (string, error) {
	m := s.run.c.mutator
	if m == nil {
		return "", errors.New("no gitops mutator configured")
	}
	sha, err := m.Mutate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gitops mutate %s: %w", req.Path, err)
	}
	s.run.addCommits(sha)
	return sha, nil
}
