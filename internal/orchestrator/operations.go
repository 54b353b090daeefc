package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Verdict is a participant's answer to the Brain.
type Verdict string

const (
	// VerdictApprove approves the decision pending in waiting_approval.
	VerdictApprove Verdict = "approve"
	// VerdictReject rejects a pending decision, or a resolution awaiting
	// confirmation, and sends the event back to work.
	VerdictReject Verdict = "reject"
	// VerdictConfirm confirms a resolved event may close.
	VerdictConfirm Verdict = "confirm"
	// VerdictGuidance is free text carried into the next dispatch.
	VerdictGuidance Verdict = "guidance"
)

// Valid returns true if the verdict is a known value.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictConfirm, VerdictGuidance:
		return true
	default:
		return false
	}
}

// Reply is a participant's response.
type Reply struct {
	Verdict Verdict `json:"verdict"`
	Text    string  `json:"text,omitempty"`
}

// Wake resumes a deferred event. It is a no-op for an event in any other
// state, so duplicate wake signals are harmless.
func (b *Brain) Wake(id string) error {
	err := b.send(context.Background(), id, signal{kind: sigWake}).err
	if errors.Is(err, ErrEventClosed) {
		return nil
	}
	return err
}

// Reply delivers a participant's verdict. A non-primary approve, reject
// or confirm is forwarded to the primary as a confirmation request and
// reported as authority.NeedsConfirmation.
func (b *Brain) Reply(ctx context.Context, id, participant string, r Reply) (authority.Decision, error) {
	if !r.Verdict.Valid() {
		return "", fmt.Errorf("%w: unknown verdict %q", ErrInvalidInbound, r.Verdict)
	}
	if strings.TrimSpace(participant) == "" {
		return "", fmt.Errorf("%w: participant is required", ErrInvalidInbound)
	}
	resp := b.send(ctx, id, signal{kind: sigReply, participant: participant, verdict: r.Verdict, text: r.Text})
	return resp.decision, resp.err
}

// RequestClose asks to close a resolved event. The primary authority
// closes it; anyone else triggers a confirmation prompt to the primary.
func (b *Brain) RequestClose(ctx context.Context, id, participant string) (authority.Decision, error) {
	if strings.TrimSpace(participant) == "" {
		return "", fmt.Errorf("%w: participant is required", ErrInvalidInbound)
	}
	resp := b.send(ctx, id, signal{kind: sigClose, participant: participant})
	return resp.decision, resp.err
}

// AnswerHuddle delivers the primary authority's reply to an open huddle.
func (b *Brain) AnswerHuddle(ctx context.Context, id, huddleID, participant, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty huddle reply", ErrInvalidInbound)
	}
	return b.send(ctx, id, signal{kind: sigAnswer, participant: participant, huddleID: huddleID, text: text}).err
}

// Defer suspends an active event for an operator-supplied reason,
// cancelling any dispatch in flight. A zero delay uses the reason's
// category default. When the same reason has already been deferred twice
// a verification dispatch runs instead and the returned error wraps
// deferral.ErrDeferralLimit.
func (b *Brain) Defer(ctx context.Context, id, reason string, delay time.Duration) (*models.Deferral, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: deferral reason is required", ErrInvalidInbound)
	}
	resp := b.send(ctx, id, signal{kind: sigDefer, text: reason, delay: delay})
	return resp.deferral, resp.err
}

// Acknowledge clears an open escalation and lets the event continue.
func (b *Brain) Acknowledge(ctx context.Context, id, participant string) error {
	return b.send(ctx, id, signal{kind: sigAck, participant: participant}).err
}
