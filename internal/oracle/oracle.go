// Package oracle defines the narrow decision interface the Brain consults
// for judgement calls, and the guard that validates every answer.
//
// The core never trusts free text: each Decision is checked against the
// domain, role, mode and verdict enums before it is used. A malformed
// answer is retried once; a second one becomes a configuration fault.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Kind is the question being asked.
type Kind string

const (
	// KindClassify asks for a domain.
	KindClassify Kind = "classify"
	// KindPlan asks for an optional dispatch plan override.
	KindPlan Kind = "plan"
	// KindVerdict asks whether a completed but unverified event is resolved.
	KindVerdict Kind = "verdict"
	// KindReply asks for the single reply to an agent huddle.
	KindReply Kind = "reply"
)

// Verdict is the answer to a KindVerdict query.
type Verdict string

const (
	VerdictResolve  Verdict = "resolve"
	VerdictContinue Verdict = "continue"
)

// Valid returns true if the verdict is a known value.
func (v Verdict) Valid() bool {
	return v == VerdictResolve || v == VerdictContinue
}

// Query is one question put to the oracle.
type Query struct {
	Kind Kind
	// Event is a snapshot; the oracle must not modify it.
	Event *models.Event
	// Outcome summarizes the latest dispatch for verdict queries.
	Outcome string
	// Question and From describe a huddle for reply queries.
	Question string
	From     models.Role
	// Probe carries the read-only probe result when reclassifying after Disorder.
	Probe *models.TurnResult
}

// Decision is a tagged answer. Only the field matching the query kind is read.
type Decision struct {
	Domain models.Domain
	// Plan overrides the selector for KindPlan, or names the follow-up
	// dispatch for VerdictContinue. Nil means no override.
	Plan    *models.DispatchPlan
	Verdict Verdict
	Reply   string
}

// Oracle answers queries. Implementations may be slow, wrong or malformed;
// callers go through Guard.
type Oracle interface {
	Decide(ctx context.Context, q Query) (Decision, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, q Query) (Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, q Query) (Decision, error) {
	return f(ctx, q)
}

// ErrMalformed marks a decision that failed validation.
var ErrMalformed = errors.New("malformed oracle decision")

// Checker validates a plan against the agent roster.
type Checker interface {
	Check(plan models.DispatchPlan) error
}

// Validate checks d against the enums for q's kind.
func Validate(q Query, d Decision) error {
	switch q.Kind {
	case KindClassify:
		if !d.Domain.Valid() || d.Domain == models.DomainUndetermined {
			return fmt.Errorf("%w: domain %q", ErrMalformed, d.Domain)
		}
		if q.Probe != nil && d.Domain == models.DomainDisorder {
			return fmt.Errorf("%w: disorder after probe", ErrMalformed)
		}
	case KindPlan:
		if d.Plan != nil {
			if err := d.Plan.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
	case KindVerdict:
		if !d.Verdict.Valid() {
			return fmt.Errorf("%w: verdict %q", ErrMalformed, d.Verdict)
		}
		if d.Plan != nil {
			if err := d.Plan.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
	case KindReply:
		if strings.TrimSpace(d.Reply) == "" {
			return fmt.Errorf("%w: empty reply", ErrMalformed)
		}
	default:
		return fmt.Errorf("unknown query kind %q", q.Kind)
	}
	return nil
}

// Guard validates every decision, retries once, then faults.
type Guard struct {
	inner   Oracle
	checker Checker
}

// NewGuard wraps inner. checker may be nil.
func NewGuard(inner Oracle, checker Checker) *Guard {
	return &Guard{inner: inner, checker: checker}
}

// Decide asks inner at most twice. Two malformed answers give a
// configuration fault; two call failures give a transient external fault.
func (g *Guard) Decide(ctx context.Context, q Query) (Decision, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		d, err := g.inner.Decide(ctx, q)
		if err == nil {
			err = g.validate(q, d)
		}
		if err == nil {
			return d, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		lastErr = err
	}

	op := "oracle " + string(q.Kind)
	if errors.Is(lastErr, ErrMalformed) || models.IsFault(lastErr, models.FaultConfiguration) {
		return Decision{}, models.NewFault(models.FaultConfiguration, op, lastErr)
	}
	return Decision{}, models.NewFault(models.FaultTransientExternal, op, lastErr)
}

func (g *Guard) validate(q Query, d Decision) error {
	if err := Validate(q, d); err != nil {
		return err
	}
	if g.checker != nil && d.Plan != nil {
		if err := g.checker.Check(*d.Plan); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}
