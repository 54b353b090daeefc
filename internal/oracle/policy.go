package oracle

import (
	"context"
	"strings"

	"github.com/ShayCichocki/opsbrain/internal/classify"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Policy is a deterministic oracle built on the rule-based classifier.
// It never overrides the selector and answers huddles with fixed guidance.
type Policy struct {
	classifier *classify.Classifier
}

// NewPolicy creates a Policy. A nil classifier uses the default catalog.
func NewPolicy(c *classify.Classifier) *Policy {
	if c == nil {
		c = classify.New()
	}
	return &Policy{classifier: c}
}

// Decide answers q without side effects.
func (p *Policy) Decide(ctx context.Context, q Query) (Decision, error) {
	switch q.Kind {
	case KindClassify:
		var c classify.Classification
		if q.Probe != nil {
			c = p.classifier.Reclassify(q.Event, *q.Probe)
		} else {
			c = p.classifier.Classify(q.Event)
		}
		return Decision{Domain: c.Domain, Plan: c.Plan}, nil

	case KindPlan:
		return Decision{}, nil

	case KindVerdict:
		return Decision{Verdict: verdictFor(q.Event)}, nil

	case KindReply:
		return Decision{Reply: replyFor(q.Question)}, nil
	}
	return Decision{}, Validate(q, Decision{})
}

// verdictFor resolves once a read-only dispatch has completed: the
// question was answered or the change was observed. A mutating dispatch
// that completed without evidence is followed by a verification probe.
func verdictFor(e *models.Event) Verdict {
	if e == nil || len(e.History) == 0 {
		return VerdictContinue
	}
	last := e.History[len(e.History)-1]
	if last.Outcome == models.TurnCompleted && last.Plan.ReadOnly() {
		return VerdictResolve
	}
	return VerdictContinue
}

func replyFor(question string) string {
	lower := strings.ToLower(question)
	switch {
	case strings.Contains(lower, "fail"):
		return "Fix the failing cases on the shared branch. If they still fail after one attempt, report blocked with the failure output."
	case strings.Contains(lower, "rollback") || strings.Contains(lower, "revert"):
		return "Do not roll back without the primary's approval. Report needs-decision with the rollback you propose."
	default:
		return "Continue with the current plan. If you cannot proceed safely, report blocked and explain why."
	}
}
