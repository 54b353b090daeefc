package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/ShayCichocki/opsbrain/internal/registry"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// scripted returns its answers in order, repeating the last.
type scripted struct {
	answers []Decision
	errs    []error
	calls   int
}

func (s *scripted) Decide(ctx context.Context, q Query) (Decision, error) {
	i := s.calls
	s.calls++
	if i >= len(s.answers) {
		i = len(s.answers) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.answers[i], err
}

func planPtr(p models.DispatchPlan) *models.DispatchPlan { return &p }

func TestValidate(t *testing.T) {
	probe := &models.TurnResult{Status: models.TurnCompleted}
	badPlan := planPtr(models.DispatchPlan{Kind: models.PlanPaired, Steps: []models.AgentStep{{Role: models.RoleQE, Mode: models.ModeTest}}})

	tests := []struct {
		name    string
		q       Query
		d       Decision
		wantErr bool
	}{
		{"classify ok", Query{Kind: KindClassify}, Decision{Domain: models.DomainComplex}, false},
		{"classify unknown domain", Query{Kind: KindClassify}, Decision{Domain: "weird"}, true},
		{"classify undetermined", Query{Kind: KindClassify}, Decision{Domain: models.DomainUndetermined}, true},
		{"disorder before probe", Query{Kind: KindClassify}, Decision{Domain: models.DomainDisorder}, false},
		{"disorder after probe", Query{Kind: KindClassify, Probe: probe}, Decision{Domain: models.DomainDisorder}, true},
		{"plan none", Query{Kind: KindPlan}, Decision{}, false},
		{"plan invalid", Query{Kind: KindPlan}, Decision{Plan: badPlan}, true},
		{"verdict ok", Query{Kind: KindVerdict}, Decision{Verdict: VerdictResolve}, false},
		{"verdict missing", Query{Kind: KindVerdict}, Decision{}, true},
		{"reply ok", Query{Kind: KindReply}, Decision{Reply: "go ahead"}, false},
		{"reply blank", Query{Kind: KindReply}, Decision{Reply: "  "}, true},
		{"unknown kind", Query{Kind: "bogus"}, Decision{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q, tt.d)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuard_RetriesMalformedOnce(t *testing.T) {
	inner := &scripted{answers: []Decision{{Verdict: "maybe"}, {Verdict: VerdictResolve}}}
	g := NewGuard(inner, nil)

	d, err := g.Decide(context.Background(), Query{Kind: KindVerdict})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Verdict != VerdictResolve || inner.calls != 2 {
		t.Errorf("Decide() = %+v after %d calls, want resolve after 2", d, inner.calls)
	}
}

func TestGuard_SecondMalformedIsConfigurationFault(t *testing.T) {
	inner := &scripted{answers: []Decision{{Domain: "nope"}}}
	g := NewGuard(inner, nil)

	_, err := g.Decide(context.Background(), Query{Kind: KindClassify})
	if !models.IsFault(err, models.FaultConfiguration) {
		t.Fatalf("Decide() error = %v, want configuration fault", err)
	}
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error %v does not wrap ErrMalformed", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

func TestGuard_CallFailuresAreTransient(t *testing.T) {
	boom := errors.New("503 overloaded")
	inner := &scripted{answers: []Decision{{}}, errs: []error{boom, boom}}
	g := NewGuard(inner, nil)

	_, err := g.Decide(context.Background(), Query{Kind: KindReply})
	if !models.IsFault(err, models.FaultTransientExternal) {
		t.Fatalf("Decide() error = %v, want transient fault", err)
	}
}

func TestGuard_RosterCheck(t *testing.T) {
	// architect cannot implement
	bad := planPtr(models.Single(models.RoleArchitect, models.ModeImplement))
	good := planPtr(models.Single(models.RoleArchitect, models.ModeReview))
	inner := &scripted{answers: []Decision{{Plan: bad}, {Plan: good}}}
	g := NewGuard(inner, registry.Default())

	d, err := g.Decide(context.Background(), Query{Kind: KindPlan})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Plan.String() != good.String() {
		t.Errorf("plan = %s, want %s", d.Plan, good)
	}
}

func TestGuard_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &scripted{answers: []Decision{{}}, errs: []error{context.Canceled}}
	_, err := NewGuard(inner, nil).Decide(ctx, Query{Kind: KindReply})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Decide() error = %v, want context.Canceled", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want no retry after cancel", inner.calls)
	}
}

func TestPolicy(t *testing.T) {
	p := NewPolicy(nil)
	ctx := context.Background()

	t.Run("classify chaotic", func(t *testing.T) {
		e := &models.Event{Source: models.SourceAligner, Content: "production outage, api down for all users"}
		d, err := p.Decide(ctx, Query{Kind: KindClassify, Event: e})
		if err != nil {
			t.Fatal(err)
		}
		if d.Domain != models.DomainChaotic {
			t.Errorf("domain = %s, want chaotic", d.Domain)
		}
	})

	t.Run("reclassify never disorder", func(t *testing.T) {
		e := &models.Event{Source: models.SourceChat, Content: "something feels off"}
		probe := models.TurnResult{Status: models.TurnCompleted, Content: "nothing notable"}
		d, err := p.Decide(ctx, Query{Kind: KindClassify, Event: e, Probe: &probe})
		if err != nil {
			t.Fatal(err)
		}
		if err := Validate(Query{Kind: KindClassify, Probe: &probe}, d); err != nil {
			t.Errorf("policy produced invalid decision: %v", err)
		}
	})

	verdictTests := []struct {
		name string
		last models.DispatchRecord
		want Verdict
	}{
		{"read-only completed resolves", models.DispatchRecord{Plan: models.Single(models.RoleSysadmin, models.ModeInvestigate), Outcome: models.TurnCompleted}, VerdictResolve},
		{"mutation completed needs verification", models.DispatchRecord{Plan: models.Single(models.RoleSysadmin, models.ModeExecute), Outcome: models.TurnCompleted}, VerdictContinue},
	}
	for _, tt := range verdictTests {
		t.Run(tt.name, func(t *testing.T) {
			e := &models.Event{History: []models.DispatchRecord{tt.last}}
			d, err := p.Decide(ctx, Query{Kind: KindVerdict, Event: e})
			if err != nil {
				t.Fatal(err)
			}
			if d.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s", d.Verdict, tt.want)
			}
		})
	}

	t.Run("reply", func(t *testing.T) {
		d, err := p.Decide(ctx, Query{Kind: KindReply, Question: "2 tests failing", From: models.RoleQE})
		if err != nil {
			t.Fatal(err)
		}
		if d.Reply == "" {
			t.Error("empty reply")
		}
	})
}
