package api

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		kind    oracle.Kind
		text    string
		want    oracle.Decision
		wantErr bool
	}{
		{
			name: "domain",
			kind: oracle.KindClassify,
			text: "DOMAIN: Complex",
			want: oracle.Decision{Domain: models.DomainComplex},
		},
		{
			name:    "unknown domain",
			kind:    oracle.KindClassify,
			text:    "DOMAIN: spicy",
			wantErr: true,
		},
		{
			name:    "missing domain",
			kind:    oracle.KindClassify,
			text:    "I think this is complex.",
			wantErr: true,
		},
		{
			name: "plan none",
			kind: oracle.KindPlan,
			text: "PLAN: none",
			want: oracle.Decision{},
		},
		{
			name: "verdict with plan",
			kind: oracle.KindVerdict,
			text: "DECISION: continue\nPLAN: single sysadmin:investigate",
			want: oracle.Decision{Verdict: oracle.VerdictContinue, Plan: ptr(models.Single(models.RoleSysadmin, models.ModeInvestigate))},
		},
		{
			name:    "bad verdict",
			kind:    oracle.KindVerdict,
			text:    "DECISION: shrug",
			wantErr: true,
		},
		{
			name: "multi-line reply",
			kind: oracle.KindReply,
			text: "REPLY: fix the two failing tests\nthen push again",
			want: oracle.Decision{Reply: "fix the two failing tests\nthen push again"},
		},
		{
			name:    "empty reply",
			kind:    oracle.KindReply,
			text:    "REPLY:   ",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.kind, tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecision() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, oracle.ErrMalformed) {
					t.Errorf("error %v does not wrap ErrMalformed", err)
				}
				return
			}
			if got.Domain != tt.want.Domain || got.Verdict != tt.want.Verdict || got.Reply != tt.want.Reply {
				t.Errorf("ParseDecision() = %+v, want %+v", got, tt.want)
			}
			if (got.Plan == nil) != (tt.want.Plan == nil) || (got.Plan != nil && got.Plan.String() != tt.want.Plan.String()) {
				t.Errorf("plan = %v, want %v", got.Plan, tt.want.Plan)
			}
		})
	}
}

func ptr(p models.DispatchPlan) *models.DispatchPlan { return &p }

func TestParsePlan(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"single developer:investigate", "single(developer:investigate)", false},
		{"sequential developer:implement, qe:test", "sequential(developer:implement, qe:test)", false},
		{"paired developer:implement qe:test", "paired(developer:implement, qe:test)", false},
		{"single developer:dance", "", true},
		{"paired developer:implement", "", true},
		{"parallel developer:implement qe:test", "", true},
	}
	for _, tt := range tests {
		plan, err := ParsePlan(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePlan(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if err == nil && plan.String() != tt.want {
			t.Errorf("ParsePlan(%q) = %s, want %s", tt.raw, plan, tt.want)
		}
	}
}

type fakeCompleter struct {
	answer  string
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, nil
}

func TestOracle_Decide(t *testing.T) {
	fc := &fakeCompleter{answer: "REPLY: rerun the flaky suite once"}
	o := &Oracle{client: fc}

	e := &models.Event{ID: "evt-1", Source: models.SourceSlack, Content: "checkout tests failing", Domain: models.DomainComplex}
	d, err := o.Decide(context.Background(), oracle.Query{Kind: oracle.KindReply, Event: e, Question: "2 tests failing", From: models.RoleQE})
	if err != nil {
		t.Fatal(err)
	}
	if d.Reply != "rerun the flaky suite once" {
		t.Errorf("Reply = %q", d.Reply)
	}
	if len(fc.prompts) != 1 || !strings.Contains(fc.prompts[0], "2 tests failing") || !strings.Contains(fc.prompts[0], "REPLY:") {
		t.Errorf("prompt = %q", fc.prompts)
	}
}

func TestOracle_GuardedMalformedAnswer(t *testing.T) {
	fc := &fakeCompleter{answer: "probably fine"}
	g := oracle.NewGuard(&Oracle{client: fc}, nil)

	_, err := g.Decide(context.Background(), oracle.Query{Kind: oracle.KindVerdict, Event: &models.Event{}})
	if !models.IsFault(err, models.FaultConfiguration) {
		t.Errorf("Decide() error = %v, want configuration fault", err)
	}
	if len(fc.prompts) != 2 {
		t.Errorf("prompts = %d, want 2 (one retry)", len(fc.prompts))
	}
}
