package registry

import (
	"testing"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

func TestSelect_PrecedenceRules(t *testing.T) {
	s := NewSelector(Default())
	tests := []struct {
		name     string
		source   models.Source
		content  string
		domain   models.Domain
		wantPlan string
		wantRule int
	}{
		{"inspection on infra", models.SourceChat, "check the status of the payments pods", models.DomainClear,
			"single(sysadmin:investigate)", 1},
		{"single write on infra", models.SourceSlack, "restart the api deployment", models.DomainComplicated,
			"single(sysadmin:execute)", 1},
		{"question about code", models.SourceChat, "why does the billing module return stale data", models.DomainComplicated,
			"single(developer:investigate)", 1},
		{"tests only", models.SourceChat, "write tests for the parser package", models.DomainComplicated,
			"single(qe:test)", 2},
		{"crash", models.SourceChat, "the login handler crashes on empty passwords", models.DomainComplicated,
			"sequential(developer:implement, qe:test)", 3},
		{"two issues", models.SourceSlack, "retry the cron job; and also the readme is stale", models.DomainComplicated,
			"sequential(developer:implement, qe:test)", 3},
		{"inspection plus error", models.SourceChat, "show me the errors in the worker", models.DomainComplicated,
			"sequential(developer:implement, qe:test)", 3},
		{"feature request", models.SourceChat, "add rate limiting to the public endpoint", models.DomainComplicated,
			"sequential(developer:implement, qe:test)", 3},
		{"ambiguous", models.SourceSlack, "the thing with the widget", models.DomainComplicated,
			"sequential(developer:implement, qe:test)", 4},
		{"complex pairs agents", models.SourceChat, "the importer crashes now and then", models.DomainComplex,
			"paired(developer:implement, qe:test)", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &models.Event{Source: tt.source, Content: tt.content}
			got, err := s.Select(event, tt.domain, nil)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got.Plan.String() != tt.wantPlan {
				t.Errorf("Select(%q).Plan = %s, want %s (%s)", tt.content, got.Plan, tt.wantPlan, got.Reason)
			}
			if got.Rule != tt.wantRule {
				t.Errorf("Select(%q).Rule = %d, want %d", tt.content, got.Rule, tt.wantRule)
			}
		})
	}
}

func TestSelect_DomainGating(t *testing.T) {
	s := NewSelector(Default())

	t.Run("chaotic stabilizes first", func(t *testing.T) {
		event := &models.Event{Source: models.SourceSlack, Content: "checkout outage"}
		got, err := s.Select(event, models.DomainChaotic, nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.Plan.String() != "single(sysadmin:rollback)" {
			t.Errorf("Plan = %s, want single(sysadmin:rollback)", got.Plan)
		}
	})

	t.Run("chaotic after rollback uses rules", func(t *testing.T) {
		event := &models.Event{
			Source:  models.SourceSlack,
			Content: "checkout outage, payment service crashing",
			History: []models.DispatchRecord{{Plan: models.Single(models.RoleSysadmin, models.ModeRollback)}},
		}
		got, err := s.Select(event, models.DomainChaotic, nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.Plan.Kind != models.PlanSequential {
			t.Errorf("Plan = %s, want sequential after stabilization", got.Plan)
		}
	})

	t.Run("disorder probes read-only", func(t *testing.T) {
		event := &models.Event{Source: models.SourceChat, Content: "the widget feels odd"}
		got, err := s.Select(event, models.DomainDisorder, nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if !got.Plan.ReadOnly() {
			t.Errorf("disorder plan %s is not read-only", got.Plan)
		}
	})

	t.Run("clear signature plan wins", func(t *testing.T) {
		plan := models.Single(models.RoleSysadmin, models.ModeExecute)
		event := &models.Event{Source: models.SourceAligner, Content: "CPU>80%, 1 replica"}
		got, err := s.Select(event, models.DomainClear, &plan)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.Plan.String() != "single(sysadmin:execute)" {
			t.Errorf("Plan = %s, want single(sysadmin:execute)", got.Plan)
		}
	})
}

func TestSelect_UnsupportedModeIsConfigurationFault(t *testing.T) {
	reg, err := New([]AgentSpec{
		{Role: models.RoleDeveloper, Modes: []models.Mode{models.ModeImplement}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = NewSelector(reg).Select(&models.Event{Content: "fix the crash"}, models.DomainComplicated, nil)
	if !models.IsFault(err, models.FaultConfiguration) {
		t.Fatalf("Select() error = %v, want configuration fault for missing qe", err)
	}
}

func TestVerificationPlan(t *testing.T) {
	s := NewSelector(Default())
	tests := []struct {
		name  string
		event *models.Event
		want  string
	}{
		{"autonomous source", &models.Event{Source: models.SourceAligner, Content: "latency"}, "single(sysadmin:investigate)"},
		{"chat about code", &models.Event{Source: models.SourceChat, Content: "the parser drops fields"}, "single(developer:investigate)"},
		{"chat after sysadmin work", &models.Event{
			Source:  models.SourceChat,
			Content: "the parser drops fields",
			History: []models.DispatchRecord{{Plan: models.Single(models.RoleSysadmin, models.ModeExecute)}},
		}, "single(sysadmin:investigate)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.VerificationPlan(tt.event)
			if got.String() != tt.want {
				t.Errorf("VerificationPlan() = %s, want %s", got, tt.want)
			}
			if !got.ReadOnly() {
				t.Error("verification plan must be read-only")
			}
		})
	}
}

func TestAnalyze_CountsIssues(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"CPU>80%, 1 replica", 1},
		{"fix the login bug; update the readme", 2},
		{"- bump the chart version\n- rotate the api key\n- rerun the pipeline", 3},
	}
	for _, tt := range tests {
		if got := DefaultKeywords.Analyze(tt.content).Issues; got != tt.want {
			t.Errorf("Analyze(%q).Issues = %d, want %d", tt.content, got, tt.want)
		}
	}
}
