package registry

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Keywords drive task analysis. Matching is case-insensitive substring.
type Keywords struct {
	// Inspection asks for information only.
	Inspection []string
	// SingleWrite is one bounded operational change.
	SingleWrite []string
	// TestAuthoring is writing or running tests.
	TestAuthoring []string
	// Implement is a code or config change needing verification.
	Implement []string
	// Errors mark a failure, crash or regression.
	Errors []string
	// Infra routes rule 1 work to the sysadmin.
	Infra []string
}

// DefaultKeywords is the built-in keyword set.
var DefaultKeywords = Keywords{
	Inspection: []string{
		"status", "check", "inspect", "show", "list", "what", "why", "where",
		"which", "how many", "logs", "describe", "look at", "investigate",
	},
	SingleWrite: []string{
		"restart", "scale", "increase", "decrease", "rollout", "resync", "sync ",
		"rotate", "renew", "resize", "cordon", "drain", "set ",
	},
	TestAuthoring: []string{
		"write a test", "write tests", "add a test", "add tests", "unit test",
		"integration test", "e2e test", "test coverage", "run the tests", "run tests",
	},
	Implement: []string{
		"implement", "fix", "add ", "build", "create", "refactor", "change",
		"update", "patch", "feature", "support for", "migrate", "remove",
	},
	Errors: []string{
		"error", "exception", "crash", "regression", "fail", "broken", "bug",
		"panic", "500", "oom", "stack trace",
	},
	Infra: []string{
		"replica", "cpu", "memory", "pod", "node", "cluster", "scale", "restart",
		"deploy", "rollout", "helm", "argo", "ingress", "certificate", "disk",
		"kubernetes", "k8s", "namespace",
	},
}

// Analysis is what the selector reads from an event's content.
type Analysis struct {
	Inspection  bool
	SingleWrite bool
	TestOnly    bool
	Implement   bool
	ErrorMarker string
	Infra       bool
	// Issues counts distinct requests in the content.
	Issues int
}

var issueSplit = regexp.MustCompile(`(?m)(;|\balso\b|^\s*(?:[-*]|\d+[.)])\s+)`)

// Analyze extracts the selector's task signals from content.
func (k Keywords) Analyze(content string) Analysis {
	lower := strings.ToLower(content)

	// Test phrases like "add a test" must not count as implementation.
	stripped := lower
	authoring := false
	for _, kw := range k.TestAuthoring {
		if strings.Contains(stripped, kw) {
			authoring = true
			stripped = strings.ReplaceAll(stripped, kw, " ")
		}
	}

	a := Analysis{
		Inspection:  contains(lower, k.Inspection) != "",
		SingleWrite: contains(stripped, k.SingleWrite) != "",
		Implement:   contains(stripped, k.Implement) != "",
		ErrorMarker: contains(lower, k.Errors),
		Infra:       contains(lower, k.Infra) != "",
		Issues:      countIssues(lower),
	}
	a.TestOnly = authoring && !a.Implement
	return a
}

func countIssues(lower string) int {
	n := 0
	for _, part := range issueSplit.Split(lower, -1) {
		if len(strings.Fields(part)) >= 2 {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

func contains(lower string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// Selection is a chosen plan plus why it was chosen.
type Selection struct {
	Plan models.DispatchPlan
	// Rule is the precedence rule that matched (1-4), or 0 for domain gating.
	Rule   int
	Reason string
}

// Selector turns an event into a dispatch plan.
type Selector struct {
	registry *Registry
	keywords Keywords
}

// NewSelector creates a Selector that checks plans against reg.
func NewSelector(reg *Registry) *Selector {
	return &Selector{registry: reg, keywords: DefaultKeywords}
}

// Select chooses a plan for the event given its domain and any plan a
// known-fix signature prescribed. Domain gating comes first:
//   - Chaotic: single(sysadmin, rollback) until a stabilizing dispatch ran
//   - Disorder: a read-only probe
//   - a signature plan is used as is
//
// Otherwise the precedence rules apply, first match wins:
//  1. inspection, status or a single write -> single(sysadmin|developer, investigate|execute)
//  2. test authoring only -> single(qe, test)
//  3. implementation with verification, an error marker or 2+ issues ->
//     sequential(developer:implement, qe:test); paired when the domain is Complex
//  4. anything ambiguous -> rule 3
//
// The returned plan has been checked against the roster.
func (s *Selector) Select(event *models.Event, domain models.Domain, prescribed *models.DispatchPlan) (Selection, error) {
	sel := s.choose(event, domain, prescribed)
	if err := s.registry.Check(sel.Plan); err != nil {
		return Selection{}, err
	}
	return sel, nil
}

func (s *Selector) choose(event *models.Event, domain models.Domain, prescribed *models.DispatchPlan) Selection {
	switch {
	case domain == models.DomainChaotic && !stabilized(event):
		return Selection{
			Plan:   models.Single(models.RoleSysadmin, models.ModeRollback),
			Reason: "chaotic: stabilize first",
		}
	case domain == models.DomainDisorder:
		return Selection{
			Plan:   s.probe(event),
			Reason: "disorder: read-only probe before classification",
		}
	case prescribed != nil && domain != models.DomainChaotic:
		return Selection{
			Plan:   *prescribed,
			Reason: "known-fix signature plan",
		}
	}

	a := s.keywords.Analyze(event.Content)

	if (a.Inspection || a.SingleWrite) && !a.Implement && !a.TestOnly && a.ErrorMarker == "" && a.Issues < 2 {
		role := models.RoleDeveloper
		if a.Infra {
			role = models.RoleSysadmin
		}
		mode := models.ModeInvestigate
		if a.SingleWrite {
			mode = models.ModeExecute
		}
		return Selection{
			Plan:   models.Single(role, mode),
			Rule:   1,
			Reason: "inspection or single write",
		}
	}

	if a.TestOnly && a.ErrorMarker == "" && a.Issues < 2 {
		return Selection{
			Plan:   models.Single(models.RoleQE, models.ModeTest),
			Rule:   2,
			Reason: "test authoring only",
		}
	}

	rule, reason := 3, "implementation with verification"
	switch {
	case a.ErrorMarker != "":
		reason = "error marker " + a.ErrorMarker
	case a.Issues >= 2:
		reason = "multiple issues"
	case !a.Implement:
		rule, reason = 4, "ambiguous, defaulting to implement and verify"
	}

	steps := []models.AgentStep{
		{Role: models.RoleDeveloper, Mode: models.ModeImplement},
		{Role: models.RoleQE, Mode: models.ModeTest},
	}
	plan := models.Sequential(steps...)
	if domain == models.DomainComplex {
		plan = models.DispatchPlan{Kind: models.PlanPaired, Steps: steps}
		reason += ", paired for live coordination"
	}
	return Selection{Plan: plan, Rule: rule, Reason: reason}
}

// VerificationPlan returns the read-only probe used after a wake, when a
// deferral cap is hit, and for Disorder events.
func (s *Selector) VerificationPlan(event *models.Event) models.DispatchPlan {
	return s.probe(event)
}

func (s *Selector) probe(event *models.Event) models.DispatchPlan {
	if event.Source.Autonomous() || s.keywords.Analyze(event.Content).Infra || lastRoleWas(event, models.RoleSysadmin) {
		return models.Single(models.RoleSysadmin, models.ModeInvestigate)
	}
	return models.Single(models.RoleDeveloper, models.ModeInvestigate)
}

func stabilized(event *models.Event) bool {
	for _, rec := range event.History {
		for _, step := range rec.Plan.Steps {
			if step.Mode == models.ModeRollback {
				return true
			}
		}
	}
	return false
}

func lastRoleWas(event *models.Event, role models.Role) bool {
	if len(event.History) == 0 {
		return false
	}
	for _, step := range event.History[len(event.History)-1].Plan.Steps {
		if step.Role == role {
			return true
		}
	}
	return false
}
