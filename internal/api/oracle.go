package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// completer is satisfied by *Client.
type completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Oracle answers decision queries with a model. Answers use a strict line
// protocol (DOMAIN:, PLAN:, DECISION:, REPLY:) parsed by ParseDecision;
// anything else is malformed and left to oracle.Guard to retry.
type Oracle struct {
	client completer
}

// NewOracle creates a model-backed oracle.
func NewOracle(client *Client) *Oracle {
	return &Oracle{client: client}
}

var _ oracle.Oracle = (*Oracle)(nil)

const oracleSystem = `You are the decision oracle of an autonomous operations orchestrator.
You answer exactly the question asked using the line protocol given. Do not add prose
outside the protocol lines.

Domains: clear, complicated, complex, chaotic, disorder.
Roles and modes: architect (analyze, review, investigate), sysadmin (investigate, execute,
rollback, analyze), developer (investigate, execute, implement, review, rollback), qe (test,
review, investigate).
Plans: "single role:mode", "sequential role:mode role:mode ...", "paired role:mode role:mode",
or "none".`

// Decide renders q as a prompt and parses the answer.
func (o *Oracle) Decide(ctx context.Context, q oracle.Query) (oracle.Decision, error) {
	text, err := o.client.Complete(ctx, oracleSystem, buildPrompt(q))
	if err != nil {
		return oracle.Decision{}, err
	}
	return ParseDecision(q.Kind, text)
}

func buildPrompt(q oracle.Query) string {
	var sb strings.Builder
	if e := q.Event; e != nil {
		fmt.Fprintf(&sb, "## Event %s (source %s, domain %s, state %s)\n%s\n\n", e.ID, e.Source, e.Domain, e.State, e.Content)
		if len(e.History) > 0 {
			sb.WriteString("## Dispatch history\n")
			for _, rec := range e.History {
				fmt.Fprintf(&sb, "- %s -> %s: %s\n", rec.Plan, rec.Outcome, truncate(rec.Summary, 400))
			}
			sb.WriteString("\n")
		}
	}

	switch q.Kind {
	case oracle.KindClassify:
		if q.Probe != nil {
			fmt.Fprintf(&sb, "## Read-only probe findings\n%s\n\n", truncate(q.Probe.Content, 2000))
			sb.WriteString("Classify the event now that it has been probed. Disorder is not allowed.\n")
		} else {
			sb.WriteString("Classify the event.\n")
		}
		sb.WriteString("Respond with:\nDOMAIN: <domain>\n")
	case oracle.KindPlan:
		sb.WriteString("Should the default dispatch plan be overridden?\nRespond with:\nPLAN: <plan or none>\n")
	case oracle.KindVerdict:
		fmt.Fprintf(&sb, "## Latest outcome\n%s\n\n", q.Outcome)
		sb.WriteString("The latest dispatch completed without verified evidence. Is the event resolved?\n")
		sb.WriteString("Respond with:\nDECISION: <resolve|continue>\nPLAN: <follow-up plan or none>\n")
	case oracle.KindReply:
		fmt.Fprintf(&sb, "## Huddle from %s\n%s\n\n", q.From, q.Question)
		sb.WriteString("Give the agent one reply it can act on.\nRespond with:\nREPLY: <text>\n")
	}
	return sb.String()
}

// ParseDecision reads the line protocol answer for kind.
func ParseDecision(kind oracle.Kind, text string) (oracle.Decision, error) {
	fields, reply := scanProtocol(text)
	var d oracle.Decision

	switch kind {
	case oracle.KindClassify:
		raw, ok := fields["DOMAIN"]
		if !ok {
			return d, fmt.Errorf("%w: missing DOMAIN line", oracle.ErrMalformed)
		}
		domain, err := models.ParseDomain(strings.ToLower(raw))
		if err != nil {
			return d, fmt.Errorf("%w: %v", oracle.ErrMalformed, err)
		}
		d.Domain = domain

	case oracle.KindPlan:
		raw, ok := fields["PLAN"]
		if !ok {
			return d, fmt.Errorf("%w: missing PLAN line", oracle.ErrMalformed)
		}
		plan, err := ParsePlan(raw)
		if err != nil {
			return d, err
		}
		d.Plan = plan

	case oracle.KindVerdict:
		raw, ok := fields["DECISION"]
		if !ok {
			return d, fmt.Errorf("%w: missing DECISION line", oracle.ErrMalformed)
		}
		d.Verdict = oracle.Verdict(strings.ToLower(raw))
		if !d.Verdict.Valid() {
			return d, fmt.Errorf("%w: decision %q", oracle.ErrMalformed, raw)
		}
		if raw, ok := fields["PLAN"]; ok {
			plan, err := ParsePlan(raw)
			if err != nil {
				return d, err
			}
			d.Plan = plan
		}

	case oracle.KindReply:
		if strings.TrimSpace(reply) == "" {
			return d, fmt.Errorf("%w: missing REPLY", oracle.ErrMalformed)
		}
		d.Reply = strings.TrimSpace(reply)

	default:
		return d, fmt.Errorf("unknown query kind %q", kind)
	}
	return d, nil
}

// scanProtocol collects TAG: value lines. REPLY takes the rest of the text.
func scanProtocol(text string) (map[string]string, string) {
	fields := make(map[string]string)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		tag, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if tag == "REPLY" {
			rest := append([]string{value}, lines[i+1:]...)
			return fields, strings.Join(rest, "\n")
		}
		switch tag {
		case "DOMAIN", "PLAN", "DECISION":
			if _, seen := fields[tag]; !seen {
				fields[tag] = strings.TrimSpace(value)
			}
		}
	}
	return fields, ""
}

// ParsePlan parses "none", "single role:mode", "sequential role:mode ..."
// or "paired role:mode role:mode".
func ParsePlan(raw string) (*models.DispatchPlan, error) {
	parts := strings.Fields(strings.ToLower(strings.ReplaceAll(raw, ",", " ")))
	if len(parts) == 0 || parts[0] == "none" {
		return nil, nil
	}

	plan := models.DispatchPlan{Kind: models.PlanKind(parts[0])}
	for _, p := range parts[1:] {
		step, err := models.ParseAgentStep(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", oracle.ErrMalformed, err)
		}
		plan.Steps = append(plan.Steps, step)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrMalformed, err)
	}
	return &plan, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
