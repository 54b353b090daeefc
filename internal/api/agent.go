package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/exec"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// ErrNoReport is returned when a turn ends without calling the report tool.
var ErrNoReport = errors.New("agent turn ended without a report")

// StreamEvent is emitted during a turn for logging and dashboards.
type StreamEvent struct {
	Type    string // "text", "tool_use", "tool_result", "done", "error"
	Role    models.Role
	Content string
	Tool    string
}

// AgentBackendConfig contains configuration for the in-process agent backend.
type AgentBackendConfig struct {
	Client  *Client
	Runner  exec.CommandRunner
	WorkDir string
	// MaxIterations bounds API calls per turn. Defaults to 40.
	MaxIterations int
	// CommandTimeout bounds each run_command call.
	CommandTimeout time.Duration
	OnStream       func(StreamEvent)
}

// AgentBackend runs agent turns as a tool loop against the Anthropic API.
type AgentBackend struct {
	client         *Client
	runner         exec.CommandRunner
	workDir        string
	maxIterations  int
	commandTimeout time.Duration
	onStream       func(StreamEvent)
}

var _ dispatch.Backend = (*AgentBackend)(nil)

// NewAgentBackend creates an AgentBackend.
func NewAgentBackend(cfg AgentBackendConfig) *AgentBackend {
	maxIter := cfg.MaxIterations
	if maxIter == 0 {
		maxIter = 40
	}
	runner := cfg.Runner
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &AgentBackend{
		client:         cfg.Client,
		runner:         runner,
		workDir:        cfg.WorkDir,
		maxIterations:  maxIter,
		commandTimeout: cfg.CommandTimeout,
		onStream:       cfg.OnStream,
	}
}

func (b *AgentBackend) emit(ev StreamEvent) {
	if b.onStream != nil {
		b.onStream(ev)
	}
}

// RunTurn runs one agent turn until the agent reports a terminal status.
func (b *AgentBackend) RunTurn(ctx context.Context, req dispatch.TurnRequest, sess dispatch.Session) (models.TurnResult, error) {
	_, paired := sess.Partner()
	tools := &turnTools{
		sess:    sess,
		runner:  b.runner,
		workDir: b.workDir,
		step:    req.Step,
		timeout: b.commandTimeout,
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(turnPrompt(req))),
	}
	defs := ToolDefinitions(req.Step.Mode, paired)

	for i := 0; i < b.maxIterations; i++ {
		resp, err := b.client.send(ctx, anthropic.MessageNewParams{
			MaxTokens: 8192,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt(req.Step, paired)}},
			Messages:  messages,
			Tools:     defs,
		})
		if err != nil {
			b.emit(StreamEvent{Type: "error", Role: req.Step.Role, Content: err.Error()})
			if ctx.Err() != nil {
				return models.TurnResult{}, ctx.Err()
			}
			return models.TurnResult{}, models.NewFault(models.FaultTransientExternal, "agent turn", err)
		}

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				b.emit(StreamEvent{Type: "text", Role: req.Step.Role, Content: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				b.emit(StreamEvent{Type: "tool_use", Role: req.Step.Role, Tool: variant.Name})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				result := tools.Execute(ctx, variant.Name, variant.Input)
				b.emit(StreamEvent{Type: "tool_result", Role: req.Step.Role, Tool: variant.Name, Content: truncate(result.Content, 500)})
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, result.Content, result.IsError))
			}
		}

		if tools.reported != nil {
			b.emit(StreamEvent{Type: "done", Role: req.Step.Role, Content: string(tools.reported.Status)})
			return *tools.reported, nil
		}

		if resp.StopReason == anthropic.StopReasonEndTurn || len(toolResultBlocks) == 0 {
			return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "agent turn", ErrNoReport)
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
	}

	return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "agent turn",
		fmt.Errorf("max iterations (%d) reached without a report", b.maxIterations))
}

func systemPrompt(step models.AgentStep, paired bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s agent working in %s mode for an operations orchestrator.\n", step.Role, step.Mode)
	if step.Mode.ReadOnly() {
		sb.WriteString("This is a read-only turn. Inspect and report; change nothing.\n")
	}
	if paired {
		sb.WriteString("You share a branch with a partner agent. Use note for non-blocking updates and huddle only when you cannot continue without an answer.\n")
		sb.WriteString("Trust your partner's head only after partner_head reports it authoritative.\n")
	}
	sb.WriteString(`
End every turn with exactly one report call:
- completed: the work is done. Set verified only with direct evidence (metrics, status output).
- needs-guidance: you need direction to continue. Include the question.
- blocked: you cannot proceed. Explain why in content.
- pending-external: you are waiting on a pipeline, sync or rollout. wait_seconds is required.
Set needs_decision with a question when a human must choose between options.`)
	return sb.String()
}

func turnPrompt(req dispatch.TurnRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Event %s\n%s\n\nBranch: %s\n", req.EventID, req.Content, req.Branch)

	if len(req.Context) > 0 {
		sb.WriteString("\n## Earlier results\n")
		for _, r := range req.Context {
			fmt.Fprintf(&sb, "- %s:%s %s: %s\n", r.Role, r.Mode, r.Status, truncate(r.Content, 1000))
		}
	}
	if len(req.Inbox) > 0 {
		sb.WriteString("\n## Notes from your partner\n")
		for _, m := range req.Inbox {
			fmt.Fprintf(&sb, "- %s: %s\n", m.From, m.Text)
		}
	}
	if req.Guidance != "" {
		fmt.Fprintf(&sb, "\n## Guidance (resume %d)\n%s\n", req.Resume, req.Guidance)
	}
	return sb.String()
}
