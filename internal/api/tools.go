package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/exec"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Tool names exposed to agent turns.
const (
	toolRunCommand  = "run_command"
	toolReadFile    = "read_file"
	toolNote        = "note"
	toolHuddle      = "huddle"
	toolPublish     = "publish"
	toolPartnerHead = "partner_head"
	toolMutate      = "mutate"
	toolReport      = "report"
)

// mutatingVerbs are refused by run_command in read-only modes.
var mutatingVerbs = []string{
	"kubectl apply", "kubectl delete", "kubectl scale", "kubectl patch", "kubectl edit",
	"kubectl rollout restart", "kubectl rollout undo", "helm upgrade", "helm rollback",
	"helm uninstall", "git push", "git commit", "rm ",
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func tool(name, desc string, props map[string]interface{}, required ...string) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		},
	}
}

// ToolDefinitions returns the tools offered to an agent turn. Mutation tools
// are withheld from read-only modes.
func ToolDefinitions(mode models.Mode, paired bool) []anthropic.ToolUnionParam {
	tools := []anthropic.ToolUnionParam{
		tool(toolRunCommand, "Run a shell command in the workspace and return its output.",
			map[string]interface{}{"command": prop("string", "The command to run")}, "command"),
		tool(toolReadFile, "Read a file from the workspace.",
			map[string]interface{}{"file_path": prop("string", "Path relative to the workspace")}, "file_path"),
		tool(toolHuddle, "Ask a blocking question. You get exactly one reply; use it and continue.",
			map[string]interface{}{"question": prop("string", "The question")}, "question"),
		tool(toolReport, "Finish the turn with a terminal status. Must be the last call.",
			map[string]interface{}{
				"status":         prop("string", "completed, needs-guidance, blocked or pending-external"),
				"content":        prop("string", "Findings or summary of what was done"),
				"wait_seconds":   prop("integer", "Required for pending-external: expected wait"),
				"wait_reason":    prop("string", "What is being waited on, e.g. ci pipeline"),
				"verified":       prop("boolean", "True only with direct evidence the problem is fixed"),
				"needs_decision": prop("boolean", "True when a human must choose before continuing"),
				"question":       prop("string", "Required for needs-guidance or needs_decision"),
			}, "status", "content"),
	}
	if paired {
		tools = append(tools,
			tool(toolNote, "Leave a non-blocking note for your partner's next turn.",
				map[string]interface{}{"text": prop("string", "The note")}, "text"),
			tool(toolPartnerHead, "Return your partner's last pushed commit and whether you have rebased onto it.",
				map[string]interface{}{}),
		)
	}
	if !mode.ReadOnly() {
		tools = append(tools,
			tool(toolPublish, "Rebase onto the shared branch and push your commits.", map[string]interface{}{}),
			tool(toolMutate, "Apply a GitOps change and commit it.",
				map[string]interface{}{
					"repo":    prop("string", "Repository name"),
					"path":    prop("string", "File path inside the repository"),
					"diff":    prop("string", "New file content"),
					"message": prop("string", "Commit message"),
				}, "repo", "path", "diff"),
		)
	}
	return tools
}

// toolResult is the outcome of one tool call.
type toolResult struct {
	Content string
	IsError bool
}

func errResult(format string, args ...interface{}) toolResult {
	return toolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// turnTools executes tool calls for one agent turn.
type turnTools struct {
	sess     dispatch.Session
	runner   exec.CommandRunner
	workDir  string
	step     models.AgentStep
	timeout  time.Duration
	reported *models.TurnResult
}

// Execute runs a tool by name with the given JSON input.
func (t *turnTools) Execute(ctx context.Context, name string, input json.RawMessage) toolResult {
	switch name {
	case toolRunCommand:
		return t.runCommand(ctx, input)
	case toolReadFile:
		return t.readFile(input)
	case toolNote:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &p); err != nil {
			return errResult("Invalid parameters: %v", err)
		}
		if err := t.sess.Note(p.Text); err != nil {
			return errResult("note failed: %v", err)
		}
		return toolResult{Content: "queued"}
	case toolHuddle:
		var p struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(input, &p); err != nil {
			return errResult("Invalid parameters: %v", err)
		}
		reply, err := t.sess.Huddle(ctx, p.Question)
		if err != nil {
			return errResult("huddle failed: %v", err)
		}
		return toolResult{Content: reply}
	case toolPublish:
		if t.step.Mode.ReadOnly() {
			return errResult("publish is not allowed in %s mode", t.step.Mode)
		}
		sha, err := t.sess.Publish(ctx)
		if err != nil {
			return errResult("publish failed: %v", err)
		}
		return toolResult{Content: sha}
	case toolPartnerHead:
		sha, ok := t.sess.PartnerHead()
		return toolResult{Content: fmt.Sprintf("head=%s authoritative=%v", sha, ok)}
	case toolMutate:
		return t.mutate(ctx, input)
	case toolReport:
		return t.report(input)
	default:
		return errResult("Unknown tool: %s", name)
	}
}

func (t *turnTools) runCommand(ctx context.Context, input json.RawMessage) toolResult {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return errResult("Invalid parameters: %v", err)
	}
	if t.step.Mode.ReadOnly() {
		lower := strings.ToLower(p.Command)
		for _, verb := range mutatingVerbs {
			if strings.Contains(lower, verb) {
				return errResult("%q is not allowed in %s mode", verb, t.step.Mode)
			}
		}
	}

	timeout := t.timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := t.runner.RunShell(ctx, t.workDir, p.Command)
	result := truncate(string(output), 30000)
	if err != nil {
		return toolResult{Content: fmt.Sprintf("%s\nexit: %v", result, err), IsError: true}
	}
	return toolResult{Content: result}
}

func (t *turnTools) readFile(input json.RawMessage) toolResult {
	var p struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return errResult("Invalid parameters: %v", err)
	}
	path := filepath.Clean(p.FilePath)
	if filepath.IsAbs(path) || strings.HasPrefix(path, "..") {
		return errResult("path must stay inside the workspace")
	}
	data, err := os.ReadFile(filepath.Join(t.workDir, path))
	if err != nil {
		return errResult("read failed: %v", err)
	}
	return toolResult{Content: truncate(string(data), 50000)}
}

func (t *turnTools) mutate(ctx context.Context, input json.RawMessage) toolResult {
	if t.step.Mode.ReadOnly() {
		return errResult("mutate is not allowed in %s mode", t.step.Mode)
	}
	var p struct {
		Repo    string `json:"repo"`
		Path    string `json:"path"`
		Diff    string `json:"diff"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return errResult("Invalid parameters: %v", err)
	}
	sha, err := t.sess.Mutate(ctx, dispatch.MutateRequest{Repo: p.Repo, Path: p.Path, Diff: p.Diff, Message: p.Message})
	if err != nil {
		return errResult("mutate failed: %v", err)
	}
	return toolResult{Content: sha}
}

func (t *turnTools) report(input json.RawMessage) toolResult {
	var p struct {
		Status        string `json:"status"`
		Content       string `json:"content"`
		WaitSeconds   int    `json:"wait_seconds"`
		WaitReason    string `json:"wait_reason"`
		Verified      bool   `json:"verified"`
		NeedsDecision bool   `json:"needs_decision"`
		Question      string `json:"question"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return errResult("Invalid parameters: %v", err)
	}
	result := models.TurnResult{
		Role:          t.step.Role,
		Mode:          t.step.Mode,
		Status:        models.TurnStatus(p.Status),
		Content:       p.Content,
		WaitEstimate:  time.Duration(p.WaitSeconds) * time.Second,
		WaitReason:    p.WaitReason,
		Verified:      p.Verified,
		NeedsDecision: p.NeedsDecision,
		Question:      p.Question,
	}
	// Rejected here so the model can correct itself within the turn.
	if err := result.Validate(); err != nil {
		return errResult("invalid report: %v", err)
	}
	t.reported = &result
	return toolResult{Content: "reported"}
}
