// Package backend connects the dispatch coordinator to the outside world:
// the agent execution service, git, and notification channels.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// HTTPBackend runs agent turns on a remote execution service by POSTing
// each turn to <url>/turns. Only the terminal tag fields of the response
// are read; everything else the service returns is opaque content.
type HTTPBackend struct {
	baseURL string
	http    *http.Client
}

var _ dispatch.Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates an HTTPBackend. timeout bounds a whole turn.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type turnRequest struct {
	EventID    string              `json:"event_id"`
	DispatchID string              `json:"dispatch_id"`
	Content    string              `json:"content"`
	Branch     string              `json:"branch"`
	Role       models.Role         `json:"role"`
	Mode       models.Mode         `json:"mode"`
	Partner    models.Role         `json:"partner,omitempty"`
	Context    []models.TurnResult `json:"context,omitempty"`
	Inbox      []dispatch.Message  `json:"inbox,omitempty"`
	Guidance   string              `json:"guidance,omitempty"`
	Resume     int                 `json:"resume,omitempty"`
}

type mutation struct {
	Repo    string `json:"repo"`
	Path    string `json:"path"`
	Diff    string `json:"diff"`
	Message string `json:"message"`
}

type turnResponse struct {
	Status        models.TurnStatus `json:"status"`
	Content       string            `json:"content"`
	WaitSeconds   int               `json:"wait_seconds"`
	WaitReason    string            `json:"wait_reason"`
	Verified      bool              `json:"verified"`
	NeedsDecision bool              `json:"needs_decision"`
	Question      string            `json:"question"`
	CommitSHAs    []string          `json:"commit_shas"`
	// Notes are queued for the partner after the turn.
	Notes []string `json:"notes"`
	// Mutations are applied through GitOps before the turn finishes.
	Mutations []mutation `json:"mutations"`
	// Publish asks the coordinator to rebase and push the agent's branch.
	Publish bool `json:"publish"`
}

// RunTurn posts one turn and translates the response.
func (b *HTTPBackend) RunTurn(ctx context.Context, req dispatch.TurnRequest, sess dispatch.Session) (models.TurnResult, error) {
	if b.baseURL == "" {
		return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "http backend", fmt.Errorf("backend.url is not configured"))
	}

	partner, _ := sess.Partner()
	payload, err := json.Marshal(turnRequest{
		EventID:    req.EventID,
		DispatchID: req.DispatchID,
		Content:    req.Content,
		Branch:     req.Branch,
		Role:       req.Step.Role,
		Mode:       req.Step.Mode,
		Partner:    partner,
		Context:    req.Context,
		Inbox:      req.Inbox,
		Guidance:   req.Guidance,
		Resume:     req.Resume,
	})
	if err != nil {
		return models.TurnResult{}, fmt.Errorf("marshal turn: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/turns", bytes.NewReader(payload))
	if err != nil {
		return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "http backend", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return models.TurnResult{}, ctx.Err()
		}
		return models.TurnResult{}, models.NewFault(models.FaultTransientExternal, "http backend", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.TurnResult{}, models.NewFault(models.FaultTransientExternal, "http backend", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return models.TurnResult{}, models.NewFault(models.FaultTransientExternal, "http backend",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode >= 300:
		return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "http backend",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out turnResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "http backend", fmt.Errorf("decode turn: %w", err))
	}

	result := models.TurnResult{
		Role:          req.Step.Role,
		Mode:          req.Step.Mode,
		Status:        out.Status,
		Content:       out.Content,
		WaitEstimate:  time.Duration(out.WaitSeconds) * time.Second,
		WaitReason:    out.WaitReason,
		Verified:      out.Verified,
		NeedsDecision: out.NeedsDecision,
		Question:      out.Question,
		CommitSHAs:    out.CommitSHAs,
	}
	if err := result.Validate(); err != nil {
		return models.TurnResult{}, err
	}

	return b.applySideEffects(ctx, result, out, sess)
}

// applySideEffects performs what the service asked of the session. A
// failure here turns the result blocked rather than failing the turn.
func (b *HTTPBackend) applySideEffects(ctx context.Context, result models.TurnResult, out turnResponse, sess dispatch.Session) (models.TurnResult, error) {
	if len(out.Mutations) > 0 && result.Mode.ReadOnly() {
		return models.TurnResult{}, models.NewFault(models.FaultConfiguration, "http backend",
			fmt.Errorf("mutations returned for read-only mode %s", result.Mode))
	}
	for _, m := range out.Mutations {
		if _, err := sess.Mutate(ctx, dispatch.MutateRequest{Repo: m.Repo, Path: m.Path, Diff: m.Diff, Message: m.Message}); err != nil {
			return blocked(result, fmt.Sprintf("mutate %s/%s: %v", m.Repo, m.Path, err)), nil
		}
	}
	if out.Publish && !result.Mode.ReadOnly() {
		if _, err := sess.Publish(ctx); err != nil {
			return blocked(result, fmt.Sprintf("publish: %v", err)), nil
		}
	}
	for _, note := range out.Notes {
		if err := sess.Note(note); err != nil {
			break
		}
	}
	return result, nil
}

func blocked(r models.TurnResult, reason string) models.TurnResult {
	r.Status = models.TurnBlocked
	r.Verified = false
	if r.Content != "" {
		r.Content += "\n"
	}
	r.Content += reason
	return r
}
