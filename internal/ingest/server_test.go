package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/authority"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
	"github.com/ShayCichocki/opsbrain/internal/state"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// fakeBrain records calls and returns err for every control operation.
type fakeBrain struct {
	mu       sync.Mutex
	err      error
	inbound  []orchestrator.Inbound
	calls    []string
	events   map[string]*models.Event
	filter   state.EventFilter
	decision authority.Decision
}

func newFakeBrain() *fakeBrain {
	return &fakeBrain{events: make(map[string]*models.Event), decision: authority.Allowed}
}

func (f *fakeBrain) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBrain) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBrain) Ingest(ctx context.Context, in orchestrator.Inbound) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, in)
	return fmt.Sprintf("evt-%d", len(f.inbound)), nil
}

func (f *fakeBrain) Get(id string) (*models.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownEvent, id)
	}
	return e, nil
}

func (f *fakeBrain) List(filter state.EventFilter) ([]*models.Event, error) {
	f.filter = filter
	var out []*models.Event
	for _, e := range f.events {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeBrain) PendingHuddles(id string) []dispatch.Huddle {
	return []dispatch.Huddle{{ID: "hud-1", EventID: id, From: models.RoleQE, Question: "which branch?"}}
}

func (f *fakeBrain) Reply(ctx context.Context, id, participant string, r orchestrator.Reply) (authority.Decision, error) {
	f.record("reply %s %s %s %s", id, participant, r.Verdict, r.Text)
	return f.decision, f.err
}

func (f *fakeBrain) RequestClose(ctx context.Context, id, participant string) (authority.Decision, error) {
	f.record("close %s %s", id, participant)
	return f.decision, f.err
}

func (f *fakeBrain) AnswerHuddle(ctx context.Context, id, huddleID, participant, text string) error {
	f.record("answer %s %s %s %s", id, huddleID, participant, text)
	return f.err
}

func (f *fakeBrain) Defer(ctx context.Context, id, reason string, delay time.Duration) (*models.Deferral, error) {
	f.record("defer %s %s %s", id, reason, delay)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Deferral{EventID: id, Reason: reason, WakeAt: time.Unix(1730000000, 0).UTC(), Count: 1}, nil
}

func (f *fakeBrain) Acknowledge(ctx context.Context, id, participant string) error {
	f.record("ack %s %s", id, participant)
	return f.err
}

func (f *fakeBrain) Wake(id string) error {
	f.record("wake %s", id)
	return f.err
}

func newTestServer(t *testing.T, brain Brain) *httptest.Server {
	t.Helper()
	srv := NewServer(Settings{MaxBodyBytes: 512}, brain)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf []byte
	switch b := body.(type) {
	case string:
		buf = []byte(b)
	default:
		var err error
		if buf, err = json.Marshal(b); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestServer_ControlEndpointsRouteToBrain(t *testing.T) {
	brain := newFakeBrain()
	ts := newTestServer(t, brain)

	tests := []struct {
		path     string
		body     controlRequest
		wantCall string
	}{
		{"/events/evt-1/reply", controlRequest{Participant: "U1", Verdict: "approve", Text: "go"}, "reply evt-1 U1 approve go"},
		{"/events/evt-1/close", controlRequest{Participant: "U2"}, "close evt-1 U2"},
		{"/events/evt-1/ack", controlRequest{Participant: "U1"}, "ack evt-1 U1"},
		{"/events/evt-1/defer", controlRequest{Reason: "argo sync", Delay: "3m"}, "defer evt-1 argo sync 3m0s"},
		{"/events/evt-1/huddles/hud-9", controlRequest{Participant: "U1", Text: "use main"}, "answer evt-1 hud-9 U1 use main"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := post(t, ts.URL+tt.path, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			calls := brain.Calls()
			if got := calls[len(calls)-1]; got != tt.wantCall {
				t.Errorf("call = %q, want %q", got, tt.wantCall)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/events/evt-1/wake", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("wake status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_ErrorStatuses(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", orchestrator.ErrInvalidInbound), http.StatusBadRequest},
		{fmt.Errorf("%w: x", orchestrator.ErrUnknownEvent), http.StatusNotFound},
		{fmt.Errorf("%w: x", orchestrator.ErrNotPrimary), http.StatusForbidden},
		{fmt.Errorf("%w: x", orchestrator.ErrInvalidTransition), http.StatusConflict},
		{models.NewFault(models.FaultLiveness, "defer", deferral.ErrDeferralLimit), http.StatusConflict},
		{models.NewFault(models.FaultConfiguration, "plan", fmt.Errorf("bad mode")), http.StatusBadRequest},
		{orchestrator.ErrBrainClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			brain := newFakeBrain()
			brain.err = tt.err
			ts := newTestServer(t, brain)
			resp, body := post(t, ts.URL+"/events/evt-1/ack", controlRequest{Participant: "U1"})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body["error"] == nil {
				t.Errorf("body = %v, want an error field", body)
			}
		})
	}
}

func TestServer_RejectsBadBodies(t *testing.T) {
	ts := newTestServer(t, newFakeBrain())

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/events", "{", http.StatusBadRequest},
		{"empty body", "/events/evt-1/reply", "", http.StatusBadRequest},
		{"too large", "/events", `{"content":"` + strings.Repeat("a", 1024) + `"}`, http.StatusRequestEntityTooLarge},
		{"bad delay", "/events/evt-1/defer", `{"reason":"ci","delay":"soon"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := post(t, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/events?state=sleeping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown state filter status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_ListParsesFilter(t *testing.T) {
	brain := newFakeBrain()
	ts := newTestServer(t, brain)

	resp, err := http.Get(ts.URL + "/events?state=active,deferred&source=slack&limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var events []*models.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events == nil {
		t.Error("empty list should encode as [], not null")
	}
	f := brain.filter
	if len(f.States) != 2 || f.States[1] != models.StateDeferred || f.Source != models.SourceSlack || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
}

type blockedBackend struct{}

func (blockedBackend) RunTurn(ctx context.Context, req dispatch.TurnRequest, sess dispatch.Session) (models.TurnResult, error) {
	<-ctx.Done()
	return models.TurnResult{}, ctx.Err()
}

func TestServer_IngestThroughBrain(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "brain.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b, err := orchestrator.New(orchestrator.RequiredConfig{
		Store:       db,
		Coordinator: dispatch.New(blockedBackend{}, nil, nil, dispatch.DefaultConfig()),
	}, orchestrator.WithMaintainer("U-maint"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	ts := newTestServer(t, b)

	resp, body := post(t, ts.URL+"/events", orchestrator.Inbound{Source: "pagerduty", Content: "disk full"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown source status = %d, want 400 (%v)", resp.StatusCode, body)
	}

	resp, body = post(t, ts.URL+"/events", orchestrator.Inbound{
		ID:           "evt-http",
		Source:       "slack",
		Content:      "fix the crash in checkout",
		Participants: []orchestrator.InboundParticipant{{ID: "U1"}},
	})
	if resp.StatusCode != http.StatusAccepted || body["id"] != "evt-http" {
		t.Fatalf("ingest = %d %v, want 202 evt-http", resp.StatusCode, body)
	}

	resp, _ = post(t, ts.URL+"/events", orchestrator.Inbound{
		ID: "evt-http", Source: "slack", Content: "again", Participants: []orchestrator.InboundParticipant{{ID: "U1"}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/events/evt-http")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var e models.Event
	if err := json.NewDecoder(get.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.ID != "evt-http" || e.Source != models.SourceSlack || e.Primary() == nil || e.Primary().ID != "U1" {
		t.Errorf("event = %+v", e)
	}

	resp, _ = post(t, ts.URL+"/events/evt-http/close", controlRequest{Participant: "U1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("close while active status = %d, want 409", resp.StatusCode)
	}
}
