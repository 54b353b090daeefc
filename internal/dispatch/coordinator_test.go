package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

type turnFunc func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error)

// scriptBackend records every request and delegates to a function.
type scriptBackend struct {
	mu    sync.Mutex
	calls []TurnRequest
	turn  turnFunc
}

func (b *scriptBackend) RunTurn(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	return b.turn(ctx, req, sess)
}

func (b *scriptBackend) requests() []TurnRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TurnRequest(nil), b.calls...)
}

func completed(content string) models.TurnResult {
	return models.TurnResult{Status: models.TurnCompleted, Content: content}
}

var devThenQE = models.Sequential(
	models.AgentStep{Role: models.RoleDeveloper, Mode: models.ModeImplement},
	models.AgentStep{Role: models.RoleQE, Mode: models.ModeTest},
)

var devWithQE = models.DispatchPlan{Kind: models.PlanPaired, Steps: devThenQE.Steps}

func TestExecute_Single(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return models.TurnResult{Status: models.TurnCompleted, Content: "scaled to 2", Verified: true}, nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{
		EventID: "evt-1",
		Plan:    models.Single(models.RoleSysadmin, models.ModeExecute),
	}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnCompleted || !out.Verified {
		t.Errorf("outcome = %s verified=%v, want completed verified", out.Status, out.Verified)
	}
	if out.Branch != "brain/evt-1" {
		t.Errorf("Branch = %q, want brain/evt-1", out.Branch)
	}
	if got := out.Results[0].Role; got != models.RoleSysadmin {
		t.Errorf("result role = %s, want filled in as sysadmin", got)
	}
}

func TestExecute_SequentialHandsOffSnapshot(t *testing.T) {
	var mu sync.Mutex
	var order []string
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		mu.Lock()
		order = append(order, "start "+string(req.Step.Role))
		mu.Unlock()
		defer func() {
			mu.Lock()
			order = append(order, "end "+string(req.Step.Role))
			mu.Unlock()
		}()
		if req.Step.Role == models.RoleQE {
			if len(req.Context) != 1 || req.Context[0].Content != "patched handler" {
				t.Errorf("qe context = %+v, want developer result", req.Context)
			}
			return models.TurnResult{Status: models.TurnCompleted, Content: "tests green", Verified: true}, nil
		}
		return completed("patched handler"), nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-2", Plan: devThenQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"start developer", "end developer", "start qe", "end qe"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if out.Status != models.TurnCompleted || !out.Verified {
		t.Errorf("outcome = %s verified=%v", out.Status, out.Verified)
	}
}

func TestExecute_SequentialBlockedStopsPlan(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return models.TurnResult{Status: models.TurnBlocked, Content: "no access to repo"}, nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-3", Plan: devThenQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnBlocked {
		t.Errorf("Status = %s, want blocked", out.Status)
	}
	if n := len(b.requests()); n != 1 {
		t.Errorf("backend called %d times, want 1 (qe must not run)", n)
	}
	if len(out.Results) != 1 {
		t.Errorf("partial results = %d, want 1", len(out.Results))
	}
}

func TestExecute_SequentialPendingKeepsRemaining(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return models.TurnResult{
			Status:       models.TurnPendingExternal,
			WaitEstimate: 5 * time.Minute,
			WaitReason:   "ci",
		}, nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-4", Plan: devThenQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnPendingExternal || out.WaitEstimate != 5*time.Minute || out.WaitReason != "ci" {
		t.Errorf("outcome = %s %v %q", out.Status, out.WaitEstimate, out.WaitReason)
	}
	if len(out.Remaining) != 1 || out.Remaining[0].Role != models.RoleQE {
		t.Errorf("Remaining = %v, want [qe:test]", out.Remaining)
	}
}

func TestExecute_PendingWithoutEstimateIsConfigurationFault(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return models.TurnResult{Status: models.TurnPendingExternal}, nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{
		EventID: "evt-5",
		Plan:    models.Single(models.RoleDeveloper, models.ModeImplement),
	}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnBlocked || out.Fault == nil || out.Fault.Kind != models.FaultConfiguration {
		t.Errorf("outcome = %s fault=%v, want blocked with configuration fault", out.Status, out.Fault)
	}
}

func TestExecute_PairedRunsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return models.TurnResult{Status: models.TurnBlocked, Content: "partner never started"}, nil
		}
		return completed(string(req.Step.Role) + " done"), nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-6", Plan: devWithQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnCompleted || len(out.Results) != 2 {
		t.Errorf("outcome = %s with %d results, want completed with 2", out.Status, len(out.Results))
	}
}

func TestExecute_PairedPendingCancelsPartner(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if req.Step.Role == models.RoleDeveloper {
			return models.TurnResult{Status: models.TurnPendingExternal, WaitEstimate: time.Minute, WaitReason: "ci"}, nil
		}
		<-ctx.Done()
		return models.TurnResult{}, ctx.Err()
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-7", Plan: devWithQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnPendingExternal {
		t.Errorf("Status = %s, want pending-external", out.Status)
	}
	if len(out.Discarded) != 1 || out.Discarded[0] != models.RoleQE {
		t.Errorf("Discarded = %v, want [qe]", out.Discarded)
	}
	if len(out.Results) != 1 {
		t.Errorf("Results = %d, want only the developer's", len(out.Results))
	}
}

func TestExecute_NotesDeliveredOnPartnerTurn(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if req.Step.Role == models.RoleDeveloper {
			if err := sess.Note("touched auth/session.go only"); err != nil {
				t.Errorf("Note() error = %v", err)
			}
			return completed("patched"), nil
		}
		if len(req.Inbox) != 1 || req.Inbox[0].Text != "touched auth/session.go only" || req.Inbox[0].From != models.RoleDeveloper {
			t.Errorf("qe inbox = %+v, want developer note", req.Inbox)
		}
		return completed("tested"), nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-8", Plan: devThenQE}, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(out.Undelivered) != 0 {
		t.Errorf("Undelivered = %v, want none", out.Undelivered)
	}
}

func TestSession_NoteWithoutPartner(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if err := sess.Note("hello?"); !errors.Is(err, ErrNoPartner) {
			t.Errorf("Note() error = %v, want ErrNoPartner", err)
		}
		return completed("ok"), nil
	}}
	c := New(b, nil, nil, Config{})
	if _, err := c.Execute(context.Background(), Dispatch{EventID: "evt-9", Plan: models.Single(models.RoleQE, models.ModeTest)}, Options{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestHuddle_ExactlyOneReply(t *testing.T) {
	var huddleID string
	var idMu sync.Mutex
	responder := HuddleResponderFunc(func(ctx context.Context, h Huddle) (string, error) {
		idMu.Lock()
		huddleID = h.ID
		idMu.Unlock()
		return "use the v2 client", nil
	})

	var c *Coordinator
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		reply, err := sess.Huddle(ctx, "v1 or v2 client?")
		if err != nil {
			return models.TurnResult{}, err
		}
		idMu.Lock()
		id := huddleID
		idMu.Unlock()
		if err := c.Answer(id, "second opinion"); !errors.Is(err, ErrHuddleAnswered) && !errors.Is(err, ErrUnknownHuddle) {
			t.Errorf("second Answer() error = %v, want rejection", err)
		}
		return completed("went with " + reply), nil
	}}
	c = New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-10", Plan: models.Single(models.RoleDeveloper, models.ModeImplement)}, Options{Responder: responder})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, res := range out.Results {
		if res.Content != "went with use the v2 client" {
			t.Errorf("result = %q, want the single reply", res.Content)
		}
	}
}

func TestHuddle_UnansweredIsLivenessFaultWithinTick(t *testing.T) {
	responder := HuddleResponderFunc(func(ctx context.Context, h Huddle) (string, error) {
		return "", ErrReplyPending
	})
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if _, err := sess.Huddle(ctx, "anyone?"); err != nil {
			if !errors.Is(err, ErrHuddleUnanswered) {
				t.Errorf("Huddle() error = %v, want ErrHuddleUnanswered", err)
			}
			return models.TurnResult{Status: models.TurnBlocked, Content: "no answer"}, nil
		}
		return completed("answered"), nil
	}}
	tick := 10 * time.Millisecond
	c := New(b, nil, nil, Config{HuddleTimeout: 30 * time.Millisecond, Tick: tick})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	start := time.Now()
	out, err := c.Execute(ctx, Dispatch{EventID: "evt-11", Plan: models.Single(models.RoleDeveloper, models.ModeImplement)}, Options{Responder: responder})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Fault == nil || out.Fault.Kind != models.FaultLiveness {
		t.Fatalf("Fault = %v, want liveness", out.Fault)
	}

	select {
	case report := <-c.Faults():
		if report.EventID != "evt-11" || report.Fault.Kind != models.FaultLiveness {
			t.Errorf("report = %+v", report)
		}
	case <-time.After(time.Second):
		t.Fatal("no fault report surfaced")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fault surfaced after %v", elapsed)
	}
}

func TestNeedsGuidance_ResumesWithReply(t *testing.T) {
	responder := HuddleResponderFunc(func(ctx context.Context, h Huddle) (string, error) {
		if h.Question != "staging or prod?" {
			t.Errorf("question = %q", h.Question)
		}
		return "staging", nil
	})
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if req.Resume == 0 {
			return models.TurnResult{Status: models.TurnNeedsGuidance, Question: "staging or prod?"}, nil
		}
		if req.Guidance != "staging" {
			t.Errorf("Guidance = %q, want staging", req.Guidance)
		}
		return completed("deployed to " + req.Guidance), nil
	}}
	c := New(b, nil, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-12", Plan: models.Single(models.RoleSysadmin, models.ModeExecute)}, Options{Responder: responder})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != models.TurnCompleted || out.Results[0].Content != "deployed to staging" {
		t.Errorf("outcome = %s %q", out.Status, out.Summary())
	}
	if n := len(b.requests()); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestTransientRetry(t *testing.T) {
	tests := []struct {
		name      string
		available bool
		want      models.TurnStatus
		wantUsed  bool
	}{
		{"retry available", true, models.TurnCompleted, true},
		{"retry spent", false, models.TurnBlocked, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
				calls++
				if calls == 1 {
					return models.TurnResult{}, errors.New("connection reset by peer")
				}
				return completed("ok"), nil
			}}
			c := New(b, nil, nil, Config{})

			out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-13", Plan: models.Single(models.RoleQE, models.ModeTest)}, Options{RetryAvailable: tt.available})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if out.Status != tt.want || out.RetryUsed != tt.wantUsed {
				t.Errorf("outcome = %s retryUsed=%v, want %s %v", out.Status, out.RetryUsed, tt.want, tt.wantUsed)
			}
			if tt.want == models.TurnBlocked && (out.Fault == nil || out.Fault.Kind != models.FaultTransientExternal) {
				t.Errorf("Fault = %v, want transient", out.Fault)
			}
		})
	}
}

func TestExecute_BranchBusy(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return completed("ok"), nil
	}}
	c := New(b, nil, nil, Config{})
	if err := c.Leases().Acquire(BranchFor("evt-14"), "dsp-other"); err != nil {
		t.Fatal(err)
	}

	_, err := c.Execute(context.Background(), Dispatch{EventID: "evt-14", Plan: devWithQE}, Options{})
	if !errors.Is(err, ErrBranchBusy) {
		t.Fatalf("Execute() error = %v, want ErrBranchBusy", err)
	}

	// Read-only probes do not need the lease.
	if _, err := c.Execute(context.Background(), Dispatch{EventID: "evt-14", Plan: models.Single(models.RoleSysadmin, models.ModeInvestigate)}, Options{}); err != nil {
		t.Errorf("read-only Execute() error = %v", err)
	}
}

func TestExecute_ReleasesLease(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		return completed("ok"), nil
	}}
	c := New(b, nil, nil, Config{})
	if _, err := c.Execute(context.Background(), Dispatch{EventID: "evt-15", Plan: devThenQE}, Options{}); err != nil {
		t.Fatal(err)
	}
	if holder, ok := c.Leases().Holder(BranchFor("evt-15")); ok {
		t.Errorf("lease still held by %s", holder)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		<-ctx.Done()
		return models.TurnResult{}, ctx.Err()
	}}
	c := New(b, nil, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out, err := c.Execute(ctx, Dispatch{EventID: "evt-16", Plan: devThenQE}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if len(out.Discarded) != 1 {
		t.Errorf("Discarded = %v, want the in-flight developer", out.Discarded)
	}
}
