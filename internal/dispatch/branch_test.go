package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// fakeGit rejects the first rejectPushes pushes.
type fakeGit struct {
	mu           sync.Mutex
	rejectPushes int
	rebases      int
	pushes       int
	conflict     bool
}

func (g *fakeGit) Rebase(ctx context.Context, ws Workspace) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rebases++
	if g.conflict {
		return "", ErrRebaseConflict
	}
	return fmt.Sprintf("base-%d", g.rebases), nil
}

func (g *fakeGit) Push(ctx context.Context, ws Workspace) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	if g.rejectPushes > 0 {
		g.rejectPushes--
		return "", ErrPushRejected
	}
	return fmt.Sprintf("%s-%d", ws.Agent, g.pushes), nil
}

func TestPublish_RetriesOnceOnRejection(t *testing.T) {
	git := &fakeGit{rejectPushes: 1}
	g := newBranchGuard(git, "brain/evt-1")

	sha, err := g.publish(context.Background(), models.RoleDeveloper)
	if err != nil {
		t.Fatalf("publish() error = %v", err)
	}
	if sha == "" {
		t.Error("publish() returned empty sha")
	}
	if git.rebases != 2 || git.pushes != 2 {
		t.Errorf("rebases=%d pushes=%d, want 2 and 2 (rebase before every push)", git.rebases, git.pushes)
	}
}

func TestPublish_SecondFailureIsConflictFault(t *testing.T) {
	tests := []struct {
		name string
		git  *fakeGit
	}{
		{"push rejected twice", &fakeGit{rejectPushes: 2}},
		{"rebase conflicts", &fakeGit{conflict: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newBranchGuard(tt.git, "brain/evt-1")
			_, err := g.publish(context.Background(), models.RoleDeveloper)
			if !models.IsFault(err, models.FaultConflict) {
				t.Fatalf("publish() error = %v, want conflict fault", err)
			}
			if tt.git.rebases != 2 {
				t.Errorf("rebases = %d, want exactly one retry", tt.git.rebases)
			}
		})
	}
}

func TestPublish_OtherErrorsNotRetried(t *testing.T) {
	boom := errors.New("auth failed")
	g := newBranchGuard(&failingGit{err: boom}, "brain/evt-1")
	_, err := g.publish(context.Background(), models.RoleQE)
	if !errors.Is(err, boom) {
		t.Fatalf("publish() error = %v, want %v", err, boom)
	}
}

type failingGit struct{ err error }

func (g *failingGit) Rebase(ctx context.Context, ws Workspace) (string, error) { return "", g.err }
func (g *failingGit) Push(ctx context.Context, ws Workspace) (string, error)   { return "", g.err }

func TestPartnerHead_AuthoritativeOnlyAfterRebase(t *testing.T) {
	g := newBranchGuard(&fakeGit{}, "brain/evt-1")
	ctx := context.Background()

	if _, ok := g.partnerHead(models.RoleQE, models.RoleDeveloper); ok {
		t.Fatal("partner head authoritative before any push")
	}

	devSHA, err := g.publish(ctx, models.RoleDeveloper)
	if err != nil {
		t.Fatal(err)
	}
	sha, ok := g.partnerHead(models.RoleQE, models.RoleDeveloper)
	if sha != devSHA || ok {
		t.Fatalf("partnerHead() = %q, %v, want %q not yet authoritative", sha, ok, devSHA)
	}

	if _, err := g.sync(ctx, models.RoleQE); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.partnerHead(models.RoleQE, models.RoleDeveloper); !ok {
		t.Error("partner head should be authoritative after qe rebased")
	}

	// A newer push makes it stale again.
	if _, err := g.publish(ctx, models.RoleDeveloper); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.partnerHead(models.RoleQE, models.RoleDeveloper); ok {
		t.Error("partner head authoritative after a push qe has not seen")
	}
}

func TestSession_PublishRecordsCommitAndFault(t *testing.T) {
	git := &fakeGit{rejectPushes: 2}
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		if _, err := sess.Publish(ctx); err != nil {
			return models.TurnResult{Status: models.TurnBlocked, Content: err.Error()}, nil
		}
		return completed("pushed"), nil
	}}
	c := New(b, git, nil, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-2", Plan: models.Single(models.RoleDeveloper, models.ModeImplement)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != models.TurnBlocked || out.Fault == nil || out.Fault.Kind != models.FaultConflict {
		t.Errorf("outcome = %s fault=%v, want blocked with conflict fault", out.Status, out.Fault)
	}
}

type recordingMutator struct {
	reqs []MutateRequest
}

func (m *recordingMutator) Mutate(ctx context.Context, req MutateRequest) (string, error) {
	m.reqs = append(m.reqs, req)
	return "abc123", nil
}

func TestSession_MutateRecordsSHA(t *testing.T) {
	m := &recordingMutator{}
	b := &scriptBackend{turn: func(ctx context.Context, req TurnRequest, sess Session) (models.TurnResult, error) {
		_, err := sess.Mutate(ctx, MutateRequest{Repo: "deploy", Path: "apps/api/values.yaml", Diff: "replicas: 2"})
		if err != nil {
			return models.TurnResult{}, err
		}
		return completed("scaled"), nil
	}}
	c := New(b, nil, m, Config{})

	out, err := c.Execute(context.Background(), Dispatch{EventID: "evt-3", Plan: models.Single(models.RoleSysadmin, models.ModeExecute)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.CommitSHAs) != 1 || out.CommitSHAs[0] != "abc123" {
		t.Errorf("CommitSHAs = %v, want [abc123]", out.CommitSHAs)
	}
	if len(m.reqs) != 1 || m.reqs[0].Path != "apps/api/values.yaml" {
		t.Errorf("mutate requests = %+v", m.reqs)
	}
}
