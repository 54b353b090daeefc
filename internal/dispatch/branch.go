package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// push records one successful publish.
type push struct {
	sha string
	seq int
}

// branchGuard enforces rebase-then-push on one branch handle and tracks
// which agent has seen which push.
type branchGuard struct {
	git    Git
	branch string

	mu     sync.Mutex
	seq    int
	pushes map[models.Role]push
	synced map[models.Role]int
}

func newBranchGuard(git Git, branch string) *branchGuard {
	return &branchGuard{
		git:    git,
		branch: branch,
		pushes: make(map[models.Role]push),
		synced: make(map[models.Role]int),
	}
}

func (g *branchGuard) sync(ctx context.Context, role models.Role) (string, error) {
	g.mu.Lock()
	seen := g.seq
	g.mu.Unlock()

	head, err := g.git.Rebase(ctx, Workspace{Branch: g.branch, Agent: role})
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	if seen > g.synced[role] {
		g.synced[role] = seen
	}
	g.mu.Unlock()
	return head, nil
}

// publish rebases onto the remote and pushes. A conflict or rejected push
// is retried exactly once; a second failure is a conflict fault.
func (g *branchGuard) publish(ctx context.Context, role models.Role) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := g.sync(ctx, role); err != nil {
			if !retryable(err) {
				return "", err
			}
			lastErr = err
			continue
		}
		sha, err := g.git.Push(ctx, Workspace{Branch: g.branch, Agent: role})
		if err != nil {
			if !retryable(err) {
				return "", err
			}
			lastErr = err
			continue
		}

		g.mu.Lock()
		g.seq++
		g.pushes[role] = push{sha: sha, seq: g.seq}
		g.synced[role] = g.seq
		g.mu.Unlock()
		return sha, nil
	}
	return "", models.NewFault(models.FaultConflict, "publish "+g.branch,
		fmt.Errorf("rebase-then-push failed twice: %w", lastErr))
}

func retryable(err error) bool {
	return errors.Is(err, ErrRebaseConflict) || errors.Is(err, ErrPushRejected)
}

// partnerHead returns the partner's latest push and whether role has
// rebased since it happened.
func (g *branchGuard) partnerHead(role, partner models.Role) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pushes[partner]
	if !ok {
		return "", false
	}
	return p.sha, g.synced[role] >= p.seq
}
