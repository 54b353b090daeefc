package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/exec"
	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// GitWorkspace implements dispatch.Git with one checkout per agent role
// under root, all tracking the same remote.
type GitWorkspace struct {
	root   string
	remote string
	runner exec.CommandRunner
}

var _ dispatch.Git = (*GitWorkspace)(nil)

// NewGitWorkspace creates a GitWorkspace. runner may be nil.
func NewGitWorkspace(root, remote string, runner exec.CommandRunner) *GitWorkspace {
	if remote == "" {
		remote = "origin"
	}
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &GitWorkspace{root: root, remote: remote, runner: runner}
}

func (g *GitWorkspace) dir(ws dispatch.Workspace) string {
	return filepath.Join(g.root, string(ws.Agent))
}

func (g *GitWorkspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Rebase fetches the branch handle and rebases the agent's checkout onto it.
// A branch not yet on the remote is not an error. A conflicting rebase is
// aborted and reported as dispatch.ErrRebaseConflict.
func (g *GitWorkspace) Rebase(ctx context.Context, ws dispatch.Workspace) (string, error) {
	dir := g.dir(ws)
	if _, err := g.git(ctx, dir, "fetch", g.remote, ws.Branch); err == nil {
		if out, err := g.git(ctx, dir, "rebase", g.remote+"/"+ws.Branch); err != nil {
			g.git(ctx, dir, "rebase", "--abort")
			if strings.Contains(strings.ToLower(out+err.Error()), "conflict") {
				return "", fmt.Errorf("%w: %s", dispatch.ErrRebaseConflict, ws.Branch)
			}
			return "", models.NewFault(models.FaultTransientExternal, "git rebase", err)
		}
	}
	return g.git(ctx, dir, "rev-parse", "HEAD")
}

// Push pushes the agent's checkout to the branch handle.
func (g *GitWorkspace) Push(ctx context.Context, ws dispatch.Workspace) (string, error) {
	dir := g.dir(ws)
	if out, err := g.git(ctx, dir, "push", g.remote, "HEAD:refs/heads/"+ws.Branch); err != nil {
		lower := strings.ToLower(out + err.Error())
		if strings.Contains(lower, "rejected") || strings.Contains(lower, "non-fast-forward") || strings.Contains(lower, "fetch first") {
			return "", fmt.Errorf("%w: %s", dispatch.ErrPushRejected, ws.Branch)
		}
		return "", models.NewFault(models.FaultTransientExternal, "git push", err)
	}
	return g.git(ctx, dir, "rev-parse", "HEAD")
}

// ErrPathEscape is returned for a mutation path outside its repository.
var ErrPathEscape = errors.New("path escapes repository")

// GitOps applies mutations to GitOps repositories checked out under root.
type GitOps struct {
	root   string
	remote string
	runner exec.CommandRunner
}

var _ dispatch.Mutator = (*GitOps)(nil)

// NewGitOps creates a GitOps mutator. runner may be nil.
func NewGitOps(root, remote string, runner exec.CommandRunner) *GitOps {
	if remote == "" {
		remote = "origin"
	}
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &GitOps{root: root, remote: remote, runner: runner}
}

// Mutate writes req.Diff as the new content of req.Path, commits and pushes.
// It returns the commit sha.
func (g *GitOps) Mutate(ctx context.Context, req dispatch.MutateRequest) (string, error) {
	if g.root == "" {
		return "", models.NewFault(models.FaultConfiguration, "gitops", errors.New("gitops.root is not configured"))
	}
	repoDir := filepath.Join(g.root, filepath.Clean("/" + req.Repo)[1:])
	rel := filepath.Clean(req.Path)
	if req.Repo == "" || filepath.IsAbs(rel) || rel == "." || strings.HasPrefix(rel, "..") {
		return "", models.NewFault(models.FaultConfiguration, "gitops", fmt.Errorf("%w: %s/%s", ErrPathEscape, req.Repo, req.Path))
	}

	target := filepath.Join(repoDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("create parent: %w", err)
	}
	if err := os.WriteFile(target, []byte(req.Diff), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}

	msg := req.Message
	if msg == "" {
		msg = "brain: update " + rel
	}
	run := func(args ...string) (string, error) {
		out, err := g.runner.Run(ctx, repoDir, "git", args...)
		if err != nil {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return strings.TrimSpace(string(out)), nil
	}

	if _, err := run("add", "--", rel); err != nil {
		return "", err
	}
	if _, err := run("commit", "-m", msg); err != nil {
		return "", err
	}
	if _, err := run("push", g.remote, "HEAD"); err != nil {
		return "", models.NewFault(models.FaultTransientExternal, "gitops push", err)
	}
	return run("rev-parse", "HEAD")
}
