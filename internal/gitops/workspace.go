package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var gitOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_gitops_operations_total",
	Help: "Git operations by command and outcome.",
}, []string{"command", "outcome"})

// Per-operation timeouts. Clones of large repos dominate; everything else
// is expected to be quick.
const (
	defaultCloneTimeout  = 10 * time.Minute
	defaultFetchTimeout  = 2 * time.Minute
	defaultPushTimeout   = 60 * time.Second
	defaultStatusTimeout = 10 * time.Second

	maxCommitSubject = 72
	syntheticSubject = "Apply automated job changes"
)

// Config tunes the git workspace.
type Config struct {
	// WorkspaceDir is the root under which repositories are cloned, one
	// directory per owner/repo.
	WorkspaceDir string
	// SSHHostAlias rewrites SSH remotes to a configured host alias.
	SSHHostAlias string

	CloneTimeout  time.Duration
	FetchTimeout  time.Duration
	PushTimeout   time.Duration
	StatusTimeout time.Duration
}

func (c *Config) fill() {
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = defaultCloneTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = defaultPushTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = defaultStatusTimeout
	}
}

// commandRunner abstracts git execution for tests.
type commandRunner interface {
	run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		gitOps.WithLabelValues(args[0], "error").Inc()
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, firstLine(string(out)))
	}
	gitOps.WithLabelValues(args[0], "ok").Inc()
	return string(out), nil
}

// Workspace manages the local clones used by coding jobs. A repository
// checkout belongs to one coding run at a time: callers Reserve the
// repository for the whole prepare-edit-push span before touching it.
type Workspace struct {
	cfg    Config
	runner commandRunner
	log    *slog.Logger

	mu     sync.Mutex
	leases map[string]chan struct{}
}

// NewWorkspace returns a Workspace rooted at cfg.WorkspaceDir.
func NewWorkspace(cfg Config, log *slog.Logger) *Workspace {
	cfg.fill()
	return &Workspace{cfg: cfg, runner: execRunner{}, log: log}
}

// PushResult reports the outcome of a push.
type PushResult struct {
	Pushed bool
	// CompareURL is the new-pull-request URL for the pushed branch.
	CompareURL string
}

// Reserve blocks until no other run holds repoURL's checkout and returns
// the release func. Concurrent runs on the same repository share one
// working tree; interleaving them corrupts both.
func (w *Workspace) Reserve(ctx context.Context, repoURL string) (func(), error) {
	remote, err := ParseRemote(repoURL, w.cfg.SSHHostAlias)
	if err != nil {
		return nil, err
	}
	key := remote.Owner + "/" + remote.Repo

	w.mu.Lock()
	if w.leases == nil {
		w.leases = make(map[string]chan struct{})
	}
	lease, ok := w.leases[key]
	if !ok {
		lease = make(chan struct{}, 1)
		w.leases[key] = lease
	}
	w.mu.Unlock()

	select {
	case lease <- struct{}{}:
		return func() { <-lease }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prepare materializes the repository for a coding job: validates the
// remote, clones or fetches, and checks out the working branch from the
// resolved base. It returns the repository directory.
func (w *Workspace) Prepare(ctx context.Context, repoURL, branch, base string) (string, error) {
	remote, err := ParseRemote(repoURL, w.cfg.SSHHostAlias)
	if err != nil {
		return "", err
	}
	if err := validRef(branch); err != nil {
		return "", faults.Wrap(faults.CodeUnsafeCloneURL, "branch name rejected", err)
	}
	if err := validRef(base); err != nil {
		return "", faults.Wrap(faults.CodeUnsafeCloneURL, "base branch rejected", err)
	}

	dir := filepath.Join(w.cfg.WorkspaceDir, remote.Owner, remote.Repo)
	if _, statErr := os.Stat(filepath.Join(dir, ".git")); statErr != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace dir: %w", err)
		}
		w.log.Info("cloning repository", "remote", remote.URL, "dir", dir)
		if _, err := w.runner.run(ctx, "", w.cfg.CloneTimeout, "clone", "--", remote.URL, dir); err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", remote.URL, err)
		}
	} else {
		if _, err := w.runner.run(ctx, dir, w.cfg.FetchTimeout, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("failed to fetch %s: %w", remote.URL, err)
		}
	}

	if err := w.ensureBranch(ctx, dir, branch, base); err != nil {
		return "", err
	}
	return dir, nil
}

// ensureBranch checks out branch, creating it from the best available
// start point: the remote branch when already pushed, else the remote
// base, else the local base, else current HEAD.
func (w *Workspace) ensureBranch(ctx context.Context, dir, branch, base string) error {
	if w.refExists(ctx, dir, "refs/remotes/origin/"+branch) {
		_, err := w.runner.run(ctx, dir, w.cfg.FetchTimeout, "checkout", "-B", branch, "origin/"+branch)
		return err
	}

	start := "HEAD"
	switch {
	case w.refExists(ctx, dir, "refs/remotes/origin/"+base):
		start = "origin/" + base
	case w.refExists(ctx, dir, "refs/heads/"+base):
		start = base
	default:
		w.log.Warn("base branch not found, branching from HEAD", "base", base, "branch", branch)
	}
	_, err := w.runner.run(ctx, dir, w.cfg.FetchTimeout, "checkout", "-B", branch, start)
	return err
}

func (w *Workspace) refExists(ctx context.Context, dir, ref string) bool {
	_, err := w.runner.run(ctx, dir, w.cfg.StatusTimeout, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// CommitAll stages and commits every uncommitted change with a subject
// derived from the execution summary. A clean tree commits nothing.
func (w *Workspace) CommitAll(ctx context.Context, dir, summary string) (bool, error) {
	status, err := w.runner.run(ctx, dir, w.cfg.StatusTimeout, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := w.runner.run(ctx, dir, w.cfg.StatusTimeout, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := w.runner.run(ctx, dir, w.cfg.StatusTimeout, "commit", "-m", commitSubject(summary)); err != nil {
		return false, fmt.Errorf("failed to commit changes: %w", err)
	}
	return true, nil
}

// commitSubject picks the first non-empty bullet of the summary, capped at
// 72 characters, falling back to a synthetic label.
func commitSubject(summary string) string {
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		trimmed := strings.TrimLeft(line, "-*• \t")
		if trimmed == "" || trimmed == line {
			continue
		}
		if runes := []rune(trimmed); len(runes) > maxCommitSubject {
			trimmed = string(runes[:maxCommitSubject])
		}
		return trimmed
	}
	return syntheticSubject
}

// Push publishes the branch with upstream tracking. A non-fast-forward
// rejection triggers one fetch + rebase + retry; a rebase conflict aborts
// the rebase and surfaces NON_FAST_FORWARD.
func (w *Workspace) Push(ctx context.Context, dir, repoURL, branch string) (PushResult, error) {
	remote, err := ParseRemote(repoURL, w.cfg.SSHHostAlias)
	if err != nil {
		return PushResult{}, err
	}

	out, err := w.runner.run(ctx, dir, w.cfg.PushTimeout, "push", "-u", "origin", branch)
	if err == nil {
		return PushResult{Pushed: true, CompareURL: remote.CompareURL(branch)}, nil
	}
	if !isNonFastForward(out, err) {
		return PushResult{}, fmt.Errorf("failed to push %s: %w", branch, err)
	}

	w.log.Info("push rejected, rebasing onto remote", "branch", branch)
	if _, err := w.runner.run(ctx, dir, w.cfg.FetchTimeout, "fetch", "origin"); err != nil {
		return PushResult{}, fmt.Errorf("failed to fetch before rebase: %w", err)
	}
	if _, err := w.runner.run(ctx, dir, w.cfg.FetchTimeout, "rebase", "origin/"+branch); err != nil {
		// Leave the worktree clean for the next job.
		if _, abortErr := w.runner.run(ctx, dir, w.cfg.StatusTimeout, "rebase", "--abort"); abortErr != nil {
			w.log.Warn("rebase abort failed", "branch", branch, "error", abortErr)
		}
		return PushResult{}, faults.Wrap(faults.CodeNonFastForward,
			fmt.Sprintf("rebase onto origin/%s conflicted", branch), err)
	}

	if out, err := w.runner.run(ctx, dir, w.cfg.PushTimeout, "push", "-u", "origin", branch); err != nil {
		if isNonFastForward(out, err) {
			return PushResult{}, faults.Wrap(faults.CodeNonFastForward,
				fmt.Sprintf("push of %s still rejected after rebase", branch), err)
		}
		return PushResult{}, fmt.Errorf("failed to push %s after rebase: %w", branch, err)
	}
	return PushResult{Pushed: true, CompareURL: remote.CompareURL(branch)}, nil
}

func isNonFastForward(out string, err error) bool {
	text := strings.ToLower(out + " " + err.Error())
	return strings.Contains(text, "non-fast-forward") ||
		strings.Contains(text, "fetch first") ||
		strings.Contains(text, "[rejected]")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
