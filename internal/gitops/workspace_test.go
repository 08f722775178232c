package gitops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResponse struct {
	out string
	err error
}

// fakeRunner records every git argv and replies from scripted queues:
// exact joined-args match first, then the subcommand, then success.
type fakeRunner struct {
	calls     [][]string
	responses map[string][]fakeResponse
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]fakeResponse)}
}

func (f *fakeRunner) stub(key, out string, err error) {
	f.responses[key] = append(f.responses[key], fakeResponse{out: out, err: err})
}

func (f *fakeRunner) run(_ context.Context, _ string, _ time.Duration, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	for _, key := range []string{strings.Join(args, " "), args[0]} {
		if queue := f.responses[key]; len(queue) > 0 {
			head := queue[0]
			f.responses[key] = queue[1:]
			return head.out, head.err
		}
	}
	return "", nil
}

func (f *fakeRunner) commands() []string {
	var out []string
	for _, call := range f.calls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

func testWorkspace(t *testing.T, runner commandRunner) *Workspace {
	t.Helper()
	w := NewWorkspace(Config{WorkspaceDir: t.TempDir()}, testLogger())
	w.runner = runner
	return w
}

func TestPrepareClonesWhenAbsent(t *testing.T) {
	runner := newFakeRunner()
	// No remote branch yet; remote base exists.
	runner.stub("rev-parse --verify --quiet refs/remotes/origin/job/def-1-fix", "", errors.New("unknown ref"))

	w := testWorkspace(t, runner)
	dir, err := w.Prepare(context.Background(), "https://github.com/acme/widgets", "job/def-1-fix", "main")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(w.cfg.WorkspaceDir, "acme", "widgets"), dir)
	commands := runner.commands()
	require.NotEmpty(t, commands)
	assert.Equal(t, "clone -- https://github.com/acme/widgets.git "+dir, commands[0])
	assert.Contains(t, commands, "checkout -B job/def-1-fix origin/main")
	assert.NotContains(t, commands, "fetch --prune origin")
}

func TestPrepareFetchesWhenPresent(t *testing.T) {
	runner := newFakeRunner()
	w := testWorkspace(t, runner)

	dir := filepath.Join(w.cfg.WorkspaceDir, "acme", "widgets")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))

	// The remote branch already exists: resume it.
	_, err := w.Prepare(context.Background(), "https://github.com/acme/widgets", "job/def-1-fix", "main")
	require.NoError(t, err)

	commands := runner.commands()
	assert.Equal(t, "fetch --prune origin", commands[0])
	assert.Contains(t, commands, "checkout -B job/def-1-fix origin/job/def-1-fix")
	for _, command := range commands {
		assert.NotContains(t, command, "clone")
	}
}

func TestEnsureBranchFallsBackToLocalBaseThenHead(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("rev-parse --verify --quiet refs/remotes/origin/job/def-1-fix", "", errors.New("unknown"))
	runner.stub("rev-parse --verify --quiet refs/remotes/origin/develop", "", errors.New("unknown"))

	w := testWorkspace(t, runner)
	require.NoError(t, w.ensureBranch(context.Background(), "/repo", "job/def-1-fix", "develop"))
	assert.Contains(t, runner.commands(), "checkout -B job/def-1-fix develop")

	// And when even the local base is missing, branch from HEAD.
	runner = newFakeRunner()
	runner.stub("rev-parse", "", errors.New("unknown"))
	runner.stub("rev-parse", "", errors.New("unknown"))
	runner.stub("rev-parse", "", errors.New("unknown"))

	w = testWorkspace(t, runner)
	require.NoError(t, w.ensureBranch(context.Background(), "/repo", "job/def-1-fix", "develop"))
	assert.Contains(t, runner.commands(), "checkout -B job/def-1-fix HEAD")
}

func TestPrepareRejectsUnsafeInputs(t *testing.T) {
	w := testWorkspace(t, newFakeRunner())

	_, err := w.Prepare(context.Background(), "https://evil.example/acme/widgets", "job/x", "main")
	assert.Equal(t, faults.CodeUnsafeCloneURL, faults.CodeOf(err))

	_, err = w.Prepare(context.Background(), "https://github.com/acme/widgets", "-delete", "main")
	assert.Equal(t, faults.CodeUnsafeCloneURL, faults.CodeOf(err))
}

func TestCommitAllSkipsCleanTree(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("status --porcelain", "", nil)

	w := testWorkspace(t, runner)
	committed, err := w.CommitAll(context.Background(), "/repo", "- Fix the parser")
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Len(t, runner.calls, 1)
}

func TestCommitAllStagesAndCommits(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("status --porcelain", " M parser.go\n?? new_test.go\n", nil)

	w := testWorkspace(t, runner)
	committed, err := w.CommitAll(context.Background(), "/repo", "Summary:\n- Fix the parser edge case\n- Add tests")
	require.NoError(t, err)
	assert.True(t, committed)

	commands := runner.commands()
	assert.Contains(t, commands, "add -A")
	assert.Contains(t, commands, "commit -m Fix the parser edge case")
}

func TestCommitSubject(t *testing.T) {
	assert.Equal(t, "Fix the parser edge case",
		commitSubject("Did things.\n- Fix the parser edge case\n- More"))
	assert.Equal(t, "Tighten retry loop",
		commitSubject("* Tighten retry loop"))
	assert.Equal(t, syntheticSubject, commitSubject("no bullets here\njust prose"))
	assert.Equal(t, syntheticSubject, commitSubject(""))

	long := "- " + strings.Repeat("x", 100)
	assert.Len(t, commitSubject(long), maxCommitSubject)
}

func TestPushHappyPath(t *testing.T) {
	runner := newFakeRunner()
	w := testWorkspace(t, runner)

	res, err := w.Push(context.Background(), "/repo", "https://github.com/acme/widgets", "job/def-1-fix")
	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Equal(t, "https://github.com/acme/widgets/pull/new/job/def-1-fix", res.CompareURL)
	assert.Equal(t, []string{"push -u origin job/def-1-fix"}, runner.commands())
}

func TestPushRebaseRecovery(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("push", "! [rejected] job/def-1-fix -> job/def-1-fix (non-fast-forward)", errors.New("exit status 1"))
	runner.stub("push", "", nil)

	w := testWorkspace(t, runner)
	res, err := w.Push(context.Background(), "/repo", "https://github.com/acme/widgets", "job/def-1-fix")
	require.NoError(t, err)
	assert.True(t, res.Pushed)

	commands := runner.commands()
	assert.Equal(t, []string{
		"push -u origin job/def-1-fix",
		"fetch origin",
		"rebase origin/job/def-1-fix",
		"push -u origin job/def-1-fix",
	}, commands)
}

func TestPushConflictSurfacesNonFastForward(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("push", "! [rejected] (non-fast-forward)", errors.New("exit status 1"))
	runner.stub("rebase origin/job/def-1-fix", "CONFLICT (content): merge conflict in parser.go", errors.New("exit status 1"))

	w := testWorkspace(t, runner)
	_, err := w.Push(context.Background(), "/repo", "https://github.com/acme/widgets", "job/def-1-fix")
	require.Error(t, err)
	assert.Equal(t, faults.CodeNonFastForward, faults.CodeOf(err))
	assert.Contains(t, runner.commands(), "rebase --abort")
}

func TestPushUnrelatedFailureIsNotNonFastForward(t *testing.T) {
	runner := newFakeRunner()
	runner.stub("push", "fatal: could not read from remote repository", errors.New("exit status 128"))

	w := testWorkspace(t, runner)
	_, err := w.Push(context.Background(), "/repo", "https://github.com/acme/widgets", "job/def-1-fix")
	require.Error(t, err)
	assert.NotEqual(t, faults.CodeNonFastForward, faults.CodeOf(err))
	assert.Len(t, runner.calls, 1)
}

func TestReserveSerializesSameRepository(t *testing.T) {
	w := testWorkspace(t, newFakeRunner())

	release, err := w.Reserve(context.Background(), "https://github.com/acme/widgets")
	require.NoError(t, err)

	// Same repo, different URL spelling: blocks until released.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w.Reserve(ctx, "https://github.com/acme/widgets.git")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A different repo is unaffected.
	other, err := w.Reserve(context.Background(), "https://github.com/acme/gadgets")
	require.NoError(t, err)
	other()

	release()
	again, err := w.Reserve(context.Background(), "https://github.com/acme/widgets")
	require.NoError(t, err)
	again()
}

func TestReserveRejectsUnsafeRemote(t *testing.T) {
	w := testWorkspace(t, newFakeRunner())

	_, err := w.Reserve(context.Background(), "ftp://example.com/acme/widgets")
	require.Error(t, err)
	assert.Equal(t, faults.CodeUnsafeCloneURL, faults.CodeOf(err))
}
