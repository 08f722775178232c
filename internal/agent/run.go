package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var (
	agentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_agent_runs_total",
		Help: "Agent subprocess runs by outcome.",
	}, []string{"outcome"})
	agentRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jinn_agent_run_seconds",
		Help:    "Wall-clock duration of agent runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

const (
	defaultRunTimeout = 30 * time.Minute
	// maxEventBytes bounds one stream line; structured summaries can be
	// large but anything beyond this is an agent bug.
	maxEventBytes = 4 << 20
)

// Config tunes the agent subprocess.
type Config struct {
	// Command is the agent binary; Args are prepended to every run.
	Command string
	Args    []string
	// Timeout is the default wall-clock bound per run.
	Timeout time.Duration
	// AllowedModels and DefaultModel are advertised to the agent through
	// its environment.
	AllowedModels []string
	DefaultModel  string
}

// RunSpec describes one agent invocation.
type RunSpec struct {
	// RunID identifies this attempt; unique per pipeline run.
	RunID  string
	Prompt string
	Job    *job.JobContext
	// Tools overrides the job's available tool list (reflection narrows
	// it). Nil means the job's own list.
	Tools []string
	// Extra env entries, e.g. credential tokens resolved for this run.
	Extra map[string]string
	// Workspace is the working directory; empty runs in the worker's cwd.
	Workspace string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// Runner executes agent subprocesses.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// NewRunner returns a Runner for the configured agent binary.
func NewRunner(cfg Config, log *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRunTimeout
	}
	return &Runner{cfg: cfg, log: log}
}

// Run starts the agent, feeds it the prompt on stdin and folds its stream.
// The returned Result is non-nil even on failure: whatever the agent
// emitted before dying is preserved. A wall-clock expiry returns an
// AGENT_TIMEOUT fault; an abnormal exit after usable output is logged and
// tolerated.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = spec.Workspace
	cmd.Env = r.environ(spec)
	cmd.Stdin = strings.NewReader(spec.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{}, fmt.Errorf("failed to open agent stdout: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		agentRuns.WithLabelValues("error").Inc()
		return &Result{}, fmt.Errorf("failed to start agent %s: %w", r.cfg.Command, err)
	}
	r.log.Info("agent started",
		"request", spec.Job.RequestID, "run", spec.RunID, "timeout", timeout)

	res := &Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			r.log.Debug("skipping unparsable agent event", "run", spec.RunID, "error", err)
			continue
		}
		res.apply(event)
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("agent stream truncated", "run", spec.RunID, "error", err)
	}

	waitErr := cmd.Wait()
	res.finish()
	agentRunSeconds.Observe(time.Since(started).Seconds())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		agentRuns.WithLabelValues("timeout").Inc()
		return res, faults.New(faults.CodeAgentTimeout,
			fmt.Sprintf("agent exceeded wall clock of %s", timeout)).
			WithRequest(spec.Job.RequestID).WithStage("execute")
	}
	if ctx.Err() != nil {
		agentRuns.WithLabelValues("canceled").Inc()
		return res, ctx.Err()
	}
	if waitErr != nil {
		if res.Output != "" || res.FinalStatus != "" {
			// The final record arrived; a dirty exit after it is the
			// agent's problem, not the run's.
			r.log.Warn("agent exited abnormally after usable output",
				"run", spec.RunID, "error", waitErr, "stderr", snippet(stderr.String()))
			agentRuns.WithLabelValues("dirty_exit").Inc()
			return res, nil
		}
		agentRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("agent exited without output: %w (stderr: %s)",
			waitErr, snippet(stderr.String()))
	}

	agentRuns.WithLabelValues("ok").Inc()
	r.log.Info("agent finished",
		"request", spec.Job.RequestID, "run", spec.RunID,
		"duration", time.Since(started).Round(time.Millisecond),
		"tool_calls", len(res.Telemetry.ToolCalls))
	return res, nil
}

// environ builds the subprocess environment: the worker's own environment,
// the job's public overrides, run-scoped extras and the JINN_* identity
// contract, in ascending precedence.
func (r *Runner) environ(spec RunSpec) []string {
	jc := spec.Job
	tools := spec.Tools
	if tools == nil {
		tools = jc.AvailableTools
	}

	env := os.Environ()
	for name, value := range jc.Environment {
		env = append(env, name+"="+value)
	}
	for name, value := range spec.Extra {
		env = append(env, name+"="+value)
	}
	env = append(env,
		"JINN_JOB_ID="+spec.RunID,
		"JINN_JOB_DEFINITION_ID="+jc.JobDefinitionID,
		"JINN_JOB_NAME="+jc.JobName,
		"JINN_WORKSTREAM_ID="+jc.WorkstreamID,
		"JINN_REQUEST_ID="+jc.RequestID,
		"JINN_MECH_ADDRESS="+jc.Mech,
		"JINN_BASE_BRANCH="+jc.BaseBranch,
		"JINN_BRANCH_NAME="+jc.BranchName,
		"JINN_REQUIRED_TOOLS="+jsonList(jc.RequiredTools),
		"JINN_AVAILABLE_TOOLS="+jsonList(tools),
		"JINN_ALLOWED_MODELS="+jsonList(r.cfg.AllowedModels),
		"JINN_DEFAULT_MODEL="+r.cfg.DefaultModel,
		"JINN_MODEL="+jc.Model,
	)
	return env
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	encoded, _ := json.Marshal(items)
	return string(encoded)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
