package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

const (
	defaultReflectionTimeout = 3 * time.Minute
	reflectionFailureLimit   = 10
)

// Reflector runs the post-execution reflection pass: a narrow second agent
// run whose only tool is create_artifact and whose only purpose is an
// optional MEMORY artifact.
type Reflector struct {
	runner  *Runner
	timeout time.Duration
	log     *slog.Logger
}

// NewReflector wraps a runner for reflection runs.
func NewReflector(runner *Runner, timeout time.Duration, log *slog.Logger) *Reflector {
	if timeout <= 0 {
		timeout = defaultReflectionTimeout
	}
	return &Reflector{runner: runner, timeout: timeout, log: log}
}

// Reflect executes the reflection run and returns any MEMORY artifacts it
// produced. It never fails the pipeline: errors are logged and swallowed.
func (r *Reflector) Reflect(ctx context.Context, spec RunSpec, outcome job.Status, res *Result) []ArtifactRef {
	reflection, err := r.runner.Run(ctx, RunSpec{
		RunID:     spec.RunID + "-reflect",
		Prompt:    reflectionPrompt(spec.Job, outcome, res),
		Job:       spec.Job,
		Tools:     []string{ToolCreateArtifact},
		Workspace: spec.Workspace,
		Timeout:   r.timeout,
	})
	if err != nil {
		r.log.Warn("reflection run failed", "request", spec.Job.RequestID, "error", err)
		return nil
	}

	var memories []ArtifactRef
	for _, ref := range ExtractArtifacts(reflection) {
		if ref.Topic == indexer.TopicMemory {
			memories = append(memories, ref)
		}
	}
	return memories
}

func reflectionPrompt(jc *job.JobContext, outcome job.Status, res *Result) string {
	var b strings.Builder
	name := jc.JobName
	if name == "" {
		name = jc.JobDefinitionID
	}
	fmt.Fprintf(&b, "# Reflection on job %s\n", name)
	fmt.Fprintf(&b, "The run for request %s finished with status %s.\n", jc.RequestID, outcome)

	failed := res.FailedToolCalls()
	fmt.Fprintf(&b, "Tool calls: %d total, %d failed.\n", len(res.Telemetry.ToolCalls), len(failed))
	for i, call := range failed {
		if i == reflectionFailureLimit {
			fmt.Fprintf(&b, "- ... and %d more\n", len(failed)-reflectionFailureLimit)
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", call.Tool, call.Error)
	}

	b.WriteString("\nIf this run exposed something a future run should know, emit one MEMORY artifact via create_artifact. Otherwise do nothing and finish.\n")
	return b.String()
}
