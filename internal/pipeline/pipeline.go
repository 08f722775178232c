// Package pipeline drives a claimed request through the execution state
// machine: context build, prompt composition, agent run, status
// inference, artifact extraction, optional reflection, and settlement.
// Stages are strictly ordered per request; concurrency across requests
// is the claim loop's concern.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"

	"github.com/Jinn-Network/jinn-node-sub004/internal/agent"
	"github.com/Jinn-Network/jinn-node-sub004/internal/credentials"
	"github.com/Jinn-Network/jinn-node-sub004/internal/delivery"
	"github.com/Jinn-Network/jinn-node-sub004/internal/gitops"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/ulid"
	"github.com/Jinn-Network/jinn-node-sub004/internal/prompt"
)

var (
	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_pipeline_runs_total",
		Help: "Pipeline runs by settled status.",
	}, []string{"status"})

	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jinn_pipeline_stage_seconds",
		Help:    "Time spent per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
	}, []string{"stage"})

	dependencyWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jinn_pipeline_dependency_waits_total",
		Help: "Requeue cycles spent waiting on unsettled dependencies.",
	})
)

// State tracks a request through the machine. States are logged, not
// persisted: a worker restart abandons in-flight runs and the on-chain
// claim stays visible until someone delivers.
type State string

const (
	StateClaimed            State = "CLAIMED"
	StateContextBuilt       State = "CONTEXT_BUILT"
	StatePromptBuilt        State = "PROMPT_BUILT"
	StateExecuting          State = "EXECUTING"
	StateReflecting         State = "REFLECTING"
	StateArtifactsExtracted State = "ARTIFACTS_EXTRACTED"
	StateWaiting            State = "WAITING"
	StateDelivered          State = "DELIVERED"
	StateFailed             State = "FAILED"
)

const (
	defaultRequestTimeout = 45 * time.Minute
	defaultWaitDelay      = 30 * time.Second
	defaultMaxWaitCycles  = 20
)

// ContextBuilder resolves a claimed request into a normalized job context.
type ContextBuilder interface {
	Build(ctx context.Context, req indexer.Request) (*job.JobContext, error)
}

// PromptBuilder composes the agent prompt from the job context.
type PromptBuilder interface {
	Build(jc *job.JobContext) (*prompt.Prompt, error)
}

// AgentRunner executes the agent subprocess.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.RunSpec) (*agent.Result, error)
}

// MemoryReflector runs the post-execution reflection pass.
type MemoryReflector interface {
	Reflect(ctx context.Context, spec agent.RunSpec, outcome job.Status, res *agent.Result) []agent.ArtifactRef
}

// Settler writes and settles the delivery payload.
type Settler interface {
	Settle(ctx context.Context, payload *delivery.Payload) (string, error)
}

// LineageRunner schedules post-settlement follow-ups.
type LineageRunner interface {
	AfterDelivery(ctx context.Context, req indexer.Request, meta *job.Metadata, status job.Status, loopMessage string)
}

// Directory is the indexer read surface for dependency and child checks.
type Directory interface {
	RequestsByIDs(ctx context.Context, ids []string) ([]indexer.Request, error)
}

// ArtifactWriter persists extracted artifact pointers.
type ArtifactWriter interface {
	CreateArtifact(ctx context.Context, input indexer.ArtifactInput) (string, error)
}

// TokenBroker resolves short-lived credential tokens per provider.
type TokenBroker interface {
	TokenSource(provider string) oauth2.TokenSource
}

// CodeWorkspace is the git sub-pipeline for coding jobs. Reserve holds
// the repository checkout for the whole prepare-edit-push span.
type CodeWorkspace interface {
	Reserve(ctx context.Context, repoURL string) (func(), error)
	Prepare(ctx context.Context, repoURL, branch, base string) (string, error)
	CommitAll(ctx context.Context, dir, summary string) (bool, error)
	Push(ctx context.Context, dir, repoURL, branch string) (gitops.PushResult, error)
}

// Config tunes the pipeline.
type Config struct {
	// RequestTimeout bounds one request end to end. The budget runs on a
	// context detached from the claim loop's, so shutdown lets in-flight
	// runs settle.
	RequestTimeout time.Duration
	// WaitDelay and MaxWaitCycles bound the WAITING requeue loop for
	// dependencies that were settled at claim time but not at build time.
	WaitDelay     time.Duration
	MaxWaitCycles int
}

func (c *Config) fill() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	if c.MaxWaitCycles <= 0 {
		c.MaxWaitCycles = defaultMaxWaitCycles
	}
}

// Deps are the pipeline's collaborators. Reflector, Artifacts, Broker
// and Workspace are optional; nil disables the concern.
type Deps struct {
	Contexts  ContextBuilder
	Prompts   PromptBuilder
	Runner    AgentRunner
	Reflector MemoryReflector
	Settler   Settler
	Lineage   LineageRunner
	Directory Directory
	Artifacts ArtifactWriter
	Broker    TokenBroker
	Workspace CodeWorkspace
}

// Pipeline is the per-request execution machine. One Process call per
// request id per process; the claim loop enforces that.
type Pipeline struct {
	cfg       Config
	contexts  ContextBuilder
	prompts   PromptBuilder
	runner    AgentRunner
	reflector MemoryReflector
	settler   Settler
	lineage   LineageRunner
	dir       Directory
	artifacts ArtifactWriter
	broker    TokenBroker
	git       CodeWorkspace
	log       *slog.Logger

	mu      sync.Mutex
	settled map[string]string

	processed    atomic.Uint64
	failed       atomic.Uint64
	totalExecMS  atomic.Int64
	lastActivity atomic.Int64
}

// New wires a pipeline.
func New(cfg Config, deps Deps, log *slog.Logger) *Pipeline {
	cfg.fill()
	return &Pipeline{
		cfg:       cfg,
		contexts:  deps.Contexts,
		prompts:   deps.Prompts,
		runner:    deps.Runner,
		reflector: deps.Reflector,
		settler:   deps.Settler,
		lineage:   deps.Lineage,
		dir:       deps.Directory,
		artifacts: deps.Artifacts,
		broker:    deps.Broker,
		git:       deps.Workspace,
		settled:   make(map[string]string),
		log:       log,
	}
}

// run carries one attempt's accumulated state across stages.
type run struct {
	req     indexer.Request
	id      string
	started time.Time
	jc      *job.JobContext
	res     *agent.Result
	log     *slog.Logger
}

// Process drives one claimed request to settlement and returns when the
// request has settled or its budget expired. It is the claim loop's
// sink: the work context is detached from the caller's so a shutdown
// signal stops new claims while in-flight runs finish.
func (p *Pipeline) Process(ctx context.Context, req indexer.Request) {
	if digest, done := p.settledDigest(req.ID); done {
		p.log.Info("request already settled by this process, skipping",
			"request", req.ID, "digest", digest)
		return
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
	defer cancel()

	for cycle := 0; ; cycle++ {
		state := p.runOnce(runCtx, req)
		if state != StateWaiting {
			return
		}
		if cycle+1 >= p.cfg.MaxWaitCycles {
			r := &run{req: req, id: ulid.New(), started: time.Now(),
				log: p.log.With("request", req.ID)}
			p.fail(runCtx, r, faults.New(faults.CodeDependencyWait,
				fmt.Sprintf("dependencies unsettled after %d requeue cycles", cycle+1)).
				WithRequest(req.ID).WithStage("context"), "")
			return
		}
		dependencyWaits.Inc()
		select {
		case <-runCtx.Done():
			p.log.Warn("request budget expired while waiting on dependencies", "request", req.ID)
			return
		case <-time.After(p.cfg.WaitDelay):
		}
	}
}

func (p *Pipeline) runOnce(ctx context.Context, req indexer.Request) State {
	r := &run{req: req, id: ulid.New(), started: time.Now()}
	r.log = p.log.With("request", req.ID, "run", r.id)
	r.log.Info("pipeline run started", "state", StateClaimed, "mech", req.Mech)

	buildStart := time.Now()
	jc, err := p.contexts.Build(ctx, req)
	stageSeconds.WithLabelValues("context").Observe(time.Since(buildStart).Seconds())
	if err != nil {
		if faults.IsRetryable(err) {
			r.log.Warn("context build deferred", "state", StateWaiting, "error", err)
			return StateWaiting
		}
		return p.fail(ctx, r, err, "")
	}
	r.jc = jc

	// The claim gate checked the indexer row's dependency list; the
	// metadata may carry ids the row did not.
	if pending := p.unsettledDependencies(ctx, jc.Metadata.Dependencies, r.log); len(pending) > 0 {
		r.log.Info("dependencies unsettled, requeueing",
			"state", StateWaiting, "pending", strings.Join(pending, ","))
		return StateWaiting
	}
	r.log.Debug("context built", "state", StateContextBuilt,
		"workstream", jc.WorkstreamID, "coding", jc.IsCodingJob())

	pr, err := p.prompts.Build(jc)
	if err != nil {
		return p.fail(ctx, r, err, "")
	}
	r.log.Debug("prompt composed", "state", StatePromptBuilt,
		"invariants", len(pr.Invariants), "mission", len(pr.Mission))

	var workdir string
	if jc.IsCodingJob() {
		if p.git == nil {
			return p.fail(ctx, r, faults.New(faults.CodeToolUnavailable,
				"coding job on a worker without a git workspace").WithRequest(req.ID), "")
		}
		// The checkout stays reserved through the agent run and push:
		// another run switching branches under the agent corrupts both.
		release, rerr := p.git.Reserve(ctx, jc.Metadata.CodeMetadata.RepositoryURL)
		if rerr != nil {
			return p.fail(ctx, r, rerr, "")
		}
		defer release()
		workdir, err = p.git.Prepare(ctx, jc.Metadata.CodeMetadata.RepositoryURL, jc.BranchName, jc.BaseBranch)
		if err != nil {
			return p.fail(ctx, r, err, "")
		}
	}

	r.log.Info("agent executing", "state", StateExecuting,
		"model", jc.Model, "tools", len(jc.AvailableTools))
	spec := agent.RunSpec{
		RunID:     r.id,
		Prompt:    pr.Text,
		Job:       jc,
		Extra:     p.credentialEnv(jc, r.log),
		Workspace: workdir,
	}
	execStart := time.Now()
	res, err := p.runner.Run(ctx, spec)
	stageSeconds.WithLabelValues("execute").Observe(time.Since(execStart).Seconds())
	if res == nil {
		res = &agent.Result{}
	}
	r.res = res
	if err != nil {
		return p.fail(ctx, r, err, "")
	}
	if msg, terminated := res.LoopTerminated(); terminated {
		return p.fail(ctx, r, faults.New(faults.CodeLoopTerminated, msg).
			WithRequest(req.ID).WithStage("execute"), msg)
	}

	status, message := p.inferStatus(ctx, res, r.log)

	var prURL string
	if workdir != "" && status != job.StatusFailed {
		prURL, err = p.publishCode(ctx, workdir, jc, res, r.log)
		if err != nil {
			return p.fail(ctx, r, err, "")
		}
	}

	var memories []agent.ArtifactRef
	if p.reflector != nil {
		r.log.Debug("reflecting on run", "state", StateReflecting)
		memories = p.reflector.Reflect(ctx, spec, status, res)
	}

	refs := append(agent.ExtractArtifacts(res), memories...)
	p.persistArtifacts(ctx, req, jc, refs, r.log)
	r.log.Debug("artifacts extracted", "state", StateArtifactsExtracted, "count", len(refs))

	payload := &delivery.Payload{
		RequestID:         req.ID,
		WorkstreamID:      jc.WorkstreamID,
		Status:            status,
		Message:           message,
		Output:            res.Output,
		StructuredSummary: string(res.StructuredSummary),
		Model:             jc.Model,
		Telemetry:         res.Telemetry,
		Artifacts:         refs,
		PullRequestURL:    prURL,
		DurationMS:        time.Since(r.started).Milliseconds(),
	}
	digest, err := p.settler.Settle(ctx, payload)
	if err != nil {
		r.log.Error("delivery failed", "error", err)
		pipelineRuns.WithLabelValues("undelivered").Inc()
		p.failed.Add(1)
		return StateFailed
	}
	p.markSettled(req.ID, digest)
	p.finishRun(status, r.started)
	r.log.Info("request delivered", "state", StateDelivered, "status", status,
		"duration", time.Since(r.started).Round(time.Millisecond))

	p.lineage.AfterDelivery(ctx, req, jc.Metadata, status, "")
	return StateDelivered
}

// fail writes the FAILED delivery so the requester sees a terminal state
// on chain even when the pipeline never reached the agent. Diagnostic
// output and artifacts from a partial run ride along.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error, loopMessage string) State {
	code := faults.CodeOf(cause)
	r.log.Error("pipeline run failed", "state", StateFailed, "fault", code, "error", cause)

	payload := &delivery.Payload{
		RequestID:  r.req.ID,
		Status:     job.StatusFailed,
		Message:    cause.Error(),
		FaultCode:  string(code),
		DurationMS: time.Since(r.started).Milliseconds(),
	}
	meta := &job.Metadata{}
	if r.jc != nil {
		payload.WorkstreamID = r.jc.WorkstreamID
		payload.Model = r.jc.Model
		meta = r.jc.Metadata
	}
	if r.res != nil {
		payload.Output = r.res.Output
		payload.StructuredSummary = string(r.res.StructuredSummary)
		payload.Telemetry = r.res.Telemetry
		payload.Artifacts = agent.ExtractArtifacts(r.res)
	}

	// When the run died on its own budget, the failure settlement still
	// has to go out; give it a fresh window.
	settleCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 3*time.Minute)
		defer cancel()
	}

	digest, err := p.settler.Settle(settleCtx, payload)
	if err != nil {
		r.log.Error("failure delivery could not settle", "error", err)
		pipelineRuns.WithLabelValues("undelivered").Inc()
		p.failed.Add(1)
		return StateFailed
	}
	p.markSettled(r.req.ID, digest)
	p.finishRun(job.StatusFailed, r.started)
	p.lineage.AfterDelivery(settleCtx, r.req, meta, job.StatusFailed, loopMessage)
	return StateFailed
}

// inferStatus applies the precedence: agent-declared status first, then
// the semantic output scan, then child-state aggregation, defaulting to
// COMPLETED.
func (p *Pipeline) inferStatus(ctx context.Context, res *agent.Result, log *slog.Logger) (job.Status, string) {
	if status, message, ok := agent.ExplicitStatus(res); ok {
		return status, message
	}

	children := agent.DispatchedChildIDs(res)
	if len(children) == 0 {
		return job.StatusCompleted, ""
	}
	delegating := fmt.Sprintf("dispatched %d child jobs", len(children))

	rows, err := p.dir.RequestsByIDs(ctx, children)
	if err != nil {
		log.Warn("child state lookup failed, assuming incomplete", "error", err)
		return job.StatusDelegating, delegating
	}
	delivered := make(map[string]bool, len(rows))
	for _, row := range rows {
		delivered[row.ID] = row.Delivered
	}
	for _, id := range children {
		if !delivered[id] {
			return job.StatusDelegating, delegating
		}
	}
	return job.StatusCompleted, ""
}

// unsettledDependencies returns the dependency ids not yet delivered. A
// lookup failure counts everything as unsettled; the requeue loop will
// ask again.
func (p *Pipeline) unsettledDependencies(ctx context.Context, deps []string, log *slog.Logger) []string {
	if len(deps) == 0 {
		return nil
	}
	rows, err := p.dir.RequestsByIDs(ctx, deps)
	if err != nil {
		log.Warn("dependency lookup failed", "error", err)
		return deps
	}
	delivered := make(map[string]bool, len(rows))
	for _, row := range rows {
		delivered[row.ID] = row.Delivered
	}
	var pending []string
	for _, id := range deps {
		if !delivered[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// credentialEnv resolves short-lived tokens for every provider the job's
// tools demand. Failures are logged and skipped: the claim gate already
// verified the worker holds the provider, so a broken fetch surfaces as
// a failing tool call instead of a dead run.
func (p *Pipeline) credentialEnv(jc *job.JobContext, log *slog.Logger) map[string]string {
	if p.broker == nil {
		return nil
	}
	tools := make([]string, 0, len(jc.RequiredTools)+len(jc.AvailableTools))
	tools = append(tools, jc.RequiredTools...)
	tools = append(tools, jc.AvailableTools...)
	providers := credentials.RequiredProviders(tools)
	if len(providers) == 0 {
		return nil
	}

	env := make(map[string]string, len(providers))
	for _, provider := range providers {
		name, ok := credentials.EnvName(provider)
		if !ok {
			continue
		}
		token, err := p.broker.TokenSource(provider).Token()
		if err != nil {
			log.Warn("credential token unavailable", "provider", provider, "error", err)
			continue
		}
		env[name] = token.AccessToken
	}
	return env
}

// publishCode commits and pushes whatever the agent changed and returns
// the pull-request URL for the delivery payload.
func (p *Pipeline) publishCode(ctx context.Context, dir string, jc *job.JobContext, res *agent.Result, log *slog.Logger) (string, error) {
	committed, err := p.git.CommitAll(ctx, dir, res.Output)
	if err != nil {
		return "", err
	}
	if !committed {
		log.Debug("worktree clean, nothing to push")
		return agentPullRequestURL(res), nil
	}
	push, err := p.git.Push(ctx, dir, jc.Metadata.CodeMetadata.RepositoryURL, jc.BranchName)
	if err != nil {
		return "", err
	}
	if url := agentPullRequestURL(res); url != "" {
		return url, nil
	}
	return push.CompareURL, nil
}

// agentPullRequestURL pulls the PR link out of a successful
// create_pull_request tool call, preferring the browser URL.
func agentPullRequestURL(res *agent.Result) string {
	for _, call := range res.Telemetry.ToolCalls {
		if call.Tool != agent.ToolCreatePullRequest || !call.Success || len(call.Result) == 0 {
			continue
		}
		var payload struct {
			URL     string `json:"url"`
			HTMLURL string `json:"html_url"`
		}
		if err := json.Unmarshal(call.Result, &payload); err != nil {
			continue
		}
		if payload.HTMLURL != "" {
			return payload.HTMLURL
		}
		if payload.URL != "" {
			return payload.URL
		}
	}
	return ""
}

// persistArtifacts records extracted artifact pointers with the indexer.
// Failures only log: losing a pointer degrades discoverability, not the
// delivery, which carries the refs itself.
func (p *Pipeline) persistArtifacts(ctx context.Context, req indexer.Request, jc *job.JobContext, refs []agent.ArtifactRef, log *slog.Logger) {
	if p.artifacts == nil {
		return
	}
	for _, ref := range refs {
		_, err := p.artifacts.CreateArtifact(ctx, indexer.ArtifactInput{
			CID:          ref.CID,
			Topic:        ref.Topic,
			Name:         ref.Name,
			ArtifactType: ref.Type,
			Tags:         ref.Tags,
			RequestID:    req.ID,
			WorkstreamID: jc.WorkstreamID,
		})
		if err != nil {
			log.Warn("artifact persistence failed", "cid", ref.CID, "topic", ref.Topic, "error", err)
		}
	}
}

func (p *Pipeline) markSettled(requestID, digest string) {
	p.mu.Lock()
	p.settled[requestID] = digest
	p.mu.Unlock()
}

func (p *Pipeline) settledDigest(requestID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	digest, ok := p.settled[requestID]
	return digest, ok
}

func (p *Pipeline) finishRun(status job.Status, started time.Time) {
	pipelineRuns.WithLabelValues(string(status)).Inc()
	p.processed.Add(1)
	if status == job.StatusFailed {
		p.failed.Add(1)
	}
	p.totalExecMS.Add(time.Since(started).Milliseconds())
	p.lastActivity.Store(time.Now().Unix())
}

// Stats is the health endpoint's view of the pipeline.
type Stats struct {
	// Processed counts settled requests, failures included.
	Processed uint64
	Failed    uint64
	// TotalExecMS is cumulative wall time across settled runs.
	TotalExecMS int64
	// LastFinish is the unix time of the most recent settlement.
	LastFinish int64
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		TotalExecMS: p.totalExecMS.Load(),
		LastFinish:  p.lastActivity.Load(),
	}
}
