package job

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

const measurementLimit = 50

// JobContext is the normalized input to the prompt builder: identifiers,
// decoded metadata, the walked hierarchy, the folded measurement table and
// the resolved tool and branch policy.
type JobContext struct {
	RequestID       string
	Mech            string
	JobDefinitionID string
	JobName         string
	WorkstreamID    string

	Metadata     *Metadata
	Blueprint    *Blueprint
	Hierarchy    *Hierarchy
	Measurements map[string]Measurement

	BranchName     string
	BaseBranch     string
	RequiredTools  []string
	AvailableTools []string
	Environment    map[string]string
	Model          string
}

// IsCodingJob reports whether the job carries code metadata.
func (c *JobContext) IsCodingJob() bool {
	return c.Metadata != nil && c.Metadata.IsCodingJob()
}

// CompletedChildren counts this job's successfully finished children.
func (c *JobContext) CompletedChildren() int {
	if c.Hierarchy == nil {
		return 0
	}
	return c.Hierarchy.CompletedChildren(c.JobDefinitionID)
}

// LoopRecovery returns the loop-recovery annotation, or nil.
func (c *JobContext) LoopRecovery() *LoopRecovery {
	if c.Metadata == nil {
		return nil
	}
	return c.Metadata.LoopRecoveryInfo()
}

// BuilderConfig tunes the context builder.
type BuilderConfig struct {
	// MaxDepth bounds the hierarchy walk.
	MaxDepth int
	// ToolRegistry is the set of tools this worker's agent can run.
	ToolRegistry []string
	// AllowedModels restricts the metadata model hint; empty allows any.
	AllowedModels []string
	// DefaultModel is used when the hint is absent or not allowed.
	DefaultModel string
}

// Builder resolves a claimed request into a JobContext.
type Builder struct {
	dir      Directory
	store    ContentReader
	walker   *HierarchyWalker
	cfg      BuilderConfig
	registry map[string]struct{}
	log      *slog.Logger
}

// NewBuilder wires a context builder over the indexer and content store.
func NewBuilder(dir Directory, store ContentReader, cfg BuilderConfig, log *slog.Logger) *Builder {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	registry := make(map[string]struct{}, len(cfg.ToolRegistry))
	for _, tool := range cfg.ToolRegistry {
		registry[tool] = struct{}{}
	}
	return &Builder{
		dir:      dir,
		store:    store,
		walker:   NewHierarchyWalker(dir, store, cfg.MaxDepth, log),
		cfg:      cfg,
		registry: registry,
		log:      log,
	}
}

// Build fetches and validates the request's metadata, walks the
// hierarchy, folds measurements and resolves tool, model and branch
// policy. Terminal faults carry the request id.
func (b *Builder) Build(ctx context.Context, req indexer.Request) (*JobContext, error) {
	raw, err := FetchMetadata(ctx, b.store, req)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// The blob may still be propagating through the network.
		return nil, &faults.Retryable{Err: faults.New(faults.CodeRPCFailure,
			"metadata not yet resolvable: "+req.IPFSHash).WithRequest(req.ID)}
	}

	meta, err := ParseMetadata(raw)
	if err != nil {
		return nil, annotate(err, req.ID)
	}
	blueprint, err := meta.DecodeBlueprint()
	if err != nil {
		return nil, annotate(err, req.ID)
	}

	required, available, err := b.resolveTools(meta)
	if err != nil {
		return nil, annotate(err, req.ID)
	}

	jobDefinitionID := meta.JobDefinitionID
	if jobDefinitionID == "" {
		jobDefinitionID = req.JobDefinitionID
	}
	workstreamID := meta.WorkstreamID
	if workstreamID == "" {
		workstreamID = req.WorkstreamID
	}

	hierarchy, err := b.walker.Walk(ctx, jobDefinitionID)
	if err != nil {
		return nil, err
	}

	measurements := b.foldMeasurements(ctx, workstreamID, meta)

	branch, base := b.resolveBranches(jobDefinitionID, meta)

	return &JobContext{
		RequestID:       req.ID,
		Mech:            req.Mech,
		JobDefinitionID: jobDefinitionID,
		JobName:         meta.JobName,
		WorkstreamID:    workstreamID,
		Metadata:        meta,
		Blueprint:       blueprint,
		Hierarchy:       hierarchy,
		Measurements:    measurements,
		BranchName:      branch,
		BaseBranch:      base,
		RequiredTools:   required,
		AvailableTools:  available,
		Environment:     publicEnvironment(meta.Environment),
		Model:           b.resolveModel(meta.Model),
	}, nil
}

// FetchMetadata resolves a request's content pointer. A bare 32-byte
// digest goes through the legacy resolver; anything else is treated as a
// CID. Returns (nil, nil) when the blob is not resolvable anywhere yet.
func FetchMetadata(ctx context.Context, store ContentReader, req indexer.Request) ([]byte, error) {
	opts := contentstore.GetOptions{RequestID: req.ID}
	ref := strings.TrimPrefix(req.IPFSHash, "0x")
	if isHexDigest(ref) {
		return store.GetLegacy(ctx, ref, opts)
	}
	return store.Get(ctx, req.IPFSHash, opts)
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// resolveTools derives the effective policy: required tools must all be in
// the worker's registry, optional tools outside the registry are dropped.
func (b *Builder) resolveTools(meta *Metadata) (required, available []string, err error) {
	var missing []string
	for _, tool := range meta.RequiredTools {
		if _, ok := b.registry[tool]; !ok {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return nil, nil, faults.New(faults.CodeToolUnavailable,
			"required tools not in worker registry: "+strings.Join(missing, ", "))
	}

	seen := make(map[string]struct{})
	add := func(tool string) {
		if _, dup := seen[tool]; dup {
			return
		}
		if _, ok := b.registry[tool]; !ok {
			return
		}
		seen[tool] = struct{}{}
		available = append(available, tool)
	}
	for _, tool := range meta.RequiredTools {
		add(tool)
	}
	for _, tool := range meta.EnabledTools {
		add(tool)
	}
	return meta.RequiredTools, available, nil
}

// foldMeasurements merges dispatch-time measurements with the latest
// MEASUREMENT artifacts of the workstream. Failures only log; a missing
// measurement table degrades the prompt, not the job.
func (b *Builder) foldMeasurements(ctx context.Context, workstreamID string, meta *Metadata) map[string]Measurement {
	var history []Measurement
	if meta.Additional != nil {
		history = append(history, meta.Additional.Measurements...)
	}

	if workstreamID != "" {
		artifacts, err := b.dir.MeasurementArtifacts(ctx, workstreamID, measurementLimit)
		if err != nil {
			b.log.Warn("measurement artifacts unreachable", "workstream", workstreamID, "error", err)
		}
		for _, artifact := range artifacts {
			data, err := b.store.Get(ctx, artifact.CID, contentstore.GetOptions{})
			if err != nil || data == nil {
				continue
			}
			var m Measurement
			if err := json.Unmarshal(data, &m); err != nil {
				b.log.Debug("skipping undecodable measurement", "cid", artifact.CID, "error", err)
				continue
			}
			if m.Timestamp == 0 {
				m.Timestamp = artifact.CreatedAt
			}
			history = append(history, m)
		}
	}

	return FoldMeasurements(history)
}

func (b *Builder) resolveModel(hint string) string {
	if hint == "" {
		return b.cfg.DefaultModel
	}
	if len(b.cfg.AllowedModels) == 0 {
		return hint
	}
	for _, allowed := range b.cfg.AllowedModels {
		if hint == allowed {
			return hint
		}
	}
	b.log.Warn("model hint not allowed, using default", "hint", hint, "default", b.cfg.DefaultModel)
	return b.cfg.DefaultModel
}

// resolveBranches picks the working branch and its base for coding jobs.
func (b *Builder) resolveBranches(jobDefinitionID string, meta *Metadata) (branch, base string) {
	if !meta.IsCodingJob() {
		return "", ""
	}
	branch = meta.CodeMetadata.BranchName
	if branch == "" {
		branch = DeriveBranchName(jobDefinitionID, meta.JobName)
	}
	base = meta.CodeMetadata.BaseBranch
	if base == "" && meta.Lineage != nil {
		base = meta.Lineage.DispatcherBranch
	}
	if base == "" {
		base = "main"
	}
	return branch, base
}

// DeriveBranchName builds the canonical job/<jobDefinitionId>[-<slug>]
// branch.
func DeriveBranchName(jobDefinitionID, jobName string) string {
	branch := "job/" + jobDefinitionID
	if slug := slugify(jobName); slug != "" {
		branch += "-" + slug
	}
	return branch
}

const maxSlugLen = 24

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// publicEnvironment filters dispatch-supplied environment overrides down
// to names that cannot smuggle secrets into the agent's environment.
func publicEnvironment(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	blocked := []string{"SECRET", "TOKEN", "PASSWORD", "PRIVATE", "CREDENTIAL", "KEY"}
	public := make(map[string]string, len(env))
	for name, value := range env {
		upper := strings.ToUpper(name)
		safe := true
		for _, marker := range blocked {
			if strings.Contains(upper, marker) {
				safe = false
				break
			}
		}
		if safe {
			public[name] = value
		}
	}
	if len(public) == 0 {
		return nil
	}
	return public
}

func annotate(err error, requestID string) error {
	var f *faults.Fault
	if errors.As(err, &f) {
		return f.WithRequest(requestID)
	}
	return err
}
