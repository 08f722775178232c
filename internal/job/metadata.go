package job

import (
	"encoding/json"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// CodeMetadata marks a coding job and names its repository.
type CodeMetadata struct {
	RepositoryURL string `json:"repositoryUrl"`
	BranchName    string `json:"branchName,omitempty"`
	HeadCommit    string `json:"headCommit,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
}

// Lineage links a dispatched child back to the request and branch that
// created it.
type Lineage struct {
	DispatcherRequestID string `json:"dispatcherRequestId,omitempty"`
	DispatcherBranch    string `json:"dispatcherBranch,omitempty"`
}

// MaxLoopAttempts caps loop-recovery re-dispatches: after this many
// attempts a looping job stays FAILED.
const MaxLoopAttempts = 3

// LoopRecovery is set on re-dispatches after a LOOP_TERMINATED failure.
// LoopMessage carries the terminating cause verbatim; Attempt counts from
// 1 and is capped at MaxLoopAttempts by the dispatcher.
type LoopRecovery struct {
	Attempt     int    `json:"attempt,omitempty"`
	LoopMessage string `json:"loopMessage,omitempty"`
}

// Cycle marks a run of a cyclic job definition.
type Cycle struct {
	IsCycleRun  bool `json:"isCycleRun,omitempty"`
	CycleNumber int  `json:"cycleNumber,omitempty"`
}

// AdditionalContext carries dispatch-time annotations that are not part of
// the job definition itself.
type AdditionalContext struct {
	VerificationRequired bool          `json:"verificationRequired,omitempty"`
	Cycle                *Cycle        `json:"cycle,omitempty"`
	LoopRecovery         *LoopRecovery `json:"loopRecovery,omitempty"`
	VentureInvariants    []Invariant   `json:"ventureInvariants,omitempty"`
	Measurements         []Measurement `json:"measurements,omitempty"`
}

// Metadata is the content-addressed job specification a request points at.
// Blueprint holds the invariant document as a JSON string; legacy metadata
// predates blueprints and carries a bare Prompt instead.
type Metadata struct {
	JobDefinitionID string             `json:"jobDefinitionId"`
	JobName         string             `json:"jobName,omitempty"`
	Blueprint       string             `json:"blueprint,omitempty"`
	Prompt          string             `json:"prompt,omitempty"`
	EnabledTools    []string           `json:"enabledTools,omitempty"`
	RequiredTools   []string           `json:"requiredTools,omitempty"`
	SourceRequestID string             `json:"sourceRequestId,omitempty"`
	WorkstreamID    string             `json:"workstreamId,omitempty"`
	CodeMetadata    *CodeMetadata      `json:"codeMetadata,omitempty"`
	Model           string             `json:"model,omitempty"`
	Cyclic          bool               `json:"cyclic,omitempty"`
	OutputSchema    json.RawMessage    `json:"outputSchema,omitempty"`
	VentureID       string             `json:"ventureId,omitempty"`
	TemplateID      string             `json:"templateId,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	Lineage         *Lineage           `json:"lineage,omitempty"`
	Environment     map[string]string  `json:"environment,omitempty"`
	Additional      *AdditionalContext `json:"additionalContext,omitempty"`
}

// ParseMetadata decodes a metadata blob. Broken JSON or a document with
// neither a blueprint nor a legacy prompt is MALFORMED_METADATA.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, faults.Wrap(faults.CodeMalformedMetadata, "metadata is not valid JSON", err)
	}
	if m.Blueprint == "" && m.Prompt == "" {
		return nil, faults.New(faults.CodeMalformedMetadata, "metadata has neither blueprint nor prompt")
	}
	return &m, nil
}

// DecodeBlueprint parses and validates the blueprint document. Legacy
// prompt-only metadata yields a guidance-only blueprint with no
// invariants.
func (m *Metadata) DecodeBlueprint() (*Blueprint, error) {
	if m.Blueprint == "" {
		return &Blueprint{Guidance: m.Prompt}, nil
	}
	return ParseBlueprint(m.Blueprint)
}

// IsCodingJob reports whether the metadata names a repository.
func (m *Metadata) IsCodingJob() bool {
	return m.CodeMetadata != nil && m.CodeMetadata.RepositoryURL != ""
}

// VerificationRequired reports whether this run is a parent verification
// pass.
func (m *Metadata) VerificationRequired() bool {
	return m.Additional != nil && m.Additional.VerificationRequired
}

// LoopRecoveryInfo returns the loop-recovery annotation, or nil.
func (m *Metadata) LoopRecoveryInfo() *LoopRecovery {
	if m.Additional == nil {
		return nil
	}
	return m.Additional.LoopRecovery
}

// CycleInfo returns the cycle annotation, or nil.
func (m *Metadata) CycleInfo() *Cycle {
	if m.Additional == nil {
		return nil
	}
	return m.Additional.Cycle
}
