package prompt

import (
	"fmt"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

// missionDecomposeThreshold is the mission size above which the strategy
// provider pushes the agent toward delegation.
const missionDecomposeThreshold = 4

// defaultProviders returns the provider chain in its fixed order. Later
// providers see the invariants of earlier ones through Accumulated, so the
// order is part of the contract: strategy needs the mission assembled by
// the job provider before it can size it.
func defaultProviders() []registration {
	return []registration{
		{domain: DomainSystem, enabled: gate(func(cfg Config) bool { return cfg.System }), provide: provideSystem},
		{domain: DomainJob, enabled: always, provide: provideJob},
		{domain: DomainLearning, enabled: gate(func(cfg Config) bool { return cfg.Learning }), provide: provideLearning},
		{domain: DomainCoordination, enabled: gate(func(cfg Config) bool { return cfg.Coordination }), provide: provideCoordination},
		{domain: DomainState, enabled: gate(func(cfg Config) bool { return cfg.State }), provide: provideState},
		{domain: DomainStrategy, enabled: gate(func(cfg Config) bool { return cfg.Strategy }), provide: provideStrategy},
		{domain: DomainRecovery, enabled: recoveryEnabled, provide: provideRecovery},
		{domain: DomainTooling, enabled: toolingEnabled, provide: provideTooling},
		{domain: DomainQuality, enabled: gate(func(cfg Config) bool { return cfg.Quality }), provide: provideQuality},
		{domain: DomainOutput, enabled: outputEnabled, provide: provideOutput},
		{domain: DomainCycle, enabled: cycleEnabled, provide: provideCycle},
	}
}

func always(Config, *job.JobContext) bool { return true }

func gate(pick func(Config) bool) func(Config, *job.JobContext) bool {
	return func(cfg Config, _ *job.JobContext) bool { return pick(cfg) }
}

func hasTool(jc *job.JobContext, name string) bool {
	for _, tool := range jc.AvailableTools {
		if tool == name {
			return true
		}
	}
	return false
}

func provideSystem(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	tools := strings.Join(jc.AvailableTools, ", ")
	if tools == "" {
		tools = "none"
	}
	return []job.Invariant{
		{
			ID:         "SYS-SCOPE",
			Type:       job.InvariantBoolean,
			Condition:  "Use only the declared tools (" + tools + ") and report every failure honestly instead of working around it silently",
			Assessment: "tool calls stay within the declared set and failures appear in the output",
		},
		{
			ID:         "SYS-STATUS",
			Type:       job.InvariantBoolean,
			Condition:  "End the final message with a single line reading 'Status: COMPLETED', 'Status: FAILED', 'Status: DELEGATING' or 'Status: WAITING'",
			Assessment: "the last line of the output parses as a status line",
		},
	}
}

// provideJob contributes the mission itself: the blueprint's invariants
// plus any venture invariants attached at dispatch time.
func provideJob(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	var out []job.Invariant
	if jc.Blueprint != nil {
		out = append(out, jc.Blueprint.Invariants...)
	}
	if jc.Metadata != nil && jc.Metadata.Additional != nil {
		out = append(out, jc.Metadata.Additional.VentureInvariants...)
	}
	return out
}

func provideLearning(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	if !hasTool(jc, "create_artifact") {
		return nil
	}
	return []job.Invariant{{
		ID:         "LEARN-MEMO",
		Type:       job.InvariantBoolean,
		Condition:  "Record any discovery that would change a future run as a MEMORY artifact via create_artifact",
		Assessment: "non-obvious discoveries produce a MEMORY artifact",
	}}
}

func provideCoordination(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	var out []job.Invariant
	if jc.Hierarchy != nil && len(jc.Hierarchy.Children[jc.JobDefinitionID]) > 0 {
		out = append(out, job.Invariant{
			ID:         "COORD-CHILDREN",
			Type:       job.InvariantBoolean,
			Condition:  "Build on the recorded child job outcomes; do not redo work a completed child already delivered",
			Assessment: "the plan accounts for every completed child in the hierarchy section",
		})
	}
	if jc.Metadata != nil && jc.Metadata.VerificationRequired() {
		out = append(out, job.Invariant{
			ID:         "COORD-VERIFY",
			Type:       job.InvariantBoolean,
			Condition:  "This is a verification pass: audit the children's delivered outputs against the mission invariants instead of producing new work",
			Assessment: "every mission invariant is re-measured against the child outputs",
		})
	}
	return out
}

func provideState(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	if len(jc.Measurements) == 0 {
		return nil
	}
	return []job.Invariant{{
		ID:   "STATE-TRUTH",
		Type: job.InvariantBoolean,
		Condition: fmt.Sprintf("Treat the %d recorded measurements as ground truth and re-measure any value a decision depends on",
			len(jc.Measurements)),
		Assessment: "decisions cite current or freshly taken measurements",
	}}
}

// provideStrategy injects the decompose-and-delegate directive when the
// mission is large and nothing has been delegated successfully yet.
func provideStrategy(jc *job.JobContext, acc *Accumulated) []job.Invariant {
	missionCount := acc.MissionCount()
	if missionCount < missionDecomposeThreshold || jc.CompletedChildren() > 0 {
		return nil
	}
	return []job.Invariant{{
		ID:   "STRAT-DECOMPOSE",
		Type: job.InvariantBoolean,
		Condition: fmt.Sprintf("The mission carries %d invariants and no child has completed yet: decompose it into child jobs via dispatch_new_job and keep only integration work in this run",
			missionCount),
		Assessment: "either child jobs were dispatched or the output justifies why a single run suffices",
		Examples: []string{
			"Do: dispatch one child job per separable deliverable, each with its own blueprint",
			"Do: end with 'Status: DELEGATING' once the children are dispatched",
			"Don't: attempt every mission invariant inside this single run",
			"Don't: give several children overlapping blueprints",
		},
	}}
}

func recoveryEnabled(cfg Config, jc *job.JobContext) bool {
	return cfg.Recovery && jc.LoopRecovery() != nil
}

// provideRecovery cites the previous run's terminating loop verbatim so
// the agent can steer away from it.
func provideRecovery(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	recovery := jc.LoopRecovery()
	attempt := recovery.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return []job.Invariant{{
		ID:   "RECOV-LOOP",
		Type: job.InvariantBoolean,
		Condition: fmt.Sprintf("Break the failure loop from the previous run (attempt %d of %d): %s",
			attempt, job.MaxLoopAttempts, recovery.LoopMessage),
		Assessment: "every planned action is checked against the cited failure before it is taken",
	}}
}

func toolingEnabled(cfg Config, jc *job.JobContext) bool {
	return cfg.Tooling && jc.IsCodingJob()
}

func provideTooling(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	return []job.Invariant{{
		ID:   "TOOL-GIT",
		Type: job.InvariantBoolean,
		Condition: fmt.Sprintf("All code changes land on branch %s (based on %s) through ordinary commits; never force-push or rewrite published history",
			jc.BranchName, jc.BaseBranch),
		Assessment: "the working tree is committed to the named branch with no history rewrites",
	}}
}

func provideQuality(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	return []job.Invariant{{
		ID:         "QUAL-GATE",
		Type:       job.InvariantBoolean,
		Condition:  "Measure every mission invariant and report COMPLETED only when all of them pass",
		Assessment: "a measurement exists for each mission invariant id before the status line",
	}}
}

func outputEnabled(cfg Config, jc *job.JobContext) bool {
	return cfg.Output && jc.Metadata != nil && len(jc.Metadata.OutputSchema) > 0
}

func provideOutput(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	return []job.Invariant{{
		ID:         "OUT-SCHEMA",
		Type:       job.InvariantBoolean,
		Condition:  "The final output document parses against the declared output schema",
		Assessment: "the output was validated against the schema before delivery",
	}}
}

func cycleEnabled(cfg Config, jc *job.JobContext) bool {
	if !cfg.Cycle || jc.Metadata == nil {
		return false
	}
	cycle := jc.Metadata.CycleInfo()
	return cycle != nil && cycle.IsCycleRun
}

func provideCycle(jc *job.JobContext, _ *Accumulated) []job.Invariant {
	cycle := jc.Metadata.CycleInfo()
	return []job.Invariant{{
		ID:   "CYCLE-RUN",
		Type: job.InvariantBoolean,
		Condition: fmt.Sprintf("This is recurrence %d of a cyclic job: take fresh measurements and compare them against the previous cycle before acting",
			cycle.CycleNumber),
		Assessment: "the output cites the delta against the previous cycle",
	}}
}
