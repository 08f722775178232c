package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

var domainOrder = []Domain{
	DomainSystem, DomainJob, DomainLearning, DomainCoordination, DomainState,
	DomainStrategy, DomainRecovery, DomainTooling, DomainQuality,
	DomainOutput, DomainCycle,
}

// render lays the prompt out as markdown: header, guidance, the system
// directives, the mission measurement set, the current measurement table,
// the hierarchy summary and the optional output schema.
func render(jc *job.JobContext, acc *Accumulated, mission []job.Invariant) string {
	var b strings.Builder

	name := jc.JobName
	if name == "" {
		name = jc.JobDefinitionID
	}
	fmt.Fprintf(&b, "# Job: %s\n", name)
	fmt.Fprintf(&b, "Request %s on mech %s", jc.RequestID, jc.Mech)
	if jc.WorkstreamID != "" {
		fmt.Fprintf(&b, ", workstream %s", jc.WorkstreamID)
	}
	b.WriteString("\n")

	if jc.Blueprint != nil && strings.TrimSpace(jc.Blueprint.Guidance) != "" {
		b.WriteString("\n## Guidance\n")
		b.WriteString(strings.TrimSpace(jc.Blueprint.Guidance))
		b.WriteString("\n")
	}

	var directives []job.Invariant
	for _, domain := range domainOrder {
		for _, inv := range acc.ByDomain[domain] {
			if !inv.IsMission() {
				directives = append(directives, inv)
			}
		}
	}
	if len(directives) > 0 {
		b.WriteString("\n## Directives\n")
		for _, inv := range directives {
			writeInvariant(&b, inv)
		}
	}

	if len(mission) > 0 {
		b.WriteString("\n## Mission invariants\n")
		b.WriteString("Measure each invariant below and emit one measurement per id.\n")
		for _, inv := range mission {
			writeInvariant(&b, inv)
		}
	}

	if len(jc.Measurements) > 0 {
		b.WriteString("\n## Current measurements\n")
		ids := make([]string, 0, len(jc.Measurements))
		for id := range jc.Measurements {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			m := jc.Measurements[id]
			verdict := "failed"
			if m.Passed {
				verdict = "passed"
			}
			fmt.Fprintf(&b, "- %s: %v (%s, %s)", id, m.Value, verdict,
				time.Unix(m.Timestamp, 0).UTC().Format(time.RFC3339))
			if m.Context != "" {
				fmt.Fprintf(&b, " %s", m.Context)
			}
			b.WriteString("\n")
		}
	}

	if jc.Hierarchy != nil && len(jc.Hierarchy.Nodes) > 0 {
		b.WriteString("\n## Job hierarchy\n")
		b.WriteString(jc.Hierarchy.Summary())
	}

	if jc.Metadata != nil && len(jc.Metadata.OutputSchema) > 0 {
		b.WriteString("\n## Output schema\n```json\n")
		b.Write(jc.Metadata.OutputSchema)
		b.WriteString("\n```\n")
	}

	return b.String()
}

func writeInvariant(b *strings.Builder, inv job.Invariant) {
	fmt.Fprintf(b, "- [%s] %s", inv.ID, describe(inv))
	if inv.Assessment != "" {
		fmt.Fprintf(b, " (assess: %s)", inv.Assessment)
	}
	b.WriteString("\n")
	for _, example := range inv.Examples {
		fmt.Fprintf(b, "  - %s\n", example)
	}
}

// describe renders the measurable bound of an invariant.
func describe(inv job.Invariant) string {
	switch inv.Type {
	case job.InvariantFloor:
		return fmt.Sprintf("%s >= %v", inv.Metric, deref(inv.Min))
	case job.InvariantCeiling:
		return fmt.Sprintf("%s <= %v", inv.Metric, deref(inv.Max))
	case job.InvariantRange:
		return fmt.Sprintf("%v <= %s <= %v", deref(inv.Min), inv.Metric, deref(inv.Max))
	default:
		return inv.Condition
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
