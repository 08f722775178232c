// Package job holds the worker-side job model: blueprint invariants,
// content-addressed metadata, measurements, the parent/child hierarchy and
// the normalized JobContext handed to the prompt builder. Everything here
// is plain data plus pure validation; I/O lives in the context builder.
package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// InvariantType discriminates the blueprint invariant variants.
type InvariantType string

const (
	InvariantFloor   InvariantType = "FLOOR"
	InvariantCeiling InvariantType = "CEILING"
	InvariantRange   InvariantType = "RANGE"
	InvariantBoolean InvariantType = "BOOLEAN"
)

// Invariant is one tagged blueprint entry. Which fields are meaningful
// depends on Type: FLOOR uses Metric+Min, CEILING uses Metric+Max, RANGE
// uses Metric+Min+Max, BOOLEAN uses Condition. Min and Max are pointers so
// zero bounds survive a round trip.
type Invariant struct {
	ID         string        `json:"id"`
	Type       InvariantType `json:"type"`
	Metric     string        `json:"metric,omitempty"`
	Min        *float64      `json:"min,omitempty"`
	Max        *float64      `json:"max,omitempty"`
	Condition  string        `json:"condition,omitempty"`
	Assessment string        `json:"assessment"`
	Examples   []string      `json:"examples,omitempty"`
}

// Validate checks the per-variant field requirements. Errors cite the
// invariant id so a failed blueprint can be traced back to one entry.
func (inv Invariant) Validate() error {
	if inv.ID == "" {
		return fmt.Errorf("invariant without id")
	}
	switch inv.Type {
	case InvariantFloor:
		if inv.Metric == "" || inv.Min == nil {
			return fmt.Errorf("invariant %s: FLOOR requires metric and min", inv.ID)
		}
	case InvariantCeiling:
		if inv.Metric == "" || inv.Max == nil {
			return fmt.Errorf("invariant %s: CEILING requires metric and max", inv.ID)
		}
	case InvariantRange:
		if inv.Metric == "" || inv.Min == nil || inv.Max == nil {
			return fmt.Errorf("invariant %s: RANGE requires metric, min and max", inv.ID)
		}
		if *inv.Min >= *inv.Max {
			return fmt.Errorf("invariant %s: RANGE min %v must be below max %v", inv.ID, *inv.Min, *inv.Max)
		}
	case InvariantBoolean:
		if inv.Condition == "" {
			return fmt.Errorf("invariant %s: BOOLEAN requires condition", inv.ID)
		}
	default:
		return fmt.Errorf("invariant %s: unknown type %q", inv.ID, inv.Type)
	}
	if inv.Assessment == "" {
		return fmt.Errorf("invariant %s: missing assessment", inv.ID)
	}
	return nil
}

// Prefix returns the namespace before the first dash, e.g. "JOB" for
// "JOB-1".
func (inv Invariant) Prefix() string {
	id, _, _ := strings.Cut(inv.ID, "-")
	return id
}

var missionPrefixes = map[string]struct{}{
	"JOB": {}, "GOAL": {}, "OUT": {}, "STRAT": {}, "VENTURE": {}, "MEAS": {},
}

var systemPrefixes = map[string]struct{}{
	"SYS": {}, "COORD": {}, "STATE": {}, "LEARN": {}, "RECOV": {},
	"TOOL": {}, "QUAL": {}, "CYCLE": {},
}

// IsMission reports whether the invariant belongs to the mission set
// exposed to the agent for measurement. STRAT ids are mission even though
// the strategy provider emits them.
func (inv Invariant) IsMission() bool {
	_, ok := missionPrefixes[inv.Prefix()]
	return ok
}

// IsSystem reports whether the invariant is a directive-only system
// invariant.
func (inv Invariant) IsSystem() bool {
	if inv.IsMission() {
		return false
	}
	_, ok := systemPrefixes[inv.Prefix()]
	return ok
}

// Blueprint is the decoded job specification: a list of tagged invariants
// plus narrative guidance.
type Blueprint struct {
	Invariants []Invariant `json:"invariants"`
	Guidance   string      `json:"guidance,omitempty"`
}

// MissionInvariants returns the invariants handed to the agent as the
// measurement set.
func (b *Blueprint) MissionInvariants() []Invariant {
	var mission []Invariant
	for _, inv := range b.Invariants {
		if inv.IsMission() {
			mission = append(mission, inv)
		}
	}
	return mission
}

// ParseBlueprint decodes and validates a blueprint JSON document. A
// syntactically broken document is MALFORMED_METADATA; a well-formed one
// with invalid invariants is INVALID_BLUEPRINT, with every offending id
// collected into the message.
func ParseBlueprint(raw string) (*Blueprint, error) {
	var bp Blueprint
	if err := json.Unmarshal([]byte(raw), &bp); err != nil {
		return nil, faults.Wrap(faults.CodeMalformedMetadata, "blueprint is not valid JSON", err)
	}

	var problems []string
	for _, inv := range bp.Invariants {
		if err := inv.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, faults.New(faults.CodeInvalidBlueprint, strings.Join(problems, "; "))
	}
	return &bp, nil
}
