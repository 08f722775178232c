// Package prompt assembles the agent prompt from an ordered chain of
// invariant providers. Each provider is a pure function of the job
// context and the invariants accumulated so far; providers are gated by a
// static configuration record and their output is type-validated before
// rendering.
package prompt

import (
	"log/slog"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Domain names the provider that contributed an invariant.
type Domain string

const (
	DomainSystem       Domain = "system"
	DomainJob          Domain = "job"
	DomainLearning     Domain = "learning"
	DomainCoordination Domain = "coordination"
	DomainState        Domain = "state"
	DomainStrategy     Domain = "strategy"
	DomainRecovery     Domain = "recovery"
	DomainTooling      Domain = "tooling"
	DomainQuality      Domain = "quality"
	DomainOutput       Domain = "output"
	DomainCycle        Domain = "cycle"
)

// Config gates the optional providers. The job provider is always on:
// without the blueprint's own invariants there is no mission.
type Config struct {
	System       bool
	Learning     bool
	Coordination bool
	State        bool
	Strategy     bool
	Recovery     bool
	Tooling      bool
	Quality      bool
	Output       bool
	Cycle        bool
}

// DefaultConfig enables every provider.
func DefaultConfig() Config {
	return Config{
		System:       true,
		Learning:     true,
		Coordination: true,
		State:        true,
		Strategy:     true,
		Recovery:     true,
		Tooling:      true,
		Quality:      true,
		Output:       true,
		Cycle:        true,
	}
}

// Accumulated is the invariant context visible to later providers.
type Accumulated struct {
	Invariants []job.Invariant
	ByDomain   map[Domain][]job.Invariant
}

// MissionCount counts accumulated mission invariants.
func (a *Accumulated) MissionCount() int {
	count := 0
	for _, inv := range a.Invariants {
		if inv.IsMission() {
			count++
		}
	}
	return count
}

type provideFunc func(jc *job.JobContext, acc *Accumulated) []job.Invariant

type registration struct {
	domain  Domain
	enabled func(cfg Config, jc *job.JobContext) bool
	provide provideFunc
}

// Prompt is the composed agent input.
type Prompt struct {
	// Text is the rendered prompt handed to the agent.
	Text string
	// Invariants is everything the providers emitted, in provider order.
	Invariants []job.Invariant
	// Mission is the measurement set exposed to the agent.
	Mission []job.Invariant
}

// Builder runs the provider chain.
type Builder struct {
	cfg       Config
	providers []registration
	log       *slog.Logger
}

// NewBuilder registers the providers in their fixed dependency order.
func NewBuilder(cfg Config, log *slog.Logger) *Builder {
	return &Builder{
		cfg:       cfg,
		providers: defaultProviders(),
		log:       log,
	}
}

// Build runs enabled providers in order, validates every emitted
// invariant and renders the prompt. Any invalid invariant fails the whole
// build with INVALID_BLUEPRINT, all problems aggregated.
func (b *Builder) Build(jc *job.JobContext) (*Prompt, error) {
	acc := &Accumulated{ByDomain: make(map[Domain][]job.Invariant)}

	for _, p := range b.providers {
		if !p.enabled(b.cfg, jc) {
			continue
		}
		emitted := p.provide(jc, acc)
		if len(emitted) == 0 {
			continue
		}
		acc.Invariants = append(acc.Invariants, emitted...)
		acc.ByDomain[p.domain] = append(acc.ByDomain[p.domain], emitted...)
	}

	var problems []string
	for _, inv := range acc.Invariants {
		if err := inv.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, faults.New(faults.CodeInvalidBlueprint, strings.Join(problems, "; ")).
			WithRequest(jc.RequestID).WithStage("prompt")
	}

	var mission []job.Invariant
	for _, inv := range acc.Invariants {
		if inv.IsMission() {
			mission = append(mission, inv)
		}
	}
	b.log.Debug("prompt composed",
		"request", jc.RequestID, "invariants", len(acc.Invariants), "mission", len(mission))

	return &Prompt{
		Text:       render(jc, acc, mission),
		Invariants: acc.Invariants,
		Mission:    mission,
	}, nil
}
