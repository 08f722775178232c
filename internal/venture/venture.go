// Package venture is the scheduling side of the worker: long-running
// ventures own templates and schedule entries in a relational store, and
// the scheduler turns due entries into on-chain requests. The worker
// runs without it when no database is configured.
package venture

import (
	"time"

	"github.com/google/uuid"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

// Venture is a long-running container for templates, invariants and
// schedules. Its invariants are venture-scoped measurement bounds
// (FLOOR/CEILING/RANGE) injected into every job it dispatches.
type Venture struct {
	ID           uuid.UUID
	Name         string
	WorkstreamID string
	Invariants   []job.Invariant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate rejects ventures whose invariants would poison every dispatch.
func (v *Venture) Validate() error {
	for _, inv := range v.Invariants {
		if err := inv.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Template is a reusable job specification. Blueprint may carry
// {{path}} placeholders resolved against the venture and the schedule
// entry's inputs at dispatch time.
type Template struct {
	ID            uuid.UUID
	VentureID     uuid.UUID
	Name          string
	Blueprint     string
	EnabledTools  []string
	RequiredTools []string
	Model         string
	// Inputs are the template's default substitution inputs; schedule
	// entries override them key by key.
	Inputs    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleEntry makes a template due at points in time. Interval zero
// means one-shot: the entry is disabled after its dispatch.
type ScheduleEntry struct {
	ID         uuid.UUID
	VentureID  uuid.UUID
	TemplateID uuid.UUID
	Interval   time.Duration
	NextDueAt  time.Time
	LastRunAt  *time.Time
	Inputs     map[string]any
	// Deterministic derives the job-definition id from the entry and its
	// due slot, so a re-dispatch of the same slot is idempotent
	// downstream. Off by default; fresh random ids otherwise.
	Deterministic bool
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeterministicJobID derives a stable job-definition id for one due slot
// of one schedule entry.
func DeterministicJobID(entryID uuid.UUID, dueAt time.Time) string {
	return uuid.NewSHA1(entryID, []byte(dueAt.UTC().Format(time.RFC3339))).String()
}
