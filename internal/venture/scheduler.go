package venture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

var scheduleDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_venture_dispatches_total",
	Help: "Schedule entry dispatches by outcome.",
}, []string{"outcome"})

const (
	defaultTickInterval     = time.Minute
	defaultBatchSize        = 10
	defaultMeasurementLimit = 20
)

// EntryStore is the slice of the venture store the scheduler reads and
// advances.
type EntryStore interface {
	DueScheduleEntries(ctx context.Context, now time.Time, limit int) ([]ScheduleEntry, error)
	TemplateByID(ctx context.Context, id uuid.UUID) (*Template, error)
	VentureByID(ctx context.Context, id uuid.UUID) (*Venture, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, ranAt, nextDue time.Time, keepEnabled bool) error
}

// MeasurementSource lists the newest measurement artifact pointers of a
// workstream.
type MeasurementSource interface {
	MeasurementArtifacts(ctx context.Context, workstreamID string, limit int) ([]indexer.Artifact, error)
}

// BlobReader resolves artifact content.
type BlobReader interface {
	Get(ctx context.Context, ref string, opts contentstore.GetOptions) ([]byte, error)
}

// Dispatcher posts the composed metadata as an on-chain request.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, meta *job.Metadata) (string, error)
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	TickInterval time.Duration
	// BatchSize caps the entries dispatched per tick.
	BatchSize int
	// MeasurementLimit bounds the measurement history folded into each
	// dispatch's additional context.
	MeasurementLimit int
}

func (c *SchedulerConfig) fill() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MeasurementLimit <= 0 {
		c.MeasurementLimit = defaultMeasurementLimit
	}
}

// Scheduler turns due schedule entries into marketplace requests.
type Scheduler struct {
	cfg      SchedulerConfig
	store    EntryStore
	dir      MeasurementSource
	blobs    BlobReader
	dispatch Dispatcher
	log      *slog.Logger
	now      func() time.Time
}

// NewScheduler wires a scheduler. dir and blobs may be nil; dispatches
// then carry no measurement history.
func NewScheduler(cfg SchedulerConfig, store EntryStore, dir MeasurementSource, blobs BlobReader, dispatch Dispatcher, log *slog.Logger) *Scheduler {
	cfg.fill()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		dir:      dir,
		blobs:    blobs,
		dispatch: dispatch,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, then returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("venture scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("venture scheduler stopping")
			return nil
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue dispatches every currently due entry, up to the batch size, and
// returns how many went out.
func (s *Scheduler) RunDue(ctx context.Context) int {
	entries, err := s.store.DueScheduleEntries(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("due schedule lookup failed", "error", err)
		return 0
	}

	dispatched := 0
	for _, entry := range entries {
		if err := s.dispatchEntry(ctx, entry); err != nil {
			scheduleDispatches.WithLabelValues("error").Inc()
			s.log.Error("schedule entry dispatch failed", "entry", entry.ID, "error", err)
			continue
		}
		scheduleDispatches.WithLabelValues("ok").Inc()
		dispatched++
	}
	return dispatched
}

func (s *Scheduler) dispatchEntry(ctx context.Context, entry ScheduleEntry) error {
	tpl, err := s.store.TemplateByID(ctx, entry.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template %s: %w", entry.TemplateID, err)
	}
	if tpl == nil {
		return fmt.Errorf("schedule entry %s references missing template %s", entry.ID, entry.TemplateID)
	}
	v, err := s.store.VentureByID(ctx, entry.VentureID)
	if err != nil {
		return fmt.Errorf("failed to load venture %s: %w", entry.VentureID, err)
	}
	if v == nil {
		return fmt.Errorf("schedule entry %s references missing venture %s", entry.ID, entry.VentureID)
	}

	meta := s.compose(ctx, v, tpl, entry)
	requestID, err := s.dispatch.Dispatch(ctx, "venture", meta)
	if err != nil {
		return err
	}

	ranAt := s.now()
	if err := s.store.MarkDispatched(ctx, entry.ID, ranAt, ranAt.Add(entry.Interval), entry.Interval > 0); err != nil {
		// The dispatch is on chain; a bookkeeping miss means the entry
		// fires again next tick and dedup falls to deterministic ids.
		s.log.Warn("schedule bookkeeping failed", "entry", entry.ID, "error", err)
	}

	s.log.Info("venture job dispatched",
		"venture", v.Name,
		"template", tpl.Name,
		"entry", entry.ID,
		"request", requestID,
	)
	return nil
}

// compose builds the dispatch metadata: the template blueprint with
// placeholders substituted, and an additional context carrying the
// venture's invariants plus the workstream's latest measurements.
func (s *Scheduler) compose(ctx context.Context, v *Venture, tpl *Template, entry ScheduleEntry) *job.Metadata {
	inputs := make(map[string]any, len(tpl.Inputs)+len(entry.Inputs))
	for key, value := range tpl.Inputs {
		inputs[key] = value
	}
	for key, value := range entry.Inputs {
		inputs[key] = value
	}

	doc := map[string]any{
		"venture": map[string]any{
			"id":         v.ID.String(),
			"name":       v.Name,
			"workstream": v.WorkstreamID,
		},
		"inputs": inputs,
	}

	defID := uuid.NewString()
	if entry.Deterministic {
		defID = DeterministicJobID(entry.ID, entry.NextDueAt)
	}

	return &job.Metadata{
		JobDefinitionID: defID,
		JobName:         tpl.Name,
		Blueprint:       SubstituteBlueprint(tpl.Blueprint, doc),
		EnabledTools:    tpl.EnabledTools,
		RequiredTools:   tpl.RequiredTools,
		Model:           tpl.Model,
		WorkstreamID:    v.WorkstreamID,
		VentureID:       v.ID.String(),
		TemplateID:      tpl.ID.String(),
		Additional: &job.AdditionalContext{
			VentureInvariants: v.Invariants,
			Measurements:      s.lastMeasurements(ctx, v.WorkstreamID),
		},
	}
}

// lastMeasurements folds the workstream's newest measurement artifacts to
// one entry per invariant. Failures only log; a dispatch without history
// is still a valid dispatch.
func (s *Scheduler) lastMeasurements(ctx context.Context, workstreamID string) []job.Measurement {
	if workstreamID == "" || s.dir == nil || s.blobs == nil {
		return nil
	}
	artifacts, err := s.dir.MeasurementArtifacts(ctx, workstreamID, s.cfg.MeasurementLimit)
	if err != nil {
		s.log.Warn("measurement artifacts unreachable", "workstream", workstreamID, "error", err)
		return nil
	}

	var history []job.Measurement
	for _, artifact := range artifacts {
		data, err := s.blobs.Get(ctx, artifact.CID, contentstore.GetOptions{})
		if err != nil || data == nil {
			continue
		}
		var m job.Measurement
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Debug("skipping undecodable measurement", "cid", artifact.CID, "error", err)
			continue
		}
		if m.Timestamp == 0 {
			m.Timestamp = artifact.CreatedAt
		}
		history = append(history, m)
	}

	folded := job.FoldMeasurements(history)
	if len(folded) == 0 {
		return nil
	}
	out := make([]job.Measurement, 0, len(folded))
	for _, m := range folded {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvariantID < out[j].InvariantID })
	return out
}
