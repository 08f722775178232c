package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Jinn-Network/jinn-node-sub004/internal/dispatch"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

// LineageDirectory is the indexer read surface the lineage pass needs.
type LineageDirectory interface {
	RequestByID(ctx context.Context, id string) (*indexer.Request, bool, error)
	PendingChildren(ctx context.Context, parentRequestID string) ([]indexer.Request, error)
}

// JobDispatcher posts follow-on runs to the marketplace.
type JobDispatcher interface {
	Dispatch(ctx context.Context, kind string, meta *job.Metadata) (string, error)
}

// Lineage runs the follow-up bookkeeping after a settlement: parent
// verification once the last sibling settles, cycle recurrence for
// cyclic definitions, and loop-recovery re-dispatch. Every branch is
// best-effort; a failed dispatch never unsettles the delivery.
type Lineage struct {
	dir      LineageDirectory
	store    job.ContentReader
	dispatch JobDispatcher
	log      *slog.Logger
}

func NewLineage(dir LineageDirectory, store job.ContentReader, dispatch JobDispatcher, log *slog.Logger) *Lineage {
	return &Lineage{dir: dir, store: store, dispatch: dispatch, log: log}
}

// AfterDelivery evaluates the lineage branches for a just-settled
// request. The branches are independent: a failed cyclic job with a
// parent can trigger both a recovery run and a parent verification.
func (l *Lineage) AfterDelivery(ctx context.Context, req indexer.Request, meta *job.Metadata, status job.Status, loopMessage string) {
	l.maybeVerifyParent(ctx, req, meta)
	if status == job.StatusDelegating {
		l.maybeVerifySelf(ctx, req, meta)
	}
	if status == job.StatusCompleted && meta.Cyclic && !meta.VerificationRequired() {
		l.dispatchCycle(ctx, req, meta)
	}
	if status == job.StatusFailed && loopMessage != "" {
		l.dispatchRecovery(ctx, req, meta, loopMessage)
	}
}

// parentOf resolves the settled request's parent id. The indexer row is
// authoritative; older metadata carries the link itself.
func parentOf(req indexer.Request, meta *job.Metadata) string {
	if req.SourceRequestID != "" {
		return req.SourceRequestID
	}
	if meta.SourceRequestID != "" {
		return meta.SourceRequestID
	}
	if meta.Lineage != nil {
		return meta.Lineage.DispatcherRequestID
	}
	return ""
}

// maybeVerifyParent dispatches a verification run of the parent once no
// sibling remains unsettled. The settled request is excluded from the
// pending set because its own delivery may not have reached the indexer
// yet.
func (l *Lineage) maybeVerifyParent(ctx context.Context, req indexer.Request, meta *job.Metadata) {
	parent := parentOf(req, meta)
	if parent == "" {
		return
	}

	pending, err := l.dir.PendingChildren(ctx, parent)
	if err != nil {
		l.log.Warn("pending-children lookup failed", "parent", parent, "error", err)
		return
	}
	for _, child := range pending {
		if child.ID != req.ID {
			l.log.Debug("siblings still pending, no verification",
				"parent", parent, "pending", child.ID)
			return
		}
	}

	row, found, err := l.dir.RequestByID(ctx, parent)
	if err != nil || !found {
		l.log.Warn("parent request not found, skipping verification", "parent", parent, "error", err)
		return
	}
	parentMeta, err := l.loadMetadata(ctx, *row)
	if err != nil {
		l.log.Warn("parent metadata unreadable, skipping verification", "parent", parent, "error", err)
		return
	}

	id, err := l.dispatch.Dispatch(ctx, "verification", dispatch.VerificationRun(parentMeta))
	if err != nil {
		l.log.Warn("verification dispatch failed", "parent", parent, "error", err)
		return
	}
	l.log.Info("parent verification dispatched", "parent", parent, "request", id)
}

// maybeVerifySelf covers the ordering race where every child settled
// before the delegating parent itself did: no child settlement remains
// to trigger the parent branch, so the parent checks its own children
// at settlement time.
func (l *Lineage) maybeVerifySelf(ctx context.Context, req indexer.Request, meta *job.Metadata) {
	pending, err := l.dir.PendingChildren(ctx, req.ID)
	if err != nil {
		l.log.Warn("pending-children lookup failed", "parent", req.ID, "error", err)
		return
	}
	if len(pending) > 0 {
		return
	}

	id, err := l.dispatch.Dispatch(ctx, "verification", dispatch.VerificationRun(meta))
	if err != nil {
		l.log.Warn("self verification dispatch failed", "request", req.ID, "error", err)
		return
	}
	l.log.Info("self verification dispatched", "verified", req.ID, "request", id)
}

func (l *Lineage) dispatchCycle(ctx context.Context, req indexer.Request, meta *job.Metadata) {
	last := 0
	if cycle := meta.CycleInfo(); cycle != nil {
		last = cycle.CycleNumber
	}
	id, err := l.dispatch.Dispatch(ctx, "cycle", dispatch.CycleRun(meta, last))
	if err != nil {
		l.log.Warn("cycle dispatch failed", "request", req.ID, "error", err)
		return
	}
	l.log.Info("cycle run dispatched", "previous", req.ID, "request", id, "cycle", last+1)
}

func (l *Lineage) dispatchRecovery(ctx context.Context, req indexer.Request, meta *job.Metadata, loopMessage string) {
	recovery, ok := dispatch.RecoveryRun(meta, loopMessage)
	if !ok {
		l.log.Warn("loop recovery budget exhausted",
			"request", req.ID, "attempts", job.MaxLoopAttempts)
		return
	}
	id, err := l.dispatch.Dispatch(ctx, "loop-recovery", recovery)
	if err != nil {
		l.log.Warn("loop recovery dispatch failed", "request", req.ID, "error", err)
		return
	}
	l.log.Info("loop recovery dispatched",
		"failed", req.ID, "request", id, "attempt", recovery.LoopRecoveryInfo().Attempt)
}

func (l *Lineage) loadMetadata(ctx context.Context, req indexer.Request) (*job.Metadata, error) {
	data, err := job.FetchMetadata(ctx, l.store, req)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("metadata blob %s not resolvable", req.IPFSHash)
	}
	return job.ParseMetadata(data)
}
