// Package dispatch posts new marketplace requests: the lineage runs the
// worker creates after a delivery (parent verification, cycle recurrence,
// loop recovery) and the venture scheduler's template dispatches. A
// dispatch publishes the composed metadata to the content store and
// submits a request transaction pointing at its digest.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

var dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_dispatches_total",
	Help: "Marketplace request dispatches by kind and outcome.",
}, []string{"kind", "outcome"})

// Publisher writes the metadata blob to the content store.
type Publisher interface {
	PutJSON(ctx context.Context, value any) (string, string, error)
}

// Requester posts the on-chain request through the service Safe.
type Requester interface {
	Request(ctx context.Context, safe, priorityMech common.Address, digest [32]byte) (common.Hash, error)
}

// Dispatcher posts requests addressed to the operator's own mech.
type Dispatcher struct {
	store Publisher
	chain Requester
	safe  common.Address
	mech  common.Address
	log   *slog.Logger
}

// NewDispatcher wires a dispatcher for the given Safe and mech.
func NewDispatcher(store Publisher, chain Requester, safe, mech common.Address, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, chain: chain, safe: safe, mech: mech, log: log}
}

// Dispatch publishes meta and posts a request pointing at it. kind labels
// the dispatch in metrics and logs. Returns the new request id.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, meta *job.Metadata) (string, error) {
	cid, digestHex, err := d.store.PutJSON(ctx, meta)
	if err != nil {
		dispatches.WithLabelValues(kind, "store_error").Inc()
		return "", fmt.Errorf("failed to publish dispatch metadata: %w", err)
	}

	digest, err := contentstore.Digest32(digestHex)
	if err != nil {
		dispatches.WithLabelValues(kind, "store_error").Inc()
		return "", err
	}

	id, err := d.chain.Request(ctx, d.safe, d.mech, digest)
	if err != nil {
		dispatches.WithLabelValues(kind, "chain_error").Inc()
		return "", err
	}

	dispatches.WithLabelValues(kind, "ok").Inc()
	d.log.Info("job dispatched",
		"kind", kind,
		"request", id.Hex(),
		"job", meta.JobDefinitionID,
		"cid", cid,
	)
	return id.Hex(), nil
}

// VerificationRun composes the metadata for a parent verification pass:
// the parent's own job re-run with the verification flag set. Dependencies
// are dropped; the children that would satisfy them have already settled,
// or verification would not be due.
func VerificationRun(parent *job.Metadata) *job.Metadata {
	meta := clone(parent)
	meta.Dependencies = nil
	meta.Additional.VerificationRequired = true
	meta.Additional.LoopRecovery = nil
	meta.Additional.Cycle = nil
	return meta
}

// CycleRun composes the next recurrence of a cyclic job. lastCycle is the
// number of the run that just completed; zero for the first recurrence.
func CycleRun(prev *job.Metadata, lastCycle int) *job.Metadata {
	meta := clone(prev)
	meta.Additional.VerificationRequired = false
	meta.Additional.LoopRecovery = nil
	meta.Additional.Cycle = &job.Cycle{IsCycleRun: true, CycleNumber: lastCycle + 1}
	return meta
}

// RecoveryRun composes a loop-recovery re-dispatch carrying the
// terminating cause. ok is false when the attempt budget is exhausted and
// the job must stay failed.
func RecoveryRun(prev *job.Metadata, loopMessage string) (*job.Metadata, bool) {
	attempt := 1
	if r := prev.LoopRecoveryInfo(); r != nil {
		attempt = r.Attempt + 1
	}
	if attempt > job.MaxLoopAttempts {
		return nil, false
	}
	meta := clone(prev)
	meta.Additional.VerificationRequired = false
	meta.Additional.Cycle = nil
	meta.Additional.LoopRecovery = &job.LoopRecovery{Attempt: attempt, LoopMessage: loopMessage}
	return meta, true
}

// clone copies meta one level deep with a writable Additional. The nested
// documents it keeps (blueprint string, schema, lineage) are never mutated
// by the composers.
func clone(meta *job.Metadata) *job.Metadata {
	out := *meta
	additional := job.AdditionalContext{}
	if meta.Additional != nil {
		additional = *meta.Additional
	}
	out.Additional = &additional
	return &out
}
