// Package claim polls the indexer for unclaimed marketplace requests
// addressed to this operator's mechs, filters them through the stake,
// credential and dependency gates, and claims the best candidate
// on-chain. A successful claim is the worker's lease on the request; the
// request is then handed to the execution pipeline exactly once per
// process.
package claim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/credentials"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var (
	claimTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_claim_ticks_total",
		Help: "Claim loop ticks by outcome.",
	}, []string{"outcome"})

	claimSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_claim_skips_total",
		Help: "Requests passed over during eligibility evaluation, by gate.",
	}, []string{"reason"})

	claimInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinn_claim_in_flight",
		Help: "Requests currently held by the execution pipeline.",
	})
)

const (
	defaultTickInterval = 5 * time.Second
	defaultQueryLimit   = 25
	defaultClaimTimeout = 2 * time.Minute
)

// Directory is the indexer read surface the loop polls.
type Directory interface {
	UnclaimedRequests(ctx context.Context, mechs []string, limit int) ([]indexer.Request, error)
	RequestByID(ctx context.Context, id string) (*indexer.Request, bool, error)
	RequestsByIDs(ctx context.Context, ids []string) ([]indexer.Request, error)
}

// Claimer submits the on-chain claim through the service Safe.
type Claimer interface {
	Claim(ctx context.Context, safe common.Address, requestID common.Hash) (*types.Receipt, error)
}

// StakeGate reports whether an address belongs to a staked participant.
// The overlay's stake cache satisfies this.
type StakeGate interface {
	Admitted(ctx context.Context, addr common.Address) bool
}

// Sink receives each claimed request. Process blocks until the pipeline
// is done with the request; the loop claims nothing new while the
// in-flight cap is reached.
type Sink interface {
	Process(ctx context.Context, req indexer.Request)
}

// Config tunes the loop.
type Config struct {
	// Mechs are the operator's mech addresses; only requests addressed to
	// them are considered.
	Mechs []string
	// Safe is the service multisig the claim transaction goes through.
	Safe common.Address
	// Trusted workers take credential-demanding jobs ahead of open ones.
	Trusted bool

	TickInterval time.Duration
	InFlight     int
	QueryLimit   int
	ClaimTimeout time.Duration
}

// Loop is the single-threaded claim loop. All request bookkeeping (the
// seen set, the provider cache) is touched only from Run's goroutine;
// Stats reads are safe from anywhere.
type Loop struct {
	cfg   Config
	dir   Directory
	chain Claimer
	stake StakeGate
	caps  *credentials.Capabilities
	store job.ContentReader
	sink  Sink
	log   *slog.Logger

	seen      map[string]struct{}
	providers map[string][]string

	wg       sync.WaitGroup
	inFlight atomic.Int64

	ticks     atomic.Uint64
	idleTicks atomic.Uint64
	claims    atomic.Uint64
	lastClaim atomic.Int64
}

// NewLoop wires a claim loop. caps comes from the startup credential
// probe; stake is the shared staking cache.
func NewLoop(cfg Config, dir Directory, chain Claimer, stake StakeGate, caps *credentials.Capabilities, store job.ContentReader, sink Sink, log *slog.Logger) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.InFlight <= 0 {
		cfg.InFlight = 1
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = defaultQueryLimit
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	return &Loop{
		cfg:       cfg,
		dir:       dir,
		chain:     chain,
		stake:     stake,
		caps:      caps,
		store:     store,
		sink:      sink,
		log:       log,
		seen:      make(map[string]struct{}),
		providers: make(map[string][]string),
	}
}

// Run polls until ctx is cancelled, then waits for handed-off requests to
// drain and returns nil. A claim transaction in flight at shutdown runs
// to completion: the submit uses a context detached from ctx, so the
// claim commits or reverts rather than aborting mid-send.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("claim loop started",
		"mechs", len(l.cfg.Mechs),
		"tick", l.cfg.TickInterval,
		"in_flight_cap", l.cfg.InFlight,
		"trusted", l.cfg.Trusted,
	)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("claim loop stopping", "in_flight", l.inFlight.Load())
			l.wg.Wait()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one poll cycle: query, gate, prioritize, claim the head.
func (l *Loop) tick(ctx context.Context) {
	l.ticks.Add(1)

	if int(l.inFlight.Load()) >= l.cfg.InFlight {
		claimTicks.WithLabelValues("busy").Inc()
		return
	}

	requests, err := l.dir.UnclaimedRequests(ctx, l.cfg.Mechs, l.cfg.QueryLimit)
	if err != nil {
		claimTicks.WithLabelValues("error").Inc()
		l.log.Warn("unclaimed request query failed", "error", err)
		return
	}

	eligible := l.evaluate(ctx, requests)
	if len(eligible) == 0 {
		l.idleTicks.Add(1)
		claimTicks.WithLabelValues("idle").Inc()
		return
	}

	l.prioritize(eligible)
	l.claim(ctx, eligible[0].req)
}

// claim acquires the lease on req and hands it to the sink.
func (l *Loop) claim(ctx context.Context, req indexer.Request) {
	// The delivered flag may have flipped since the query; claiming a
	// settled request would burn gas on a guaranteed revert.
	fresh, found, err := l.dir.RequestByID(ctx, req.ID)
	if err != nil {
		claimTicks.WithLabelValues("error").Inc()
		l.log.Warn("pre-claim recheck failed", "request", req.ID, "error", err)
		return
	}
	if !found || fresh.Delivered {
		claimSkips.WithLabelValues(skipDelivered).Inc()
		claimTicks.WithLabelValues("superseded").Inc()
		l.log.Info("request settled elsewhere, skipping", "request", req.ID)
		return
	}

	claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ClaimTimeout)
	defer cancel()
	if _, err := l.chain.Claim(claimCtx, l.cfg.Safe, common.HexToHash(req.ID)); err != nil {
		if faults.IsRetryable(err) {
			claimTicks.WithLabelValues("deferred").Inc()
			l.log.Warn("claim failed, retrying next tick", "request", req.ID, "error", err)
			return
		}
		// A terminal revert means another worker holds the lease; a
		// re-dispatch would arrive under a fresh request id.
		l.seen[req.ID] = struct{}{}
		claimTicks.WithLabelValues("lost").Inc()
		l.log.Warn("claim reverted, abandoning request", "request", req.ID, "error", err)
		return
	}

	l.seen[req.ID] = struct{}{}
	l.claims.Add(1)
	l.lastClaim.Store(time.Now().UnixNano())
	claimTicks.WithLabelValues("claimed").Inc()
	l.log.Info("request claimed", "request", req.ID, "mech", req.Mech)

	l.inFlight.Add(1)
	claimInFlight.Inc()
	l.wg.Add(1)
	go func(handed indexer.Request) {
		defer l.wg.Done()
		defer claimInFlight.Dec()
		defer l.inFlight.Add(-1)
		l.sink.Process(ctx, handed)
	}(*fresh)
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Ticks     uint64
	IdleTicks uint64
	Claims    uint64
	InFlight  int
	LastClaim time.Time
}

// Stats reports loop counters. LastClaim is zero when nothing has been
// claimed this process.
func (l *Loop) Stats() Stats {
	var last time.Time
	if ns := l.lastClaim.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Ticks:     l.ticks.Load(),
		IdleTicks: l.idleTicks.Load(),
		Claims:    l.claims.Load(),
		InFlight:  int(l.inFlight.Load()),
		LastClaim: last,
	}
}
