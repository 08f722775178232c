package claim

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Jinn-Network/jinn-node-sub004/internal/credentials"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

// Skip reasons surfaced through jinn_claim_skips_total.
const (
	skipSeen         = "seen"
	skipStake        = "stake"
	skipCredentials  = "credentials"
	skipDependencies = "dependencies"
	skipMetadata     = "metadata"
	skipDelivered    = "delivered"
)

// candidate is an eligible request with its derived credential demand.
type candidate struct {
	req       indexer.Request
	providers []string
}

// evaluate applies the gates in order: already handed off, requester
// staked, credentials held, dependencies settled. Requests failing a gate
// are skipped for this tick only; the seen set is the one permanent
// exclusion.
func (l *Loop) evaluate(ctx context.Context, requests []indexer.Request) []candidate {
	var eligible []candidate
	for _, req := range requests {
		if _, done := l.seen[req.ID]; done {
			claimSkips.WithLabelValues(skipSeen).Inc()
			continue
		}
		if !l.stake.Admitted(ctx, common.HexToAddress(req.Requester)) {
			claimSkips.WithLabelValues(skipStake).Inc()
			l.log.Debug("requester not staked", "request", req.ID, "requester", req.Requester)
			continue
		}
		providers, ok := l.requiredProviders(ctx, req)
		if !ok {
			claimSkips.WithLabelValues(skipMetadata).Inc()
			continue
		}
		if !l.caps.HasAll(providers) {
			claimSkips.WithLabelValues(skipCredentials).Inc()
			l.log.Debug("missing credential providers", "request", req.ID, "required", providers)
			continue
		}
		ready, err := l.dependenciesDelivered(ctx, req)
		if err != nil {
			l.log.Warn("dependency check failed", "request", req.ID, "error", err)
			continue
		}
		if !ready {
			claimSkips.WithLabelValues(skipDependencies).Inc()
			l.log.Debug("dependencies not settled", "request", req.ID, "dependencies", len(req.Dependencies))
			continue
		}
		eligible = append(eligible, candidate{req: req, providers: providers})
	}
	return eligible
}

// requiredProviders derives the credential demand from the request's
// enabled-tools list. Metadata is content-addressed, so the result is
// cached per request id. Metadata that is not resolvable yet defers the
// request to a later tick; malformed metadata yields an empty demand so
// the pipeline can claim the request and settle it FAILED instead of the
// loop re-reading it forever.
func (l *Loop) requiredProviders(ctx context.Context, req indexer.Request) ([]string, bool) {
	if cached, ok := l.providers[req.ID]; ok {
		return cached, true
	}

	raw, err := job.FetchMetadata(ctx, l.store, req)
	if err != nil {
		l.log.Debug("metadata fetch failed", "request", req.ID, "error", err)
		return nil, false
	}
	if raw == nil {
		// The blob may still be propagating through the network.
		return nil, false
	}

	meta, err := job.ParseMetadata(raw)
	if err != nil {
		l.log.Warn("metadata malformed, claiming for failure settlement", "request", req.ID, "error", err)
		l.providers[req.ID] = nil
		return nil, true
	}

	tools := make([]string, 0, len(meta.RequiredTools)+len(meta.EnabledTools))
	tools = append(tools, meta.RequiredTools...)
	tools = append(tools, meta.EnabledTools...)
	providers := credentials.RequiredProviders(tools)
	l.providers[req.ID] = providers
	return providers, true
}

// dependenciesDelivered reports whether every dependency request has
// settled. Dependencies missing from the indexer count as unsettled.
func (l *Loop) dependenciesDelivered(ctx context.Context, req indexer.Request) (bool, error) {
	if len(req.Dependencies) == 0 {
		return true, nil
	}
	rows, err := l.dir.RequestsByIDs(ctx, req.Dependencies)
	if err != nil {
		return false, err
	}
	delivered := make(map[string]bool, len(rows))
	for _, row := range rows {
		delivered[row.ID] = row.Delivered
	}
	for _, id := range req.Dependencies {
		if !delivered[id] {
			return false, nil
		}
	}
	return true, nil
}

// prioritize orders eligible work: on trusted workers credential-demanding
// jobs go first (untrusted peers cannot take them at all), then oldest
// first. The indexer already returns rows in block-timestamp order; the
// stable sort keeps that as the tiebreak.
func (l *Loop) prioritize(eligible []candidate) {
	sort.SliceStable(eligible, func(i, j int) bool {
		if l.cfg.Trusted {
			di := len(eligible[i].providers) > 0
			dj := len(eligible[j].providers) > 0
			if di != dj {
				return di
			}
		}
		return eligible[i].req.BlockTimestamp < eligible[j].req.BlockTimestamp
	})
}
