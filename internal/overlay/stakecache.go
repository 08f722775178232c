package overlay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stakeRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_overlay_stake_refreshes_total",
	Help: "Staking set refreshes by outcome.",
}, []string{"outcome"})

// StakeSource produces the current set of staked operator addresses.
type StakeSource interface {
	StakedOperators(ctx context.Context) (map[common.Address]struct{}, error)
}

// StakeCache caches the staked operator set with a refresh TTL. Refresh
// failures serve the previous set; a failure before the first successful
// refresh admits everyone so a cold-starting network cannot lock itself
// out.
type StakeCache struct {
	source StakeSource
	ttl    time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	set       map[common.Address]struct{}
	fetchedAt time.Time
	primed    bool
	now       func() time.Time
}

// NewStakeCache builds a cache over source with the standard 5 minute TTL.
func NewStakeCache(source StakeSource, log *slog.Logger) *StakeCache {
	return &StakeCache{
		source: source,
		ttl:    5 * time.Minute,
		log:    log,
		now:    time.Now,
	}
}

// Admitted reports whether addr is currently staked. The staking set is
// refreshed at most once per TTL; refreshes are serialized under the lock.
func (c *StakeCache) Admitted(ctx context.Context, addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed || c.now().Sub(c.fetchedAt) > c.ttl {
		set, err := c.source.StakedOperators(ctx)
		switch {
		case err == nil:
			c.set = set
			c.fetchedAt = c.now()
			c.primed = true
			stakeRefreshes.WithLabelValues("ok").Inc()
		case c.primed:
			// Fail static: keep serving the previous set.
			stakeRefreshes.WithLabelValues("stale").Inc()
			c.log.Warn("staking set refresh failed, serving cached set",
				"age", c.now().Sub(c.fetchedAt),
				"error", err,
			)
			c.fetchedAt = c.now() // back off a full TTL before retrying
		default:
			// Fail open: no set has ever been fetched. Denying here
			// would lock a cold-starting network out entirely.
			stakeRefreshes.WithLabelValues("cold_start_open").Inc()
			c.log.Error("staking set unavailable on first fetch, admitting all peers",
				"error", err,
			)
			return true
		}
	}

	_, ok := c.set[addr]
	return ok
}

// Primed reports whether at least one refresh has succeeded.
func (c *StakeCache) Primed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primed
}
