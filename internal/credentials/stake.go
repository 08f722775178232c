package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Jinn-Network/jinn-node-sub004/internal/chain"
)

// stakingLookupLimit bounds concurrent staking-state reads during a
// directory refresh.
const stakingLookupLimit = 8

// StakingReader is the chain surface the stake directory needs.
type StakingReader interface {
	GetStakingState(ctx context.Context, serviceID uint64) (uint8, error)
}

// StakeDirectory resolves the currently-staked operator set by crossing
// the broker's operator directory with on-chain staking state. It feeds
// the overlay's admission cache.
type StakeDirectory struct {
	broker *Client
	chain  StakingReader
	log    *slog.Logger
}

// NewStakeDirectory builds a directory over the broker and chain reader.
func NewStakeDirectory(broker *Client, chainReader StakingReader, log *slog.Logger) *StakeDirectory {
	return &StakeDirectory{broker: broker, chain: chainReader, log: log}
}

// StakedOperators returns the addresses of operators whose registered
// service is actively staked. Any lookup failure fails the whole refresh:
// a partial set would evict legitimate peers, and the caller's cache
// serves the previous set on error.
func (d *StakeDirectory) StakedOperators(ctx context.Context) (map[common.Address]struct{}, error) {
	operators, err := d.broker.Operators(ctx)
	if err != nil {
		return nil, fmt.Errorf("operator directory: %w", err)
	}

	var mu sync.Mutex
	staked := make(map[common.Address]struct{})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(stakingLookupLimit)
	for _, op := range operators {
		if op.ServiceID == 0 {
			continue
		}
		if !common.IsHexAddress(op.Address) {
			d.log.Warn("skipping operator with malformed address", "address", op.Address)
			continue
		}
		addr := common.HexToAddress(op.Address)
		serviceID := op.ServiceID
		g.Go(func() error {
			state, err := d.chain.GetStakingState(ctx, serviceID)
			if err != nil {
				return fmt.Errorf("staking state for service %d: %w", serviceID, err)
			}
			if state == chain.StakingStateStaked {
				mu.Lock()
				staked[addr] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.log.Debug("staked operator set refreshed", "operators", len(operators), "staked", len(staked))
	return staked, nil
}
