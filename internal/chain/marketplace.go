package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Claim marks a request as claimed by this service via the Safe.
func (g *Gateway) Claim(ctx context.Context, safe common.Address, requestID common.Hash) (*types.Receipt, error) {
	data, err := marketplaceABI.Pack("claim", new(big.Int).SetBytes(requestID[:]))
	if err != nil {
		return nil, err
	}
	return g.SubmitViaSafe(ctx, safe, g.cfg.Marketplace, nil, data)
}

// Deliver settles a request with the 32-byte digest of its delivery
// payload.
func (g *Gateway) Deliver(ctx context.Context, safe common.Address, requestID common.Hash, digest [32]byte) (*types.Receipt, error) {
	data, err := marketplaceABI.Pack("deliver", new(big.Int).SetBytes(requestID[:]), digest)
	if err != nil {
		return nil, err
	}
	return g.SubmitViaSafe(ctx, safe, g.cfg.Marketplace, nil, data)
}

// Request posts a new marketplace request pointing at the 32-byte digest
// of its metadata blob and addressed to priorityMech. The assigned request
// id is parsed from the MarketplaceRequest event.
func (g *Gateway) Request(ctx context.Context, safe, priorityMech common.Address, digest [32]byte) (common.Hash, error) {
	data, err := marketplaceABI.Pack("request", digest, priorityMech)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := g.SubmitViaSafe(ctx, safe, g.cfg.Marketplace, nil, data)
	if err != nil {
		return common.Hash{}, err
	}
	id, err := ParseRequestID(receipt, safe)
	if err != nil {
		return common.Hash{}, err
	}
	g.log.Info("request posted", "request", id.Hex(), "mech", priorityMech.Hex(), "tx", receipt.TxHash.Hex())
	return id, nil
}

// ParseRequestID scans receipt logs for the MarketplaceRequest event
// emitted for requester and returns the assigned request id.
func ParseRequestID(receipt *types.Receipt, requester common.Address) (common.Hash, error) {
	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != requestTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()[12:]) != requester {
			continue
		}
		return lg.Topics[2], nil
	}
	return common.Hash{}, faults.New(faults.CodeRPCFailure,
		fmt.Sprintf("no MarketplaceRequest event for %s in tx %s", requester.Hex(), receipt.TxHash.Hex()))
}

// CreateMech deploys a mech for the service through the marketplace and
// returns its address, parsed from the CreateMech event. The payload is
// the abi-encoded request price.
func (g *Gateway) CreateMech(ctx context.Context, safe common.Address, serviceID uint64, factory common.Address, requestPriceWei *big.Int) (common.Address, error) {
	if requestPriceWei == nil {
		requestPriceWei = new(big.Int)
	}

	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return common.Address{}, err
	}
	payload, err := abi.Arguments{{Type: uint256Ty}}.Pack(requestPriceWei)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encode mech payload: %w", err)
	}

	data, err := marketplaceABI.Pack("create", new(big.Int).SetUint64(serviceID), factory, payload)
	if err != nil {
		return common.Address{}, err
	}

	receipt, err := g.SubmitViaSafe(ctx, safe, g.cfg.Marketplace, nil, data)
	if err != nil {
		return common.Address{}, err
	}

	mech, err := ParseCreateMech(receipt, serviceID)
	if err != nil {
		return common.Address{}, err
	}
	g.log.Info("mech created", "mech", mech.Hex(), "service_id", serviceID, "tx", receipt.TxHash.Hex())
	return mech, nil
}

// ParseCreateMech scans receipt logs for the CreateMech event and returns
// the mech address. The event is accepted only when its serviceId matches
// the expected one, guarding against interleaved creations in the same
// block.
func ParseCreateMech(receipt *types.Receipt, serviceID uint64) (common.Address, error) {
	want := new(big.Int).SetUint64(serviceID)

	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 4 || lg.Topics[0] != createMechTopic {
			continue
		}
		gotService := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		if gotService.Cmp(want) != 0 {
			continue
		}
		return common.BytesToAddress(lg.Topics[1].Bytes()[12:]), nil
	}

	return common.Address{}, faults.New(faults.CodeRPCFailure,
		fmt.Sprintf("no CreateMech event for service %d in tx %s", serviceID, receipt.TxHash.Hex()))
}
