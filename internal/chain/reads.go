package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Registry service states. Only deployed services run mechs.
const ServiceStateDeployed uint8 = 4

// StakingStateStaked marks an actively staked service.
const StakingStateStaked uint8 = 1

// ServiceRecord is the registry view of a service.
type ServiceRecord struct {
	Multisig common.Address
	State    uint8
}

func (g *Gateway) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classifyRPC(err)
	}
	return out, nil
}

// GetService reads a service record from the registry.
func (g *Gateway) GetService(ctx context.Context, serviceID uint64) (ServiceRecord, error) {
	data, err := registryABI.Pack("getService", new(big.Int).SetUint64(serviceID))
	if err != nil {
		return ServiceRecord{}, err
	}
	out, err := g.call(ctx, g.cfg.Registry, data)
	if err != nil {
		return ServiceRecord{}, fmt.Errorf("getService(%d): %w", serviceID, err)
	}

	values, err := registryABI.Unpack("getService", out)
	if err != nil {
		return ServiceRecord{}, faults.Wrap(faults.CodeRPCFailure, "failed to decode getService", err)
	}
	if len(values) < 7 {
		return ServiceRecord{}, faults.New(faults.CodeRPCFailure, "getService returned a short tuple")
	}

	multisig, ok := values[1].(common.Address)
	if !ok {
		return ServiceRecord{}, faults.New(faults.CodeRPCFailure, "getService multisig has unexpected type")
	}
	state, ok := values[6].(uint8)
	if !ok {
		return ServiceRecord{}, faults.New(faults.CodeRPCFailure, "getService state has unexpected type")
	}
	return ServiceRecord{Multisig: multisig, State: state}, nil
}

// OwnerOf reads a service owner from the registry.
func (g *Gateway) OwnerOf(ctx context.Context, serviceID uint64) (common.Address, error) {
	data, err := registryABI.Pack("ownerOf", new(big.Int).SetUint64(serviceID))
	if err != nil {
		return common.Address{}, err
	}
	out, err := g.call(ctx, g.cfg.Registry, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("ownerOf(%d): %w", serviceID, err)
	}

	values, err := registryABI.Unpack("ownerOf", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, faults.Wrap(faults.CodeRPCFailure, "failed to decode ownerOf", err)
	}
	owner, _ := values[0].(common.Address)
	return owner, nil
}

// GetStakingState reads the staking state for a service (1 = staked).
func (g *Gateway) GetStakingState(ctx context.Context, serviceID uint64) (uint8, error) {
	data, err := stakingABI.Pack("getStakingState", new(big.Int).SetUint64(serviceID))
	if err != nil {
		return 0, err
	}
	out, err := g.call(ctx, g.cfg.Staking, data)
	if err != nil {
		return 0, fmt.Errorf("getStakingState(%d): %w", serviceID, err)
	}

	values, err := stakingABI.Unpack("getStakingState", out)
	if err != nil || len(values) != 1 {
		return 0, faults.Wrap(faults.CodeRPCFailure, "failed to decode getStakingState", err)
	}
	state, _ := values[0].(uint8)
	return state, nil
}

// GetStakingServiceInfo reads the staked multisig for a service.
func (g *Gateway) GetStakingServiceInfo(ctx context.Context, serviceID uint64) (common.Address, error) {
	data, err := stakingABI.Pack("getServiceInfo", new(big.Int).SetUint64(serviceID))
	if err != nil {
		return common.Address{}, err
	}
	out, err := g.call(ctx, g.cfg.Staking, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("getServiceInfo(%d): %w", serviceID, err)
	}

	values, err := stakingABI.Unpack("getServiceInfo", out)
	if err != nil || len(values) < 1 {
		return common.Address{}, faults.Wrap(faults.CodeRPCFailure, "failed to decode getServiceInfo", err)
	}
	multisig, _ := values[0].(common.Address)
	return multisig, nil
}

// ServiceMultisig resolves the service Safe. A staked service's staking
// record overrides the registry's multisig.
func (g *Gateway) ServiceMultisig(ctx context.Context, serviceID uint64) (common.Address, error) {
	record, err := g.GetService(ctx, serviceID)
	if err != nil {
		return common.Address{}, err
	}
	if record.State != ServiceStateDeployed {
		return common.Address{}, faults.New(faults.CodeNotStaked,
			fmt.Sprintf("service %d is not deployed (state %d)", serviceID, record.State))
	}

	if g.cfg.Staking == (common.Address{}) {
		return record.Multisig, nil
	}

	state, err := g.GetStakingState(ctx, serviceID)
	if err != nil {
		return common.Address{}, err
	}
	if state == StakingStateStaked {
		staked, err := g.GetStakingServiceInfo(ctx, serviceID)
		if err != nil {
			return common.Address{}, err
		}
		if staked != (common.Address{}) {
			return staked, nil
		}
	}
	return record.Multisig, nil
}
