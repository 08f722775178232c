package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Safe call parameters fixed by the delivery flow.
const (
	safeOperationCall uint8  = 0
	safeExecGasLimit  uint64 = 5_000_000
)

// SubmitViaSafe routes a call through the service Safe: simulate the inner
// call, read the Safe nonce, compute and sign the transaction hash
// (eth_sign style), then execute. A reverted execTransaction receipt is a
// terminal fault; the pre-flight simulation catches inner reverts before
// gas is spent.
func (g *Gateway) SubmitViaSafe(ctx context.Context, safe, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}

	if err := g.simulate(ctx, safe, to, value, data); err != nil {
		return nil, err
	}

	nonce, err := g.safeNonce(ctx, safe)
	if err != nil {
		return nil, err
	}

	txHash, err := g.safeTxHash(ctx, safe, to, value, data, nonce)
	if err != nil {
		return nil, err
	}

	signature, err := g.signer.SignSafeHash(txHash)
	if err != nil {
		return nil, err
	}

	execData, err := safeABI.Pack("execTransaction",
		to, value, data, safeOperationCall,
		new(big.Int), new(big.Int), new(big.Int),
		common.Address{}, common.Address{}, signature,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execTransaction: %w", err)
	}

	tx, err := g.buildTx(ctx, safe, nil, execData, safeExecGasLimit)
	if err != nil {
		return nil, err
	}
	receipt, err := g.send(ctx, tx)
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, faults.New(faults.CodeSafeTxRevert,
			fmt.Sprintf("safe execTransaction reverted in tx %s", receipt.TxHash.Hex()))
	}
	return receipt, nil
}

// simulate runs the inner call as the Safe to catch reverts before
// submission.
func (g *Gateway) simulate(ctx context.Context, safe, to common.Address, value *big.Int, data []byte) error {
	_, err := g.client.CallContract(ctx, ethereum.CallMsg{
		From:  safe,
		To:    &to,
		Value: value,
		Data:  data,
	}, nil)
	if err == nil {
		return nil
	}

	if reason, ok := revertReason(err); ok {
		return faults.Wrap(faults.CodeSimRevert,
			fmt.Sprintf("simulation reverted: %s", reason), err)
	}
	return classifyRPC(err)
}

func (g *Gateway) safeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	data, err := safeABI.Pack("nonce")
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, safe, data)
	if err != nil {
		return nil, fmt.Errorf("safe nonce: %w", err)
	}
	values, err := safeABI.Unpack("nonce", out)
	if err != nil || len(values) != 1 {
		return nil, faults.Wrap(faults.CodeRPCFailure, "failed to decode safe nonce", err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, faults.New(faults.CodeRPCFailure, "safe nonce has unexpected type")
	}
	return nonce, nil
}

// safeTxHash asks the Safe for the exact hash its contract logic will
// verify, with gas and refund parameters zeroed.
func (g *Gateway) safeTxHash(ctx context.Context, safe, to common.Address, value *big.Int, data []byte, nonce *big.Int) ([]byte, error) {
	packed, err := safeABI.Pack("getTransactionHash",
		to, value, data, safeOperationCall,
		new(big.Int), new(big.Int), new(big.Int),
		common.Address{}, common.Address{}, nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getTransactionHash: %w", err)
	}
	out, err := g.call(ctx, safe, packed)
	if err != nil {
		return nil, fmt.Errorf("getTransactionHash: %w", err)
	}
	values, err := safeABI.Unpack("getTransactionHash", out)
	if err != nil || len(values) != 1 {
		return nil, faults.Wrap(faults.CodeRPCFailure, "failed to decode getTransactionHash", err)
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return nil, faults.New(faults.CodeRPCFailure, "getTransactionHash has unexpected type")
	}
	return hash[:], nil
}
