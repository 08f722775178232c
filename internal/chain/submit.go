package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// SubmitEOA signs a transaction with the operator key, broadcasts it and
// waits for the receipt plus the configured confirmation depth.
func (g *Gateway) SubmitEOA(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	tx, err := g.buildTx(ctx, to, value, data, 0)
	if err != nil {
		return nil, err
	}
	return g.send(ctx, tx)
}

// buildTx assembles a dynamic-fee transaction. gasLimit zero means
// estimate.
func (g *Gateway) buildTx(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.signer.Address())
	if err != nil {
		return nil, classifyRPC(err)
	}

	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classifyRPC(err)
	}
	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classifyRPC(err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	if gasLimit == 0 {
		gasLimit, err = g.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  g.signer.Address(),
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return nil, classifyRPC(err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(g.signer.ChainID()),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(g.signer.ChainID())), g.signer.ECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// send broadcasts and waits for inclusion.
func (g *Gateway) send(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := g.client.SendTransaction(ctx, tx); err != nil {
		return nil, classifyRPC(err)
	}
	g.log.Debug("transaction submitted", "hash", tx.Hash().Hex(), "nonce", tx.Nonce())

	receipt, err := g.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if err := g.waitConfirmations(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// waitForReceipt polls for a transaction receipt with exponential backoff.
func (g *Gateway) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second

	deadline := time.Now().Add(g.cfg.ReceiptTimeout)
	for time.Now().Before(deadline) {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}

	return nil, &faults.Retryable{Err: faults.New(faults.CodeRPCFailure,
		fmt.Sprintf("timeout waiting for receipt of %s", txHash.Hex()))}
}

// waitConfirmations waits until the receipt's block is buried under the
// configured number of confirmations.
func (g *Gateway) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if g.cfg.Confirmations <= 0 {
		return nil
	}
	target := new(big.Int).Add(receipt.BlockNumber, big.NewInt(int64(g.cfg.Confirmations)))

	for {
		head, err := g.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return classifyRPC(err)
		}
		if head.Number.Cmp(target) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
