// Package chain is the typed gateway to the marketplace, service registry,
// staking and Safe contracts: view reads, EOA submission, and the Safe
// execTransaction flow used for claims, deliveries and mech creation.
package chain

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Jinn-Network/jinn-node-sub004/internal/identity"
)

// RPCClient is the subset of an Ethereum RPC client the gateway needs.
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

type rpcClientWrapper struct {
	*ethclient.Client
}

// Dial connects to an Ethereum RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (RPCClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &rpcClientWrapper{Client: client}, nil
}

// Config holds the contract addresses and submission policy.
type Config struct {
	Marketplace common.Address
	Registry    common.Address
	Staking     common.Address

	// Confirmations to wait after a receipt. Zero means the receipt
	// itself is enough.
	Confirmations int

	// ReceiptTimeout bounds the post-submit receipt poll (default: 5m).
	ReceiptTimeout time.Duration
}

// Gateway exposes the typed chain surface.
type Gateway struct {
	client RPCClient
	signer *identity.Signer
	cfg    Config
	log    *slog.Logger
}

// NewGateway builds the gateway.
func NewGateway(client RPCClient, signer *identity.Signer, cfg Config, log *slog.Logger) *Gateway {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	return &Gateway{client: client, signer: signer, cfg: cfg, log: log}
}

// Close releases the underlying RPC client.
func (g *Gateway) Close() {
	g.client.Close()
}

// Operator returns the address transactions are signed with.
func (g *Gateway) Operator() common.Address {
	return g.signer.Address()
}

// Balance reads the operator's balance.
func (g *Gateway) Balance(ctx context.Context) (*big.Int, error) {
	return g.client.BalanceAt(ctx, g.signer.Address(), nil)
}
