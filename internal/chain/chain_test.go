package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/identity"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// MockRPCClient implements RPCClient for testing.
type MockRPCClient struct {
	mock.Mock
}

func (m *MockRPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockRPCClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	args := m.Called(ctx, account, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockRPCClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, call)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRPCClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, call, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockRPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

func (m *MockRPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Header), args.Error(1)
}

func (m *MockRPCClient) Close() {}

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var (
	safeAddr    = common.HexToAddress("0x5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe")
	marketplace = common.HexToAddress("0x4554fE75c1f5576c1d7F765B2A036c199Adae329")
	registry    = common.HexToAddress("0x9338b5153AE39BB89f50468E608eD9d764B755fD")
	staking     = common.HexToAddress("0x998dEFafD094817EF329f6dc79c703f1CF18bC90")
)

func testGateway(t *testing.T, client RPCClient, cfg Config) *Gateway {
	t.Helper()
	key, err := identity.ParseHexKey(testKeyHex)
	require.NoError(t, err)
	signer := identity.NewSigner(key, 100)
	if cfg.Marketplace == (common.Address{}) {
		cfg.Marketplace = marketplace
	}
	if cfg.Registry == (common.Address{}) {
		cfg.Registry = registry
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGateway(client, signer, cfg, log)
}

func packOutputs(t *testing.T, parsed string, method string, vals ...interface{}) []byte {
	t.Helper()
	var out []byte
	var err error
	switch parsed {
	case "safe":
		out, err = safeABI.Methods[method].Outputs.Pack(vals...)
	case "registry":
		out, err = registryABI.Methods[method].Outputs.Pack(vals...)
	case "staking":
		out, err = stakingABI.Methods[method].Outputs.Pack(vals...)
	}
	require.NoError(t, err)
	return out
}

func TestParseCreateMech(t *testing.T) {
	mechAddr := common.HexToAddress("0x00000000000000000000000000000000000000AA")

	makeLog := func(mechAddr common.Address, serviceID uint64) *types.Log {
		return &types.Log{
			Topics: []common.Hash{
				createMechTopic,
				common.BytesToHash(mechAddr.Bytes()),
				common.BigToHash(new(big.Int).SetUint64(serviceID)),
				common.BytesToHash(common.HexToAddress("0xFA").Bytes()),
			},
		}
	}

	t.Run("matching service id", func(t *testing.T) {
		receipt := &types.Receipt{Logs: []*types.Log{makeLog(mechAddr, 42)}}
		got, err := ParseCreateMech(receipt, 42)
		require.NoError(t, err)
		assert.Equal(t, mechAddr, got)
	})

	t.Run("foreign service id skipped", func(t *testing.T) {
		other := common.HexToAddress("0x00000000000000000000000000000000000000BB")
		receipt := &types.Receipt{Logs: []*types.Log{
			makeLog(other, 7),
			makeLog(mechAddr, 42),
		}}
		got, err := ParseCreateMech(receipt, 42)
		require.NoError(t, err)
		assert.Equal(t, mechAddr, got)
	})

	t.Run("missing event", func(t *testing.T) {
		receipt := &types.Receipt{Logs: nil, TxHash: common.HexToHash("0x1")}
		_, err := ParseCreateMech(receipt, 42)
		require.Error(t, err)
		assert.Equal(t, faults.CodeRPCFailure, faults.CodeOf(err))
	})
}

func TestParseRequestID(t *testing.T) {
	requester := common.HexToAddress("0x00000000000000000000000000000000000000AB")
	wantID := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000fe")

	makeLog := func(from common.Address, id common.Hash) *types.Log {
		return &types.Log{
			Topics: []common.Hash{
				requestTopic,
				common.BytesToHash(from.Bytes()),
				id,
			},
		}
	}

	t.Run("matching requester", func(t *testing.T) {
		receipt := &types.Receipt{Logs: []*types.Log{makeLog(requester, wantID)}}
		got, err := ParseRequestID(receipt, requester)
		require.NoError(t, err)
		assert.Equal(t, wantID, got)
	})

	t.Run("foreign requester skipped", func(t *testing.T) {
		other := common.HexToAddress("0x00000000000000000000000000000000000000CD")
		receipt := &types.Receipt{Logs: []*types.Log{
			makeLog(other, common.HexToHash("0x01")),
			makeLog(requester, wantID),
		}}
		got, err := ParseRequestID(receipt, requester)
		require.NoError(t, err)
		assert.Equal(t, wantID, got)
	})

	t.Run("missing event", func(t *testing.T) {
		receipt := &types.Receipt{Logs: nil, TxHash: common.HexToHash("0x2")}
		_, err := ParseRequestID(receipt, requester)
		require.Error(t, err)
		assert.Equal(t, faults.CodeRPCFailure, faults.CodeOf(err))
	})
}

func TestClassifyRPC(t *testing.T) {
	t.Run("insufficient funds is terminal", func(t *testing.T) {
		err := classifyRPC(errors.New("insufficient funds for gas * price + value"))
		assert.Equal(t, faults.CodeInsufficientFunds, faults.CodeOf(err))
		assert.False(t, faults.IsRetryable(err))
	})

	t.Run("revert is terminal", func(t *testing.T) {
		err := classifyRPC(errors.New("execution reverted"))
		assert.Equal(t, faults.CodeSimRevert, faults.CodeOf(err))
		assert.False(t, faults.IsRetryable(err))
	})

	t.Run("transport errors retry", func(t *testing.T) {
		err := classifyRPC(errors.New("connection refused"))
		assert.Equal(t, faults.CodeRPCFailure, faults.CodeOf(err))
		assert.True(t, faults.IsRetryable(err))
	})

	t.Run("context cancellation passes through", func(t *testing.T) {
		err := classifyRPC(context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetService(t *testing.T) {
	client := new(MockRPCClient)
	gw := testGateway(t, client, Config{})

	multisig := common.HexToAddress("0x00000000000000000000000000000000000000CC")
	out := packOutputs(t, "registry", "getService",
		big.NewInt(0), multisig, [32]byte{}, uint32(1), uint32(4), uint32(4), uint8(4), []uint32{14},
	)
	client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).Return(out, nil).Once()

	record, err := gw.GetService(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, multisig, record.Multisig)
	assert.Equal(t, ServiceStateDeployed, record.State)
	client.AssertExpectations(t)
}

func TestServiceMultisigStakingOverride(t *testing.T) {
	registryMultisig := common.HexToAddress("0x00000000000000000000000000000000000000C1")
	stakedMultisig := common.HexToAddress("0x00000000000000000000000000000000000000C2")

	t.Run("staked service uses staking multisig", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{Staking: staking})

		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "registry", "getService",
				big.NewInt(0), registryMultisig, [32]byte{}, uint32(1), uint32(4), uint32(4), uint8(4), []uint32{14}), nil).Once()
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "staking", "getStakingState", uint8(1)), nil).Once()
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "staking", "getServiceInfo",
				stakedMultisig, common.Address{}, big.NewInt(0), big.NewInt(0)), nil).Once()

		got, err := gw.ServiceMultisig(context.Background(), 14)
		require.NoError(t, err)
		assert.Equal(t, stakedMultisig, got)
	})

	t.Run("unstaked service keeps registry multisig", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{Staking: staking})

		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "registry", "getService",
				big.NewInt(0), registryMultisig, [32]byte{}, uint32(1), uint32(4), uint32(4), uint8(4), []uint32{14}), nil).Once()
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "staking", "getStakingState", uint8(0)), nil).Once()

		got, err := gw.ServiceMultisig(context.Background(), 14)
		require.NoError(t, err)
		assert.Equal(t, registryMultisig, got)
	})

	t.Run("undeployed service fails", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{Staking: staking})

		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "registry", "getService",
				big.NewInt(0), registryMultisig, [32]byte{}, uint32(1), uint32(4), uint32(4), uint8(2), []uint32{14}), nil).Once()

		_, err := gw.ServiceMultisig(context.Background(), 14)
		require.Error(t, err)
		assert.Equal(t, faults.CodeNotStaked, faults.CodeOf(err))
	})
}

func TestSubmitViaSafe(t *testing.T) {
	innerData := []byte{0xde, 0xad, 0xbe, 0xef}
	safeTxHash := [32]byte{1, 2, 3}

	setupHappyCalls := func(client *MockRPCClient) {
		// simulation
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).Return([]byte{}, nil).Once()
		// safe nonce
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "safe", "nonce", big.NewInt(7)), nil).Once()
		// getTransactionHash
		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(packOutputs(t, "safe", "getTransactionHash", safeTxHash), nil).Once()

		client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(3), nil)
		client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(1_000_000_000), nil)
		client.On("HeaderByNumber", mock.Anything, mock.Anything).
			Return(&types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(2_000_000_000)}, nil)
	}

	t.Run("happy path executes with fixed gas and eth_sign signature", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{})
		setupHappyCalls(client)

		var sent *types.Transaction
		client.On("SendTransaction", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(1).(*types.Transaction) }).
			Return(nil).Once()
		client.On("TransactionReceipt", mock.Anything, mock.Anything).
			Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101)}, nil).Once()

		receipt, err := gw.SubmitViaSafe(context.Background(), safeAddr, marketplace, nil, innerData)
		require.NoError(t, err)
		require.NotNil(t, receipt)

		require.NotNil(t, sent)
		assert.Equal(t, safeAddr, *sent.To())
		assert.Equal(t, uint64(5_000_000), sent.Gas())

		method := safeABI.Methods["execTransaction"]
		require.Equal(t, method.ID, sent.Data()[:4])
		values, err := method.Inputs.Unpack(sent.Data()[4:])
		require.NoError(t, err)

		assert.Equal(t, marketplace, values[0].(common.Address))
		assert.Equal(t, innerData, values[2].([]byte))

		signature := values[9].([]byte)
		require.Len(t, signature, 65)
		assert.Contains(t, []byte{31, 32}, signature[64], "eth_sign approvals carry v+4")

		client.AssertExpectations(t)
	})

	t.Run("simulation revert aborts before submission", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{})

		client.On("CallContract", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("execution reverted")).Once()

		_, err := gw.SubmitViaSafe(context.Background(), safeAddr, marketplace, nil, innerData)
		require.Error(t, err)
		assert.Equal(t, faults.CodeSimRevert, faults.CodeOf(err))
		client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	})

	t.Run("reverted receipt is a safe tx revert", func(t *testing.T) {
		client := new(MockRPCClient)
		gw := testGateway(t, client, Config{})
		setupHappyCalls(client)

		client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil).Once()
		client.On("TransactionReceipt", mock.Anything, mock.Anything).
			Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}, nil).Once()

		_, err := gw.SubmitViaSafe(context.Background(), safeAddr, marketplace, nil, innerData)
		require.Error(t, err)
		assert.Equal(t, faults.CodeSafeTxRevert, faults.CodeOf(err))
	})
}

func TestSubmitEOAWaitsConfirmations(t *testing.T) {
	client := new(MockRPCClient)
	gw := testGateway(t, client, Config{Confirmations: 1})

	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), nil)
	client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(1_000_000_000), nil)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(21000), nil)
	// Head at 102 covers both fee estimation and the confirmation check
	// (receipt block 101 + 1 confirmation).
	client.On("HeaderByNumber", mock.Anything, mock.Anything).
		Return(&types.Header{Number: big.NewInt(102), BaseFee: big.NewInt(1_000_000_000)}, nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil).Once()
	client.On("TransactionReceipt", mock.Anything, mock.Anything).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101)}, nil).Once()

	receipt, err := gw.SubmitEOA(context.Background(), marketplace, big.NewInt(1), nil)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	client.AssertExpectations(t)
}
