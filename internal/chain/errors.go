package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// dataError is the shape go-ethereum's rpc package gives revert payloads.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// revertReason extracts a human-readable revert reason from an eth_call
// error, when the node supplied one.
func revertReason(err error) (string, bool) {
	var de dataError
	if !errors.As(err, &de) {
		return "", false
	}

	hexData, ok := de.ErrorData().(string)
	if !ok {
		return "", false
	}
	raw, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil {
		return "", false
	}

	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}

// classifyRPC maps raw RPC errors onto the worker fault taxonomy. Transport
// problems are retryable; funds and revert conditions are not.
func classifyRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return faults.Wrap(faults.CodeInsufficientFunds, "operator account cannot fund transaction", err)
	case strings.Contains(msg, "execution reverted"):
		if reason, ok := revertReason(err); ok {
			return faults.Wrap(faults.CodeSimRevert, fmt.Sprintf("call reverted: %s", reason), err)
		}
		return faults.Wrap(faults.CodeSimRevert, "call reverted", err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return &faults.Retryable{Err: faults.Wrap(faults.CodeRPCFailure, "transaction pool rejected submission", err)}
	default:
		return &faults.Retryable{Err: faults.Wrap(faults.CodeRPCFailure, "rpc call failed", err)}
	}
}
