package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	lerrors "ledgerbridge/core/errors"
)

const defaultRevertReason = "execution reverted"

// revertReason extracts the Error(string) reason carried by a JSON-RPC error.
// The boolean reports whether err describes an execution revert at all.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		var raw []byte
		switch data := dataErr.ErrorData().(type) {
		case string:
			raw, _ = hexutil.Decode(data)
		case []byte:
			raw = data
		}
		if len(raw) > 0 {
			if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
				return reason, true
			}
			return defaultRevertReason, true
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		if reason == "" {
			reason = defaultRevertReason
		}
		return reason, true
	}
	return "", false
}

// classify maps an RPC failure onto the bridge error taxonomy. Reverts and
// errors answered by the node become RemoteRevert; everything else is treated
// as the ledger being unreachable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *lerrors.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return lerrors.Wrap(lerrors.KindRemoteUnavailable, err, "%s", op)
	}
	if reason, ok := revertReason(err); ok {
		return &lerrors.Error{Kind: lerrors.KindRemoteRevert, Message: reason, Err: err}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return lerrors.Wrap(lerrors.KindRemoteRevert, err, "%s rejected", op)
	}
	return lerrors.Wrap(lerrors.KindRemoteUnavailable, err, "%s", op)
}
