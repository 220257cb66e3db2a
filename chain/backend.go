package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend defines the subset of the Ethereum RPC used by the submitter, the
// caller and receipt replay. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Tracer is implemented by backends that can re-execute a mined transaction
// in its original position and report the top-level call's return data.
type Tracer interface {
	TraceTransactionOutput(ctx context.Context, hash common.Hash) ([]byte, error)
}

// ErrTracingUnsupported reports that the node does not expose transaction
// tracing.
var ErrTracingUnsupported = errors.New("transaction tracing not supported by node")

var (
	_ Backend = (*ethclient.Client)(nil)
	_ Backend = (*Client)(nil)
	_ Tracer  = (*Client)(nil)
)

// Client is an ethclient bound to its raw RPC connection so debug namespace
// methods are reachable.
type Client struct {
	*ethclient.Client
	raw *rpc.Client
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc endpoint required")
	}
	raw, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	return &Client{Client: ethclient.NewClient(raw), raw: raw}, nil
}

type callFrame struct {
	Output hexutil.Bytes `json:"output"`
	Error  string        `json:"error"`
}

// TraceTransactionOutput runs debug_traceTransaction with the call tracer
// limited to the top-level frame.
func (c *Client) TraceTransactionOutput(ctx context.Context, hash common.Hash) ([]byte, error) {
	var frame callFrame
	err := c.raw.CallContext(ctx, &frame, "debug_traceTransaction", hash, map[string]any{
		"tracer":       "callTracer",
		"tracerConfig": map[string]any{"onlyTopCall": true},
	})
	if err != nil {
		if isMethodMissing(err) {
			return nil, fmt.Errorf("%w: %v", ErrTracingUnsupported, err)
		}
		return nil, err
	}
	if frame.Error != "" {
		return nil, fmt.Errorf("traced call failed: %s", frame.Error)
	}
	return frame.Output, nil
}

func isMethodMissing(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "does not exist/is not available") ||
		strings.Contains(msg, "method not supported")
}
