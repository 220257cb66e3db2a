// Package chaintest provides an in-memory ledger backend for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainID is the chain id reported by the fake backend.
var ChainID = big.NewInt(1337)

// ContractAddress is where the fake backend pretends the contract lives.
var ContractAddress = common.HexToAddress("0x00000000000000000000000000000000005c0a1e")

// Call is a decoded invocation handed to a Handler. Commit is set only when
// the call executes as part of a mined transaction; handlers that model
// contract state should mutate it only then.
type Call struct {
	Method string
	Args   []any
	From   common.Address
	Commit bool
}

// Emit describes a contract event produced by a handler. Address overrides
// the emitting contract when non-nil.
type Emit struct {
	Name    string
	Args    []any
	Address *common.Address
}

// Outcome is what a handler decides for a call. A non-empty Revert aborts
// execution with that reason.
type Outcome struct {
	Output  []any
	Events  []Emit
	RawLogs []*gethtypes.Log
	Revert  string
}

// Handler executes a contract method. Handlers run for gas estimation,
// broadcast and return-data recovery, so they must not rely on being called
// exactly once.
type Handler func(call Call) Outcome

// Backend is a deterministic single-node ledger. Every broadcast transaction
// is mined in its own block unless blocks are batched. It implements
// chain.Tracer, reporting the output each transaction produced when mined.
type Backend struct {
	abi abi.ABI

	mu        sync.Mutex
	handlers  map[string]Handler
	nonces    map[common.Address]uint64
	txs       map[common.Hash]*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	withheld  map[common.Hash]*gethtypes.Receipt
	outputs   map[common.Hash][]byte
	withhold  bool
	batch     bool
	noTrace   bool
	block     uint64
	sendErr   error
	callErr   error
	sent      int
	estimates int
}

// NewBackend constructs a backend for the supplied ABI JSON.
func NewBackend(abiJSON string) (*Backend, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &Backend{
		abi:      parsed,
		handlers: make(map[string]Handler),
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*gethtypes.Transaction),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		withheld: make(map[common.Hash]*gethtypes.Receipt),
		outputs:  make(map[common.Hash][]byte),
		block:    1,
	}, nil
}

// ABI returns the parsed contract ABI.
func (b *Backend) ABI() abi.ABI { return b.abi }

// Handle installs the handler for method.
func (b *Backend) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Withhold makes subsequent receipts invisible until Release is called.
func (b *Backend) Withhold(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.withhold = on
}

// Release publishes every withheld receipt.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, receipt := range b.withheld {
		b.receipts[hash] = receipt
		delete(b.withheld, hash)
	}
}

// Batch mines subsequent transactions into one shared block until turned off.
func (b *Backend) Batch(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if on && !b.batch {
		b.block++
	}
	b.batch = on
}

// DisableTracing makes TraceTransactionOutput answer like a node without the
// debug namespace.
func (b *Backend) DisableTracing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noTrace = true
}

// FailSends makes SendTransaction return err until cleared with nil.
func (b *Backend) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// FailCalls makes CallContract return err until cleared with nil.
func (b *Backend) FailCalls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// Sent reports how many transactions were accepted.
func (b *Backend) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Estimates reports how many gas estimations were requested.
func (b *Backend) Estimates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimates
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(ChainID), nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	b.estimates++
	b.mu.Unlock()
	outcome, _, err := b.execute(msg.From, msg.Data, false)
	if err != nil {
		return 0, err
	}
	if outcome.Revert != "" {
		return 0, NewRevertError(outcome.Revert)
	}
	return 90_000, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sendErr := b.sendErr
	b.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	b.mu.Lock()
	nonce := b.nonces[from]
	b.mu.Unlock()
	if tx.Nonce() != nonce {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), nonce)
	}
	outcome, method, err := b.execute(from, tx.Data(), true)
	if err != nil {
		return err
	}
	var output []byte
	if outcome.Revert == "" && method != nil {
		if output, err = method.Outputs.Pack(outcome.Output...); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	if !b.batch {
		b.block++
	}
	b.sent++
	hash := tx.Hash()
	receipt := &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21_000,
	}
	if outcome.Revert != "" {
		receipt.Status = gethtypes.ReceiptStatusFailed
	} else {
		logs, err := b.buildLogs(outcome)
		if err != nil {
			return err
		}
		for i, lg := range logs {
			lg.TxHash = hash
			lg.BlockNumber = b.block
			lg.Index = uint(i)
		}
		receipt.Logs = logs
	}
	b.txs[hash] = tx
	if output != nil {
		b.outputs[hash] = output
	}
	if b.withhold {
		b.withheld[hash] = receipt
	} else {
		b.receipts[hash] = receipt
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, pending := b.withheld[hash]
	return tx, pending, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	callErr := b.callErr
	b.mu.Unlock()
	if callErr != nil {
		return nil, callErr
	}
	outcome, method, err := b.execute(msg.From, msg.Data, false)
	if err != nil {
		return nil, err
	}
	if outcome.Revert != "" {
		return nil, NewRevertError(outcome.Revert)
	}
	return method.Outputs.Pack(outcome.Output...)
}

// TraceTransactionOutput returns the output recorded when the transaction was
// mined.
func (b *Backend) TraceTransactionOutput(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noTrace {
		return nil, &rpcError{code: -32601, msg: "the method debug_traceTransaction does not exist/is not available"}
	}
	if _, ok := b.receipts[hash]; !ok {
		return nil, ethereum.NotFound
	}
	output, ok := b.outputs[hash]
	if !ok {
		return []byte{}, nil
	}
	return output, nil
}

func (b *Backend) execute(from common.Address, data []byte, commit bool) (Outcome, *abi.Method, error) {
	if len(data) < 4 {
		return Outcome{}, nil, NewRevertError("missing selector")
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return Outcome{}, nil, NewRevertError("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Outcome{}, nil, NewRevertError("bad calldata")
	}
	b.mu.Lock()
	handler, ok := b.handlers[method.Name]
	b.mu.Unlock()
	if !ok {
		return Outcome{}, method, nil
	}
	return handler(Call{Method: method.Name, Args: args, From: from, Commit: commit}), method, nil
}

func (b *Backend) buildLogs(outcome Outcome) ([]*gethtypes.Log, error) {
	logs := make([]*gethtypes.Log, 0, len(outcome.Events)+len(outcome.RawLogs))
	for _, emit := range outcome.Events {
		address := ContractAddress
		if emit.Address != nil {
			address = *emit.Address
		}
		lg, err := PackLog(b.abi, address, emit.Name, emit.Args...)
		if err != nil {
			return nil, err
		}
		logs = append(logs, lg)
	}
	for _, raw := range outcome.RawLogs {
		copied := *raw
		logs = append(logs, &copied)
	}
	return logs, nil
}

// PackLog encodes an event the way the EVM would emit it.
func PackLog(contractABI abi.ABI, address common.Address, name string, args ...any) (*gethtypes.Log, error) {
	event, ok := contractABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("event %q not declared", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, fmt.Errorf("event %s expects %d args, got %d", name, len(event.Inputs), len(args))
	}
	topics := []common.Hash{event.ID}
	var data []any
	for i, input := range event.Inputs {
		if !input.Indexed {
			data = append(data, args[i])
			continue
		}
		topic, err := topicFor(args[i])
		if err != nil {
			return nil, fmt.Errorf("event %s arg %d: %w", name, i, err)
		}
		topics = append(topics, topic)
	}
	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, err
	}
	return &gethtypes.Log{Address: address, Topics: topics, Data: packed}, nil
}

func topicFor(v any) (common.Hash, error) {
	switch value := v.(type) {
	case common.Address:
		return common.BytesToHash(value.Bytes()), nil
	case *big.Int:
		return common.BigToHash(value), nil
	case common.Hash:
		return value, nil
	case string:
		return crypto.Keccak256Hash([]byte(value)), nil
	}
	return common.Hash{}, fmt.Errorf("unsupported topic type %T", v)
}

// RevertError mimics the JSON-RPC error a node returns for a reverted call.
type RevertError struct {
	reason string
	data   string
}

// NewRevertError encodes reason as Error(string) revert data.
func NewRevertError(reason string) *RevertError {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return &RevertError{reason: reason, data: hexutil.Encode(append(selector, packed...))}
}

func (e *RevertError) Error() string { return "execution reverted: " + e.reason }

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} { return e.data }

type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func (e *rpcError) ErrorCode() int { return e.code }
