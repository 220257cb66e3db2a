package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/types"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultSubmitTimeout  = 30 * time.Second
	gasMarginDenominator  = 5
	minimumGasLimitMargin = 10_000
)

// Pending describes a broadcast transaction whose receipt has not been
// observed yet.
type Pending struct {
	TxHash   common.Hash
	Function string
	From     common.Address
	To       common.Address
	Data     []byte
	SentAt   time.Time
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithDefaultTimeout sets the receipt wait used when callers pass zero.
func WithDefaultTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithChainID pins the chain id instead of querying the node.
func WithChainID(id *big.Int) SubmitterOption {
	return func(s *Submitter) {
		if id != nil {
			s.chainID = new(big.Int).Set(id)
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp pending submissions.
func WithClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// Submitter signs invocations as their account, broadcasts them and waits for
// the ledger to produce a receipt.
type Submitter struct {
	backend  Backend
	contract *Contract

	pollInterval   time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu         sync.Mutex
	chainID    *big.Int
	tracingOff atomic.Bool
}

// NewSubmitter constructs a submitter for the supplied contract.
func NewSubmitter(backend Backend, contract *Contract, opts ...SubmitterOption) (*Submitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend required")
	}
	if contract == nil {
		return nil, fmt.Errorf("contract required")
	}
	s := &Submitter{
		backend:        backend,
		contract:       contract,
		pollInterval:   defaultPollInterval,
		defaultTimeout: defaultSubmitTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Contract exposes the bound contract.
func (s *Submitter) Contract() *Contract { return s.contract }

// Submit sends the invocation and blocks until its receipt is observed or
// timeout elapses. A zero timeout uses the submitter default.
func (s *Submitter) Submit(ctx context.Context, inv types.Invocation, timeout time.Duration) (*types.Receipt, error) {
	pending, err := s.Send(ctx, inv)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, pending, timeout)
}

// Send packs, signs and broadcasts the invocation without waiting for it to
// be mined. An estimation revert is reported before anything is broadcast.
func (s *Submitter) Send(ctx context.Context, inv types.Invocation) (*Pending, error) {
	account := inv.Account()
	if account == nil {
		return nil, lerrors.New(lerrors.KindInvalidArguments, "account required")
	}
	method, err := s.contract.Method(inv.Function())
	if err != nil {
		return nil, err
	}
	args, err := CoerceArgs(method, inv.Args())
	if err != nil {
		return nil, err
	}
	data, err := s.contract.ABI.Pack(method.Name, args...)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.KindInvalidArguments, err, "pack %s", method.Name)
	}
	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	from := account.Address()
	to := s.contract.Address
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify("pending nonce", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("gas price", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, classify("estimate gas", err)
	}
	gas += max(gas/gasMarginDenominator, minimumGasLimitMargin)

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := account.SignTx(tx, chainID)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.KindInternal, err, "sign %s", method.Name)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classify("send transaction", err)
	}
	pending := &Pending{
		TxHash:   signed.Hash(),
		Function: method.Name,
		From:     from,
		To:       to,
		Data:     data,
		SentAt:   s.now(),
	}
	s.logger.Info("transaction broadcast",
		slog.String("function", method.Name),
		slog.String("from", from.Hex()),
		slog.String("tx_hash", pending.TxHash.Hex()),
		slog.Uint64("nonce", nonce))
	return pending, nil
}

// Wait polls for the receipt of a pending transaction. When the timeout
// elapses the returned SubmissionTimeout error carries the transaction hash so
// the outcome can be recovered later.
func (s *Submitter) Wait(ctx context.Context, pending *Pending, timeout time.Duration) (*types.Receipt, error) {
	if pending == nil {
		return nil, lerrors.New(lerrors.KindInternal, "pending submission required")
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(waitCtx, pending.TxHash)
		switch {
		case err == nil && receipt != nil:
			return s.finalize(ctx, pending, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil:
			s.logger.Debug("receipt poll failed",
				slog.String("tx_hash", pending.TxHash.Hex()),
				slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return nil, lerrors.New(lerrors.KindSubmissionTimeout, "no receipt after %s", timeout).WithTx(pending.TxHash.Hex())
		case <-ticker.C:
		}
	}
}

// Lookup reconstructs the pending submission for a transaction hash and
// returns its receipt when the ledger has produced one. A nil receipt with a
// nil error means the transaction is known but not yet mined.
func (s *Submitter) Lookup(ctx context.Context, hash common.Hash) (*Pending, *types.Receipt, error) {
	tx, isPending, err := s.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil, lerrors.New(lerrors.KindInvalidArguments, "transaction %s is unknown to the ledger", hash.Hex())
		}
		return nil, nil, classify("transaction by hash", err)
	}
	if tx.To() == nil || *tx.To() != s.contract.Address {
		return nil, nil, lerrors.New(lerrors.KindInvalidArguments, "transaction %s does not target the contract", hash.Hex())
	}
	method, err := s.contract.MethodForInput(tx.Data())
	if err != nil {
		return nil, nil, err
	}
	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, nil, lerrors.Wrap(lerrors.KindMalformedReceipt, err, "recover sender")
	}
	pending := &Pending{
		TxHash:   hash,
		Function: method.Name,
		From:     from,
		To:       *tx.To(),
		Data:     tx.Data(),
	}
	if isPending {
		return pending, nil, nil
	}
	receipt, err := s.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return pending, nil, nil
		}
		return nil, nil, classify("transaction receipt", err)
	}
	out, err := s.finalize(ctx, pending, receipt)
	return pending, out, err
}

// finalize converts a node receipt. Reverted transactions return the receipt
// together with a RemoteRevert error whose reason is recovered by replaying
// the call against the parent block. Successful transactions recover their
// return data by tracing, falling back to the parent-block replay.
func (s *Submitter) finalize(ctx context.Context, pending *Pending, receipt *gethtypes.Receipt) (*types.Receipt, error) {
	out := &types.Receipt{
		TxHash: pending.TxHash,
		Status: receipt.Status,
		Logs:   receipt.Logs,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	to := pending.To
	msg := ethereum.CallMsg{From: pending.From, To: &to, Data: pending.Data}
	parent := parentBlock(receipt.BlockNumber)

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		reason := defaultRevertReason
		if _, err := s.backend.CallContract(ctx, msg, parent); err != nil {
			if recovered, ok := revertReason(err); ok {
				reason = recovered
			}
		}
		return out, lerrors.New(lerrors.KindRemoteRevert, "%s", reason).WithTx(pending.TxHash.Hex())
	}

	if output, ok := s.traceOutput(ctx, pending.TxHash); ok {
		out.Output, out.OutputSource = output, types.OutputTraced
		return out, nil
	}
	output, err := s.backend.CallContract(ctx, msg, parent)
	if err != nil {
		s.logger.Warn("return data unavailable",
			slog.String("tx_hash", pending.TxHash.Hex()),
			slog.Any("error", err))
		out.OutputSource = types.OutputUnavailable
		return out, nil
	}
	out.Output, out.OutputSource = output, types.OutputReplayed
	return out, nil
}

// traceOutput asks a tracing backend for the exact return data. Once the node
// reports tracing as unsupported it is not asked again.
func (s *Submitter) traceOutput(ctx context.Context, hash common.Hash) ([]byte, bool) {
	tracer, ok := s.backend.(Tracer)
	if !ok || s.tracingOff.Load() {
		return nil, false
	}
	output, err := tracer.TraceTransactionOutput(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrTracingUnsupported) || isMethodMissing(err) {
			s.tracingOff.Store(true)
			s.logger.Info("node does not support tracing; return data will be replayed", slog.Any("error", err))
		} else {
			s.logger.Debug("trace transaction", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		return nil, false
	}
	return output, true
}

func (s *Submitter) resolveChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chain id", err)
	}
	s.chainID = id
	return id, nil
}

func parentBlock(number *big.Int) *big.Int {
	if number == nil || number.Sign() <= 0 {
		return nil
	}
	return new(big.Int).Sub(number, big.NewInt(1))
}
