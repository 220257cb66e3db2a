package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/types"
)

const defaultCallTimeout = 10 * time.Second

// Caller evaluates read-only contract functions against the latest state.
type Caller struct {
	backend  Backend
	contract *Contract
	decoder  *Decoder
	timeout  time.Duration
}

// NewCaller constructs a caller. A non-positive timeout selects the default.
func NewCaller(backend Backend, contract *Contract, timeout time.Duration) (*Caller, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend required")
	}
	if contract == nil {
		return nil, fmt.Errorf("contract required")
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Caller{backend: backend, contract: contract, decoder: NewDecoder(contract, nil), timeout: timeout}, nil
}

// CallReadOnly evaluates function without producing a transaction. The
// optional account only sets the call's sender.
func (c *Caller) CallReadOnly(ctx context.Context, function string, args []any, account types.Account) (types.ReturnValue, error) {
	method, err := c.contract.Method(function)
	if err != nil {
		return nil, err
	}
	coerced, err := CoerceArgs(method, args)
	if err != nil {
		return nil, err
	}
	data, err := c.contract.ABI.Pack(method.Name, coerced...)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.KindInvalidArguments, err, "pack %s", method.Name)
	}
	to := c.contract.Address
	msg := ethereum.CallMsg{To: &to, Data: data}
	if account != nil {
		msg.From = account.Address()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	output, err := c.backend.CallContract(callCtx, msg, nil)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, lerrors.Wrap(lerrors.KindRemoteUnavailable, err, "call %s timed out after %s", method.Name, c.timeout)
		}
		return nil, classify("call "+method.Name, err)
	}
	ret, err := c.decoder.DecodeOutput(method, output)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.KindMalformedReceipt, err, "decode %s output", method.Name)
	}
	return ret, nil
}
